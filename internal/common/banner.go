package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the engine startup banner for interactive runs
func PrintBanner(targetName string, schedulerKind string, logger arbor.ILogger) {
	version := GetVersion()

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorBlue).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("REPX")
	b.PrintCenteredText("Reproducible Experiment Runner")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Target", targetName, 15)
	b.PrintKeyValue("Scheduler", schedulerKind, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("target", targetName).
		Str("scheduler", schedulerKind).
		Msg("Engine starting")
}
