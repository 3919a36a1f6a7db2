package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/ternarybob/repx/internal/models"
)

// ResourceRule maps a job ID glob to batch resource directives. Rules are
// evaluated in file order; the first match wins.
type ResourceRule struct {
	JobIDGlob   string `toml:"job_id_glob"`
	Partition   string `toml:"partition"`
	CPUsPerTask int    `toml:"cpus-per-task"`
	Mem         string `toml:"mem"`
	Time        string `toml:"time"`
}

// ResourceRules is the parsed resources.toml: a defaults block plus an
// ordered rule list
type ResourceRules struct {
	Defaults models.ResourceHints `toml:"defaults"`
	Rules    []ResourceRule       `toml:"rules"`
}

// LoadResourceRules loads the resources file with precedence:
// explicit path > ./resources.toml > ~/.config/repx/resources.toml.
// No file at all yields empty rules, not an error.
func LoadResourceRules(explicit string) (*ResourceRules, error) {
	candidates := []string{}
	if explicit != "" {
		candidates = append(candidates, explicit)
	} else {
		candidates = append(candidates, "resources.toml")
		if home, err := os.UserHomeDir(); err == nil {
			candidates = append(candidates, filepath.Join(home, ".config", "repx", "resources.toml"))
		}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit != "" {
				return nil, fmt.Errorf("failed to read resources file %s: %w", path, err)
			}
			continue
		}
		rules := &ResourceRules{}
		if err := toml.Unmarshal(data, rules); err != nil {
			return nil, fmt.Errorf("failed to parse resources file %s: %w", path, err)
		}
		return rules, nil
	}
	return &ResourceRules{}, nil
}

// Resolve returns the effective resource hints for a job: the job's own
// hints, then the first matching rule, then defaults fill unset fields.
func (r *ResourceRules) Resolve(jobID models.JobID, hints models.ResourceHints) models.ResourceHints {
	for _, rule := range r.Rules {
		matched, err := filepath.Match(rule.JobIDGlob, string(jobID))
		if err != nil || !matched {
			continue
		}
		hints = hints.Merge(models.ResourceHints{
			Partition:   rule.Partition,
			CPUsPerTask: rule.CPUsPerTask,
			Mem:         rule.Mem,
			Time:        rule.Time,
		})
		break
	}
	return hints.Merge(r.Defaults)
}
