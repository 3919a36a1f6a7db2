package models

// MountSpec describes what the payload may see beyond the image rootfs and
// its own output directory. Pure-with-extras is the default; a fully impure
// spec (native runtime, whole host visible) is opt-in per run.
type MountSpec struct {
	// Paths lists host paths bind-mounted read-only into the sandbox
	Paths []string `json:"paths,omitempty"`
	// HostPaths switches to fully-impure execution: the payload sees the
	// host filesystem instead of an isolated image rootfs
	HostPaths bool `json:"host_paths,omitempty"`
}

// WithPaths returns a copy of the spec with additional read-only paths
func (m MountSpec) WithPaths(paths ...string) MountSpec {
	out := MountSpec{HostPaths: m.HostPaths}
	out.Paths = append(append([]string{}, m.Paths...), paths...)
	return out
}
