package version

import (
	"runtime/debug"
)

// Version is set at link time with -ldflags "-X podmon-k8s/internal/version.Version=...".
var Version = ""

// Value resolves the version reported by /api/v1/health and the startup log.
// An injected Version wins, then the module version from build info, then the
// VCS tag or revision stamped by the toolchain, and finally "dev".
func Value() string {
	if Version != "" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	for _, key := range []string{"vcs.tag", "vcs.revision"} {
		if v := settings[key]; v != "" {
			return v
		}
	}
	return "dev"
}
