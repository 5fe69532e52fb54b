package version

import (
	"runtime/debug"
	"strings"
)

var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Resolve returns the version string. Release builds stamp Commit via
// ldflags and report Version as is; other builds append the VCS revision
// recorded by the Go toolchain.
func Resolve() string {
	return resolveVersion(Version, Commit, debug.ReadBuildInfo)
}

func resolveVersion(base, commit string, readInfo func() (*debug.BuildInfo, bool)) string {
	if base == "" {
		base = "0.0.0"
	}
	if commit != "" && commit != "unknown" {
		return base
	}

	info, ok := readInfo()
	if !ok || info == nil {
		return base
	}
	if strings.TrimPrefix(info.Main.Version, "v") == base {
		return base
	}

	suffix := revisionSuffix(info.Settings)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func revisionSuffix(settings []debug.BuildSetting) string {
	var revision string
	var modified bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}

	if revision == "" {
		return ""
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if modified {
		revision += "-dirty"
	}
	return revision
}
