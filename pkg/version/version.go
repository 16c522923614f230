// Package version exposes the engine version derived from build metadata.
//
// Priority: -ldflags override > VCS info from debug.BuildInfo > "dev" fallback.
//
// Usage:
//
//	version.GitCommit // "a3f8c2d1" or "dev"
//	version.Full()    // "aipo/0.4.0+a3f8c2d1"
package version

import "runtime/debug"

// AppName is the application name used in version strings and user agents.
const AppName = "aipo"

// Engine is the semantic engine version. It participates in cache key
// derivation: bumping it invalidates (or segregates, depending on cache
// policy) every previously materialized response.
const Engine = "0.4.0"

// gitCommitOverride is set via -ldflags at build time for container builds
// where .git is unavailable. Empty string means no override.
var gitCommitOverride string

// GitCommit is the short git commit hash (8 chars) from build info.
// Set to "dev" when build info is unavailable (e.g., `go test`, non-git builds).
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		if len(gitCommitOverride) > 8 {
			return gitCommitOverride[:8]
		}
		return gitCommitOverride
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return "dev"
}

// Full returns "aipo/<engine>+<commit>" for user-agent strings and manifests.
func Full() string {
	return AppName + "/" + Engine + "+" + GitCommit
}
