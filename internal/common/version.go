package common

// Build metadata, injected with -ldflags at release time. The zero values
// identify a local development build.
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the release version string
func GetVersion() string {
	return Version
}

// GetBuild returns the build timestamp
func GetBuild() string {
	return Build
}

// GetGitCommit returns the git commit the binary was built from
func GetGitCommit() string {
	return GitCommit
}
