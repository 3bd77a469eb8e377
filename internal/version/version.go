package version

// Set with -ldflags "-X github.com/gradientsaas/gradient-chat/internal/version.Version=..."
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Build describes the running binary.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	BuiltAt string `json:"built_at"`
}

// Current returns the build information baked into this binary.
func Current() Build {
	return Build{Version: Version, Commit: Commit, BuiltAt: BuiltAt}
}

func (b Build) String() string {
	return "version=" + b.Version + " commit=" + b.Commit + " built_at=" + b.BuiltAt
}
