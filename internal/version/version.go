//nolint:gochecknoglobals // version info set via ldflags
package version

// These variables are intended to be set via -ldflags at build time.
// Example:
//
//	-X github.com/bavix/nestbridge/internal/version.Version=v0.4.0 \
//	-X github.com/bavix/nestbridge/internal/version.BuildTime=2026-10-01T12:00:00Z
var (
	Version   = "dev"
	BuildTime = ""
)

func GetVersion() string { return Version }

func GetBuildTime() string { return BuildTime }

// String renders the version for --version and the user agent.
func String() string {
	if BuildTime == "" {
		return Version
	}

	return Version + " (" + BuildTime + ")"
}
