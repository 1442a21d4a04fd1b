// Package version carries build metadata stamped in with ldflags:
//
//	go build -ldflags "-X github.com/hil-network/hil/pkg/version.Version=v0.3.0 \
//	  -X github.com/hil-network/hil/pkg/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/hil
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// IsDev reports an unstamped build.
func IsDev() bool {
	return Version == "dev"
}

// Info formats the build metadata for display.
func Info() string {
	if IsDev() {
		return "dev build"
	}
	return Version + " (" + GitCommit + ") built " + BuildDate
}
