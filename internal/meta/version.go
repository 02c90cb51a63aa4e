// Package meta holds the build information the linker fills in, e.g.
//
//	go build -ldflags "-X github.com/luma/respite/internal/meta.Version=v0.3.0"
package meta

import (
	"fmt"
	"runtime"
)

// Info describes the build of the respite binary. HELLO replies of the mock
// endpoint and the version command report it.
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
	GoTag     string
}

// These will be filled in using the linker -X flag
var (
	Version string

	// Build is the Git sha from when we are building
	Build string

	Branch string

	// BuildTimeUTC is year/month/day hour:min:sec
	BuildTimeUTC string

	// GoTag lists the build tags, see https://golang.org/pkg/go/build/#hdr-Build_Constraints
	GoTag string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

// GetInfo returns an Info struct populated with the build information.
func GetInfo() Info {
	return Info{
		GoVersion: runtime.Version(),
		Version:   CurrentVersion(),
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		GoTag:     GoTag,
		Platform:  platform,
	}
}

// CurrentVersion is Version, or "dev" for builds without linker flags.
func CurrentVersion() string {
	if Version == "" {
		return "dev"
	}

	return Version
}
