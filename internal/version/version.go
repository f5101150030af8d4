// Package version carries build metadata set through -ldflags, e.g.
//
//	-X github.com/you/ailicia-topchat/internal/version.Version=v1.0.0
package version

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
