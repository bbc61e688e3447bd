// Package buildinfo contains build-time metadata kept apart from user configuration.
package buildinfo

import "fmt"

// UnknownValue is reported for metadata the build did not inject.
const UnknownValue = "unknown"

// Context contains build-time metadata that is not user-configurable.
// It is filled from ldflags at startup.
type Context struct {
	version   string
	buildDate string
}

// NewContext returns build metadata.
func NewContext(version, buildDate string) *Context {
	return &Context{version: version, buildDate: buildDate}
}

// Version returns the git version tag of the build.
func (c *Context) Version() string {
	if c == nil || c.version == "" {
		return UnknownValue
	}
	return c.version
}

// BuildDate returns the time the binary was built.
func (c *Context) BuildDate() string {
	if c == nil || c.buildDate == "" {
		return UnknownValue
	}
	return c.buildDate
}

// String renders the metadata for the version command.
func (c *Context) String() string {
	return fmt.Sprintf("birdnet-sync %s (built %s)", c.Version(), c.BuildDate())
}
