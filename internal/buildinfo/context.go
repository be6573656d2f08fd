// Package buildinfo carries build-time metadata separate from user configuration
package buildinfo

import "fmt"

// UnknownValue is reported for metadata the build did not inject
const UnknownValue = "unknown"

const productName = "wowsync"

// Context contains build-time metadata that is not user-configurable.
// It is injected at startup from -ldflags values.
type Context struct {
	// Version holds the Git version tag from build
	Version string

	// BuildDate is the time when the binary was built
	BuildDate string
}

// NewContext creates a build context
func NewContext(version, buildDate string) *Context {
	return &Context{Version: version, BuildDate: buildDate}
}

// GetVersion returns the build version, UnknownValue when not set
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date, UnknownValue when not set
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// String formats the metadata for --version output
func (c *Context) String() string {
	return fmt.Sprintf("%s (built %s)", c.GetVersion(), c.GetBuildDate())
}

// UserAgent is sent with every API request
func (c *Context) UserAgent() string {
	return productName + "/" + c.GetVersion()
}

// Release names the build in error telemetry
func (c *Context) Release() string {
	return productName + "@" + c.GetVersion()
}
