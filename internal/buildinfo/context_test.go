package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ctx       *Context
		version   string
		buildDate string
	}{
		{name: "nil context", ctx: nil, version: UnknownValue, buildDate: UnknownValue},
		{name: "empty values", ctx: NewContext("", ""), version: UnknownValue, buildDate: UnknownValue},
		{name: "release", ctx: NewContext("1.2.0", "2024-05-01"), version: "1.2.0", buildDate: "2024-05-01"},
		{name: "pre-release tag", ctx: NewContext("1.3.0-beta.1", ""), version: "1.3.0-beta.1", buildDate: UnknownValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.version, tt.ctx.GetVersion())
			assert.Equal(t, tt.buildDate, tt.ctx.GetBuildDate())
		})
	}
}

func TestContextFormatting(t *testing.T) {
	t.Parallel()

	c := NewContext("1.2.0", "2024-05-01")
	assert.Equal(t, "1.2.0 (built 2024-05-01)", c.String())
	assert.Equal(t, "wowsync/1.2.0", c.UserAgent())
	assert.Equal(t, "wowsync@1.2.0", c.Release())

	var missing *Context
	assert.Equal(t, "wowsync/unknown", missing.UserAgent())
	assert.Equal(t, "unknown (built unknown)", missing.String())
}
