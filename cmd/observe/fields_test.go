package observe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFields(t *testing.T) {
	t.Parallel()

	fields, err := parseFields([]string{
		"latitude=51.5",
		"captive=true",
		"description=seen near the path",
		"place_guess=",
		"tags=[\"orchid\",\"meadow\"]",
	})
	require.NoError(t, err)

	assert.InDelta(t, 51.5, fields["latitude"], 0)
	assert.Equal(t, true, fields["captive"])
	assert.Equal(t, "seen near the path", fields["description"])
	assert.Equal(t, "", fields["place_guess"])
	assert.Equal(t, []any{"orchid", "meadow"}, fields["tags"])

	_, err = parseFields([]string{"no-separator"})
	require.Error(t, err)
	_, err = parseFields([]string{"=value"})
	require.Error(t, err)
}

func TestReadPhoto(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	png := filepath.Join(dir, "orchid.png")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n0000"), 0o600))
	p, err := readPhoto(png)
	require.NoError(t, err)
	assert.Equal(t, "image/png", p.MIMEType)

	// no extension, sniffed from content
	jpeg := filepath.Join(dir, "photo")
	require.NoError(t, os.WriteFile(jpeg, []byte("\xff\xd8\xff\xe0 jpeg body"), 0o600))
	p, err = readPhoto(jpeg)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", p.MIMEType)

	text := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte("not an image"), 0o600))
	_, err = readPhoto(text)
	require.Error(t, err)

	_, err = readPhoto(filepath.Join(dir, "missing.jpg"))
	require.Error(t, err)
}
