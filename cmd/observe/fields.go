package observe

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tphakala/wow-sync/internal/observation"
)

// parseFields turns key=value pairs into field values. Values that parse as
// JSON keep their type, so latitude=51.5 is a number and captive=true a bool;
// anything else is a string.
func parseFields(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", pair)
		}
		fields[key] = parseValue(raw)
	}
	return fields, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// readPhoto loads a photo file and guesses its MIME type
func readPhoto(path string) (observation.Photo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return observation.Photo{}, fmt.Errorf("error reading photo: %w", err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return observation.Photo{}, fmt.Errorf("%s does not look like an image (%s)", path, mimeType)
	}
	return observation.Photo{Data: data, MIMEType: mimeType}, nil
}
