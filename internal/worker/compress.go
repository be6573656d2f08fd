package worker

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoder

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/tphakala/wow-sync/internal/errors"
)

const (
	DefaultQuality = 85
	maxQuality     = 100
)

// Compress decodes a JPEG, PNG or WebP image, scales it down so that neither
// side exceeds maxDimension (zero keeps the size) and encodes it as JPEG.
// EXIF metadata of JPEG sources is carried over with the pixel dimensions
// rewritten to the new size.
func Compress(src []byte, maxDimension, quality int) ([]byte, error) {
	if quality <= 0 || quality > maxQuality {
		quality = DefaultQuality
	}

	img, format, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, compressionError(fmt.Errorf("decode image: %w", err), "decode", len(src))
	}

	bounds := img.Bounds()
	width, height := scaledSize(bounds.Dx(), bounds.Dy(), maxDimension)
	if width != bounds.Dx() || height != bounds.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, compressionError(fmt.Errorf("encode jpeg: %w", err), "encode", len(src))
	}

	if format != "jpeg" {
		return out.Bytes(), nil
	}

	segment, ok := findExifSegment(src)
	if !ok {
		return out.Bytes(), nil
	}
	patched, err := rewriteExifDimensions(segment, width, height)
	if err != nil {
		return nil, compressionError(fmt.Errorf("rewrite exif: %w", err), "rewrite_metadata", len(src))
	}
	return insertSegment(out.Bytes(), patched), nil
}

// scaledSize fits w x h inside a maxDimension square keeping the aspect ratio
func scaledSize(w, h, maxDimension int) (int, int) {
	if maxDimension <= 0 || (w <= maxDimension && h <= maxDimension) {
		return w, h
	}
	if w >= h {
		return maxDimension, max(1, h*maxDimension/w)
	}
	return max(1, w*maxDimension/h), maxDimension
}

func compressionError(err error, stage string, size int) error {
	return errors.New(err).
		Component("worker").
		Category(errors.CategoryCompression).
		Context("stage", stage).
		Context("input_bytes", size).
		Build()
}
