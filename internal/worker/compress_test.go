package worker

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/wow-sync/internal/errors"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// buildExifSegment creates an APP1 segment with ImageWidth in IFD0 and
// PixelXDimension (SHORT) / PixelYDimension (LONG) in the Exif IFD.
func buildExifSegment(order binary.ByteOrder, w, h int) []byte {
	tiff := make([]byte, 68)
	if order == binary.LittleEndian {
		copy(tiff, "II")
	} else {
		copy(tiff, "MM")
	}
	order.PutUint16(tiff[2:], 42)
	order.PutUint32(tiff[4:], 8)

	putEntry := func(at int, tag, typ uint16, value uint32) {
		order.PutUint16(tiff[at:], tag)
		order.PutUint16(tiff[at+2:], typ)
		order.PutUint32(tiff[at+4:], 1)
		if typ == typeShort {
			order.PutUint16(tiff[at+8:], uint16(value))
		} else {
			order.PutUint32(tiff[at+8:], value)
		}
	}

	order.PutUint16(tiff[8:], 2)
	putEntry(10, tagImageWidth, typeLong, uint32(w))
	putEntry(22, tagExifIFD, typeLong, 38)

	order.PutUint16(tiff[38:], 2)
	putEntry(40, tagPixelXDimension, typeShort, uint32(w))
	putEntry(52, tagPixelYDimension, typeLong, uint32(h))

	seg := []byte{0xFF, markerAPP1, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(2+len(exifHeader)+len(tiff)))
	seg = append(seg, exifHeader...)
	return append(seg, tiff...)
}

// readTag returns the value of tag in the IFD at offset
func readTag(t *testing.T, tiff []byte, order binary.ByteOrder, offset uint32, tag uint16) uint32 {
	t.Helper()
	count := int(order.Uint16(tiff[offset:]))
	for n := range count {
		entry := tiff[int(offset)+2+n*ifdEntrySize:]
		if order.Uint16(entry) != tag {
			continue
		}
		if order.Uint16(entry[2:]) == typeShort {
			return uint32(order.Uint16(entry[8:]))
		}
		return order.Uint32(entry[8:])
	}
	t.Fatalf("tag %#04x not found", tag)
	return 0
}

func TestScaledSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		w, h, max    int
		wantW, wantH int
	}{
		{"landscape", 4000, 3000, 2048, 2048, 1536},
		{"portrait", 3000, 4000, 1000, 750, 1000},
		{"already small", 800, 600, 2048, 800, 600},
		{"no limit", 4000, 3000, 0, 4000, 3000},
		{"thin strip", 5000, 2, 100, 100, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, h := scaledSize(tt.w, tt.h, tt.max)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestCompressDownscalesJPEG(t *testing.T) {
	t.Parallel()

	src := encodeJPEG(t, testImage(400, 200))
	out, err := Compress(src, 100, 80)
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
}

func TestCompressConvertsPNGToJPEG(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(64, 32)))

	out, err := Compress(buf.Bytes(), 2048, 0)
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 32, cfg.Height)
}

func TestCompressRewritesExifDimensions(t *testing.T) {
	t.Parallel()

	for name, order := range map[string]binary.ByteOrder{
		"little endian": binary.LittleEndian,
		"big endian":    binary.BigEndian,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			src := insertSegment(encodeJPEG(t, testImage(400, 300)), buildExifSegment(order, 400, 300))
			out, err := Compress(src, 200, 80)
			require.NoError(t, err)

			seg, ok := findExifSegment(out)
			require.True(t, ok, "exif segment must be carried over")
			tiff := seg[4+len(exifHeader):]

			assert.Equal(t, uint32(200), readTag(t, tiff, order, 8, tagImageWidth))
			assert.Equal(t, uint32(200), readTag(t, tiff, order, 38, tagPixelXDimension))
			assert.Equal(t, uint32(150), readTag(t, tiff, order, 38, tagPixelYDimension))

			cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, 200, cfg.Width)
			assert.Equal(t, 150, cfg.Height)
		})
	}
}

func TestRewriteExifRejectsOversizedShort(t *testing.T) {
	t.Parallel()

	_, err := rewriteExifDimensions(buildExifSegment(binary.LittleEndian, 10, 10), 70000, 10)
	assert.Error(t, err)
}

func TestCompressFailures(t *testing.T) {
	t.Parallel()

	_, err := Compress([]byte("definitely not an image"), 100, 80)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCompression))

	seg := buildExifSegment(binary.LittleEndian, 40, 40)
	seg[4+len(exifHeader)+2] = 0 // break the tiff magic
	src := insertSegment(encodeJPEG(t, testImage(40, 40)), seg)

	_, err = Compress(src, 20, 80)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCompression))
}

func TestFindExifSegmentWithoutExif(t *testing.T) {
	t.Parallel()

	_, ok := findExifSegment(encodeJPEG(t, testImage(8, 8)))
	assert.False(t, ok)

	_, ok = findExifSegment([]byte{0x89, 'P', 'N', 'G'})
	assert.False(t, ok)
}
