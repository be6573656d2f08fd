package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
)

const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerAPP1 = 0xE1

	tagImageWidth      = 0x0100
	tagImageLength     = 0x0101
	tagExifIFD         = 0x8769
	tagPixelXDimension = 0xA002
	tagPixelYDimension = 0xA003

	typeShort = 3
	typeLong  = 4

	ifdEntrySize = 12
)

var exifHeader = []byte("Exif\x00\x00")

// findExifSegment returns the complete APP1 Exif segment of a JPEG stream,
// marker and length included.
func findExifSegment(data []byte) ([]byte, bool) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, false
	}

	for i := 2; i+4 <= len(data); {
		if data[i] != 0xFF {
			return nil, false
		}
		marker := data[i+1]
		if marker == 0xFF {
			// fill byte
			i++
			continue
		}
		if marker == markerSOS || marker == markerEOI {
			return nil, false
		}

		length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		end := i + 2 + length
		if length < 2 || end > len(data) {
			return nil, false
		}
		if marker == markerAPP1 && bytes.HasPrefix(data[i+4:end], exifHeader) {
			return data[i:end], true
		}
		i = end
	}
	return nil, false
}

// rewriteExifDimensions returns a copy of an APP1 Exif segment with the
// image width and height tags set to w and h.
func rewriteExifDimensions(segment []byte, w, h int) ([]byte, error) {
	out := slices.Clone(segment)
	tiff := out[4+len(exifHeader):]
	if len(tiff) < 8 {
		return nil, fmt.Errorf("tiff header truncated")
	}

	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("unknown byte order %q", tiff[:2])
	}
	if order.Uint16(tiff[2:4]) != 42 {
		return nil, fmt.Errorf("bad tiff magic")
	}

	dims := map[uint16]int{
		tagImageWidth:      w,
		tagImageLength:     h,
		tagPixelXDimension: w,
		tagPixelYDimension: h,
	}

	ifd0 := order.Uint32(tiff[4:8])
	exifIFD, err := patchIFD(tiff, order, ifd0, dims)
	if err != nil {
		return nil, fmt.Errorf("ifd0: %w", err)
	}
	if exifIFD != 0 {
		if _, err := patchIFD(tiff, order, exifIFD, dims); err != nil {
			return nil, fmt.Errorf("exif ifd: %w", err)
		}
	}
	return out, nil
}

// patchIFD rewrites dimension tags found in the IFD at offset and returns the
// Exif sub-IFD offset if the IFD points to one.
func patchIFD(tiff []byte, order binary.ByteOrder, offset uint32, dims map[uint16]int) (uint32, error) {
	start := int(offset)
	if start < 8 || start+2 > len(tiff) {
		return 0, fmt.Errorf("offset %d out of range", offset)
	}
	count := int(order.Uint16(tiff[start : start+2]))
	if start+2+count*ifdEntrySize > len(tiff) {
		return 0, fmt.Errorf("%d entries overflow segment", count)
	}

	var sub uint32
	for n := range count {
		entry := tiff[start+2+n*ifdEntrySize : start+2+(n+1)*ifdEntrySize]
		tag := order.Uint16(entry[0:2])
		typ := order.Uint16(entry[2:4])
		value := entry[8:12]

		if tag == tagExifIFD {
			sub = order.Uint32(value)
			continue
		}
		v, ok := dims[tag]
		if !ok {
			continue
		}
		switch typ {
		case typeShort:
			if v > 0xFFFF {
				return 0, fmt.Errorf("tag %#04x: %d does not fit SHORT", tag, v)
			}
			order.PutUint16(value[0:2], uint16(v))
		case typeLong:
			order.PutUint32(value, uint32(v))
		default:
			return 0, fmt.Errorf("tag %#04x has unexpected type %d", tag, typ)
		}
	}
	return sub, nil
}

// insertSegment places segment right after the SOI marker of a JPEG stream
func insertSegment(jpegData, segment []byte) []byte {
	out := make([]byte, 0, len(jpegData)+len(segment))
	out = append(out, jpegData[:2]...)
	out = append(out, segment...)
	return append(out, jpegData[2:]...)
}
