// Package raster decodes the single-band float32 GeoTIFF files produced by
// the processing service. Only the subset GDAL emits for those outputs is
// supported: classic TIFF, uncompressed strips, 32-bit IEEE samples, with
// the geotransform carried as a pixel scale plus one tiepoint.
package raster

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

// TIFF tags consumed by the decoder.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGDALNoData      = 42113
)

const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeFloat    = 11
	typeDouble   = 12
	sampleFloat  = 3
	uncompressed = 1
)

// defaultNoData matches the sentinel GDAL writes when the service omits the
// GDAL_NODATA tag.
const defaultNoData = -9999

type ifdEntry struct {
	kind  uint16
	count uint32
	raw   [4]byte
}

type decoder struct {
	data []byte
	bo   binary.ByteOrder
}

// Decode parses a GeoTIFF byte slice into a RasterBand.
func Decode(data []byte) (*insar.RasterBand, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("truncated tiff header")
	}
	var bo binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("unrecognized tiff byte order %q", data[:2])
	}
	if bo.Uint16(data[2:4]) != 42 {
		return nil, fmt.Errorf("not a classic tiff file")
	}
	d := &decoder{data: data, bo: bo}

	entries, err := d.readIFD(d.bo.Uint32(data[4:8]))
	if err != nil {
		return nil, err
	}
	return d.buildBand(entries)
}

func (d *decoder) readIFD(offset uint32) (map[uint16]ifdEntry, error) {
	if int(offset)+2 > len(d.data) {
		return nil, fmt.Errorf("ifd offset out of range")
	}
	count := int(d.bo.Uint16(d.data[offset : offset+2]))
	base := int(offset) + 2
	if base+count*12 > len(d.data) {
		return nil, fmt.Errorf("truncated ifd")
	}
	entries := make(map[uint16]ifdEntry, count)
	for i := 0; i < count; i++ {
		e := d.data[base+i*12 : base+(i+1)*12]
		entry := ifdEntry{
			kind:  d.bo.Uint16(e[2:4]),
			count: d.bo.Uint32(e[4:8]),
		}
		copy(entry.raw[:], e[8:12])
		entries[d.bo.Uint16(e[0:2])] = entry
	}
	return entries, nil
}

func typeSize(kind uint16) int {
	switch kind {
	case typeByte, typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong, typeFloat:
		return 4
	case typeDouble:
		return 8
	default:
		return 0
	}
}

// payload returns the raw value bytes for an entry, following the offset
// indirection when the value does not fit inline.
func (d *decoder) payload(e ifdEntry) ([]byte, error) {
	size := typeSize(e.kind)
	if size == 0 {
		return nil, fmt.Errorf("unsupported tiff type %d", e.kind)
	}
	total := size * int(e.count)
	if total <= 4 {
		return e.raw[:total], nil
	}
	off := int(d.bo.Uint32(e.raw[:]))
	if off+total > len(d.data) {
		return nil, fmt.Errorf("tiff value offset out of range")
	}
	return d.data[off : off+total], nil
}

func (d *decoder) uintValues(e ifdEntry) ([]uint32, error) {
	buf, err := d.payload(e)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, e.count)
	for i := range out {
		switch e.kind {
		case typeShort:
			out[i] = uint32(d.bo.Uint16(buf[i*2:]))
		case typeLong:
			out[i] = d.bo.Uint32(buf[i*4:])
		default:
			return nil, fmt.Errorf("tag has non-integer type %d", e.kind)
		}
	}
	return out, nil
}

func (d *decoder) firstUint(entries map[uint16]ifdEntry, tag uint16) (uint32, bool, error) {
	e, ok := entries[tag]
	if !ok {
		return 0, false, nil
	}
	vals, err := d.uintValues(e)
	if err != nil || len(vals) == 0 {
		return 0, false, err
	}
	return vals[0], true, nil
}

func (d *decoder) doubleValues(e ifdEntry) ([]float64, error) {
	if e.kind != typeDouble {
		return nil, fmt.Errorf("tag has non-double type %d", e.kind)
	}
	buf, err := d.payload(e)
	if err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(d.bo.Uint64(buf[i*8:]))
	}
	return out, nil
}

func (d *decoder) buildBand(entries map[uint16]ifdEntry) (*insar.RasterBand, error) {
	width, ok, err := d.firstUint(entries, tagImageWidth)
	if err != nil || !ok {
		return nil, fmt.Errorf("missing image width: %w", err)
	}
	height, ok, err := d.firstUint(entries, tagImageLength)
	if err != nil || !ok {
		return nil, fmt.Errorf("missing image length: %w", err)
	}
	if bits, present, _ := d.firstUint(entries, tagBitsPerSample); present && bits != 32 {
		return nil, fmt.Errorf("unsupported bits per sample %d", bits)
	}
	if comp, present, _ := d.firstUint(entries, tagCompression); present && comp != uncompressed {
		return nil, fmt.Errorf("unsupported compression %d", comp)
	}
	if sf, present, _ := d.firstUint(entries, tagSampleFormat); present && sf != sampleFloat {
		return nil, fmt.Errorf("unsupported sample format %d", sf)
	}

	transform, err := d.geotransform(entries)
	if err != nil {
		return nil, err
	}

	values, err := d.readStrips(entries, int(width), int(height))
	if err != nil {
		return nil, err
	}

	band := &insar.RasterBand{
		Width:     int(width),
		Height:    int(height),
		Transform: transform,
		NoData:    d.noData(entries),
		Values:    values,
	}
	return band, nil
}

func (d *decoder) geotransform(entries map[uint16]ifdEntry) ([6]float64, error) {
	var gt [6]float64
	scaleEntry, ok := entries[tagModelPixelScale]
	if !ok {
		return gt, fmt.Errorf("missing model pixel scale")
	}
	tieEntry, ok := entries[tagModelTiepoint]
	if !ok {
		return gt, fmt.Errorf("missing model tiepoint")
	}
	scale, err := d.doubleValues(scaleEntry)
	if err != nil || len(scale) < 2 {
		return gt, fmt.Errorf("bad model pixel scale: %w", err)
	}
	tie, err := d.doubleValues(tieEntry)
	if err != nil || len(tie) < 6 {
		return gt, fmt.Errorf("bad model tiepoint: %w", err)
	}
	// Tiepoint maps raster (i, j) to model (x, y); GDAL outputs are
	// north-up so pixel height is negative.
	gt[0] = tie[3] - tie[0]*scale[0]
	gt[1] = scale[0]
	gt[2] = 0
	gt[3] = tie[4] + tie[1]*scale[1]
	gt[4] = 0
	gt[5] = -scale[1]
	return gt, nil
}

func (d *decoder) noData(entries map[uint16]ifdEntry) float64 {
	e, ok := entries[tagGDALNoData]
	if !ok {
		return defaultNoData
	}
	buf, err := d.payload(e)
	if err != nil {
		return defaultNoData
	}
	s := strings.TrimRight(string(buf), "\x00")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return defaultNoData
	}
	return v
}

func (d *decoder) readStrips(entries map[uint16]ifdEntry, width, height int) ([]float32, error) {
	offsetsEntry, ok := entries[tagStripOffsets]
	if !ok {
		return nil, fmt.Errorf("missing strip offsets")
	}
	countsEntry, ok := entries[tagStripByteCounts]
	if !ok {
		return nil, fmt.Errorf("missing strip byte counts")
	}
	offsets, err := d.uintValues(offsetsEntry)
	if err != nil {
		return nil, fmt.Errorf("bad strip offsets: %w", err)
	}
	counts, err := d.uintValues(countsEntry)
	if err != nil {
		return nil, fmt.Errorf("bad strip byte counts: %w", err)
	}
	if len(offsets) != len(counts) {
		return nil, fmt.Errorf("strip offset/count mismatch")
	}

	expected := width * height
	values := make([]float32, 0, expected)
	for i := range offsets {
		start, n := int(offsets[i]), int(counts[i])
		if start+n > len(d.data) {
			return nil, fmt.Errorf("strip %d out of range", i)
		}
		if n%4 != 0 {
			return nil, fmt.Errorf("strip %d length not a multiple of 4", i)
		}
		strip := d.data[start : start+n]
		for p := 0; p < n; p += 4 {
			values = append(values, math.Float32frombits(d.bo.Uint32(strip[p:])))
		}
	}
	if len(values) != expected {
		return nil, fmt.Errorf("raster has %d samples, expected %d", len(values), expected)
	}
	return values, nil
}
