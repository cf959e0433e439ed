// Package geotiff decodes single-band GeoTIFF rasters, such as the WorldPop
// population grids, into geometry.Raster values.
//
// Only north-up rasters georeferenced by ModelPixelScale and ModelTiepoint are
// supported. Strips and tiles are both read; compression may be none, LZW or
// deflate.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/rotisserie/eris"
	"golang.org/x/image/tiff/lzw"

	"github.com/sells-group/schoolmap/internal/geometry"
)

// TIFF tags read by the decoder.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagPixelScale      = 33550
	tagTiepoint        = 33922
	tagGDALNoData      = 42113
)

// Compression schemes.
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateAdob = 32946
)

// Sample formats.
const (
	formatUint  = 1
	formatInt   = 2
	formatFloat = 3
)

// Predictors.
const (
	predictorNone       = 1
	predictorHorizontal = 2
	predictorFloat      = 3
)

// field types
const (
	dtByte     = 1
	dtASCII    = 2
	dtShort    = 3
	dtLong     = 4
	dtRational = 5
	dtSByte    = 6
	dtSShort   = 8
	dtSLong    = 9
	dtFloat    = 11
	dtDouble   = 12
	dtLong8    = 16
)

var typeSize = map[uint16]int{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8,
	dtSByte: 1, dtSShort: 2, dtSLong: 4, dtFloat: 4, dtDouble: 8, dtLong8: 8,
}

// Options controls decoding.
type Options struct {
	// NoData is used when the file carries no GDAL_NODATA tag.
	NoData float64
}

// ReadFile decodes the GeoTIFF at path.
func ReadFile(path string, opts Options) (*geometry.Raster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geotiff: read %s", path)
	}
	r, err := Decode(data, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "geotiff: decode %s", path)
	}
	return r, nil
}

type decoder struct {
	data   []byte
	order  binary.ByteOrder
	fields map[uint16][]byte
	types  map[uint16]uint16
	counts map[uint16]int
}

// Decode reads the first image of a classic (non-BigTIFF) GeoTIFF.
func Decode(data []byte, opts Options) (*geometry.Raster, error) {
	if len(data) < 8 {
		return nil, eris.New("geotiff: file too short")
	}
	d := &decoder{
		data:   data,
		fields: make(map[uint16][]byte),
		types:  make(map[uint16]uint16),
		counts: make(map[uint16]int),
	}
	switch string(data[:2]) {
	case "II":
		d.order = binary.LittleEndian
	case "MM":
		d.order = binary.BigEndian
	default:
		return nil, eris.New("geotiff: missing byte order mark")
	}
	if magic := d.order.Uint16(data[2:4]); magic != 42 {
		if magic == 43 {
			return nil, eris.New("geotiff: BigTIFF is not supported")
		}
		return nil, eris.Errorf("geotiff: bad magic number %d", magic)
	}
	if err := d.readIFD(int(d.order.Uint32(data[4:8]))); err != nil {
		return nil, err
	}
	return d.raster(opts)
}

func (d *decoder) readIFD(off int) error {
	if off+2 > len(d.data) {
		return eris.New("geotiff: IFD offset out of range")
	}
	n := int(d.order.Uint16(d.data[off:]))
	off += 2
	if off+n*12 > len(d.data) {
		return eris.New("geotiff: truncated IFD")
	}
	for i := 0; i < n; i++ {
		e := d.data[off+i*12 : off+(i+1)*12]
		tag := d.order.Uint16(e[0:2])
		typ := d.order.Uint16(e[2:4])
		count := int(d.order.Uint32(e[4:8]))
		size, ok := typeSize[typ]
		if !ok {
			continue
		}
		total := size * count
		var raw []byte
		if total <= 4 {
			raw = e[8 : 8+total]
		} else {
			p := int(d.order.Uint32(e[8:12]))
			if p < 0 || p+total > len(d.data) {
				return eris.Errorf("geotiff: tag %d value out of range", tag)
			}
			raw = d.data[p : p+total]
		}
		d.fields[tag] = raw
		d.types[tag] = typ
		d.counts[tag] = count
	}
	return nil
}

// ints returns an integer-typed tag as a slice.
func (d *decoder) ints(tag uint16) []int {
	raw, ok := d.fields[tag]
	if !ok {
		return nil
	}
	n := d.counts[tag]
	out := make([]int, n)
	for i := 0; i < n; i++ {
		switch d.types[tag] {
		case dtByte:
			out[i] = int(raw[i])
		case dtShort:
			out[i] = int(d.order.Uint16(raw[i*2:]))
		case dtLong:
			out[i] = int(d.order.Uint32(raw[i*4:]))
		case dtLong8:
			out[i] = int(d.order.Uint64(raw[i*8:]))
		default:
			return nil
		}
	}
	return out
}

func (d *decoder) int1(tag uint16, def int) int {
	v := d.ints(tag)
	if len(v) == 0 {
		return def
	}
	return v[0]
}

func (d *decoder) doubles(tag uint16) []float64 {
	raw, ok := d.fields[tag]
	if !ok || d.types[tag] != dtDouble {
		return nil
	}
	out := make([]float64, d.counts[tag])
	for i := range out {
		out[i] = math.Float64frombits(d.order.Uint64(raw[i*8:]))
	}
	return out
}

type layout struct {
	width, height   int
	bits, format    int
	compression     int
	predictor       int
	blockW, blockH  int
	offsets, counts []int
	tiled           bool
}

func (d *decoder) layout() (*layout, error) {
	l := &layout{
		width:       d.int1(tagImageWidth, 0),
		height:      d.int1(tagImageLength, 0),
		bits:        d.int1(tagBitsPerSample, 1),
		format:      d.int1(tagSampleFormat, formatUint),
		compression: d.int1(tagCompression, compressionNone),
		predictor:   d.int1(tagPredictor, predictorNone),
	}
	if l.width <= 0 || l.height <= 0 {
		return nil, eris.Errorf("geotiff: invalid image size %dx%d", l.width, l.height)
	}
	if spp := d.int1(tagSamplesPerPixel, 1); spp != 1 {
		return nil, eris.Errorf("geotiff: %d samples per pixel, want a single band", spp)
	}
	if pc := d.int1(tagPlanarConfig, 1); pc != 1 {
		return nil, eris.Errorf("geotiff: planar configuration %d is not supported", pc)
	}

	if _, ok := d.fields[tagTileOffsets]; ok {
		l.tiled = true
		l.blockW = d.int1(tagTileWidth, 0)
		l.blockH = d.int1(tagTileLength, 0)
		l.offsets = d.ints(tagTileOffsets)
		l.counts = d.ints(tagTileByteCounts)
	} else {
		l.blockW = l.width
		l.blockH = d.int1(tagRowsPerStrip, l.height)
		l.offsets = d.ints(tagStripOffsets)
		l.counts = d.ints(tagStripByteCounts)
	}
	if l.blockW <= 0 || l.blockH <= 0 {
		return nil, eris.New("geotiff: invalid block size")
	}
	if len(l.offsets) == 0 || len(l.offsets) != len(l.counts) {
		return nil, eris.New("geotiff: missing or mismatched block offsets")
	}
	if _, err := sampleReader(l.format, l.bits); err != nil {
		return nil, err
	}
	return l, nil
}

func (d *decoder) raster(opts Options) (*geometry.Raster, error) {
	l, err := d.layout()
	if err != nil {
		return nil, err
	}

	scale := d.doubles(tagPixelScale)
	tie := d.doubles(tagTiepoint)
	if len(scale) < 2 || len(tie) < 6 {
		return nil, eris.New("geotiff: missing ModelPixelScale or ModelTiepoint")
	}
	if math.Abs(scale[0]-scale[1]) > 1e-9*math.Max(scale[0], scale[1]) {
		return nil, eris.Errorf("geotiff: non-square pixels %vx%v", scale[0], scale[1])
	}

	r := &geometry.Raster{
		Width:   l.width,
		Height:  l.height,
		OriginX: tie[3] - tie[0]*scale[0],
		OriginY: tie[4] + tie[1]*scale[1],
		Res:     scale[0],
		Values:  make([]float64, l.width*l.height),
		NoData:  opts.NoData,
	}
	if raw, ok := d.fields[tagGDALNoData]; ok {
		s := strings.TrimSpace(strings.TrimRight(string(raw), "\x00"))
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			r.NoData = v
		}
	}

	if err := d.readBlocks(l, r.Values); err != nil {
		return nil, err
	}
	return r, nil
}

func (d *decoder) readBlocks(l *layout, dst []float64) error {
	across := (l.width + l.blockW - 1) / l.blockW
	read, _ := sampleReader(l.format, l.bits)
	bps := l.bits / 8

	for b, off := range l.offsets {
		if off+l.counts[b] > len(d.data) {
			return eris.Errorf("geotiff: block %d out of range", b)
		}
		buf, err := decompress(l.compression, d.data[off:off+l.counts[b]])
		if err != nil {
			return eris.Wrapf(err, "geotiff: block %d", b)
		}

		x0, y0 := 0, b*l.blockH
		rowLen := l.width
		if l.tiled {
			x0, y0 = (b%across)*l.blockW, (b/across)*l.blockH
			rowLen = l.blockW
		}
		rows := l.blockH
		if !l.tiled {
			rows = min(l.blockH, l.height-y0)
		}
		if len(buf) < rows*rowLen*bps {
			return eris.Errorf("geotiff: block %d has %d bytes, want %d", b, len(buf), rows*rowLen*bps)
		}
		if err := unpredict(l.predictor, buf, rows, rowLen, bps, d.order); err != nil {
			return err
		}

		for i := 0; i < rows; i++ {
			y := y0 + i
			if y >= l.height {
				break
			}
			for j := 0; j < rowLen; j++ {
				x := x0 + j
				if x >= l.width {
					break
				}
				p := (i*rowLen + j) * bps
				dst[y*l.width+x] = read(d.order, buf[p:p+bps])
			}
		}
	}
	return nil
}

func decompress(compression int, block []byte) ([]byte, error) {
	switch compression {
	case compressionNone:
		return block, nil
	case compressionLZW:
		rc := lzw.NewReader(bytes.NewReader(block), lzw.MSB, 8)
		defer rc.Close() //nolint:errcheck
		return io.ReadAll(rc)
	case compressionDeflate, compressionDeflateAdob:
		zr, err := zlib.NewReader(bytes.NewReader(block))
		if err != nil {
			return nil, eris.Wrap(err, "open deflate stream")
		}
		defer zr.Close() //nolint:errcheck
		return io.ReadAll(zr)
	default:
		return nil, eris.Errorf("compression %d is not supported", compression)
	}
}

// unpredict reverses the TIFF predictor in place.
func unpredict(predictor int, buf []byte, rows, rowLen, bps int, order binary.ByteOrder) error {
	switch predictor {
	case predictorNone:
		return nil
	case predictorHorizontal:
		for i := 0; i < rows; i++ {
			row := buf[i*rowLen*bps : (i+1)*rowLen*bps]
			for j := 1; j < rowLen; j++ {
				cur, prev := row[j*bps:(j+1)*bps], row[(j-1)*bps:j*bps]
				switch bps {
				case 1:
					cur[0] += prev[0]
				case 2:
					order.PutUint16(cur, order.Uint16(cur)+order.Uint16(prev))
				case 4:
					order.PutUint32(cur, order.Uint32(cur)+order.Uint32(prev))
				case 8:
					order.PutUint64(cur, order.Uint64(cur)+order.Uint64(prev))
				}
			}
		}
		return nil
	case predictorFloat:
		n := rowLen * bps
		tmp := make([]byte, n)
		for i := 0; i < rows; i++ {
			row := buf[i*n : (i+1)*n]
			for k := 1; k < n; k++ {
				row[k] += row[k-1]
			}
			// Bytes are stored as planes of most significant first.
			for j := 0; j < rowLen; j++ {
				for k := 0; k < bps; k++ {
					src := row[k*rowLen+j]
					if order == binary.LittleEndian {
						tmp[j*bps+bps-1-k] = src
					} else {
						tmp[j*bps+k] = src
					}
				}
			}
			copy(row, tmp)
		}
		return nil
	default:
		return eris.Errorf("geotiff: predictor %d is not supported", predictor)
	}
}

type sampleFunc func(order binary.ByteOrder, b []byte) float64

func sampleReader(format, bits int) (sampleFunc, error) {
	switch {
	case format == formatFloat && bits == 32:
		return func(o binary.ByteOrder, b []byte) float64 { return float64(math.Float32frombits(o.Uint32(b))) }, nil
	case format == formatFloat && bits == 64:
		return func(o binary.ByteOrder, b []byte) float64 { return math.Float64frombits(o.Uint64(b)) }, nil
	case format == formatUint && bits == 8:
		return func(_ binary.ByteOrder, b []byte) float64 { return float64(b[0]) }, nil
	case format == formatUint && bits == 16:
		return func(o binary.ByteOrder, b []byte) float64 { return float64(o.Uint16(b)) }, nil
	case format == formatUint && bits == 32:
		return func(o binary.ByteOrder, b []byte) float64 { return float64(o.Uint32(b)) }, nil
	case format == formatInt && bits == 8:
		return func(_ binary.ByteOrder, b []byte) float64 { return float64(int8(b[0])) }, nil
	case format == formatInt && bits == 16:
		return func(o binary.ByteOrder, b []byte) float64 { return float64(int16(o.Uint16(b))) }, nil
	case format == formatInt && bits == 32:
		return func(o binary.ByteOrder, b []byte) float64 { return float64(int32(o.Uint32(b))) }, nil
	default:
		return nil, eris.Errorf("geotiff: sample format %d with %d bits is not supported", format, bits)
	}
}
