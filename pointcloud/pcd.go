package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	lzf "github.com/zhuyie/golzf"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
	// PCDCompressed binary format for pcd.
	PCDCompressed PCDType = 2
)

// ParsePCDType parses the value of a pcd DATA line.
func ParsePCDType(s string) (PCDType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ascii":
		return PCDAscii, nil
	case "binary":
		return PCDBinary, nil
	case "binary_compressed":
		return PCDCompressed, nil
	default:
		return 0, errors.Errorf("unsupported pcd data type %q", s)
	}
}

func (t PCDType) String() string {
	switch t {
	case PCDAscii:
		return "ascii"
	case PCDBinary:
		return "binary"
	case PCDCompressed:
		return "binary_compressed"
	default:
		return fmt.Sprintf("PCDType(%d)", int(t))
	}
}

const pcdCommentChar = "#"

type pcdHeader struct {
	fields []string
	size   []uint32
	typ    []string
	count  []uint32
	width  uint32
	height uint32
	points uint32
	data   PCDType
}

func (h *pcdHeader) schema() (Schema, uint32, error) {
	if len(h.size) != len(h.fields) || len(h.typ) != len(h.fields) {
		return nil, 0, errors.New("FIELDS, SIZE and TYPE must have the same number of entries")
	}
	if h.count == nil {
		h.count = make([]uint32, len(h.fields))
		for i := range h.count {
			h.count[i] = 1
		}
	}
	if len(h.count) != len(h.fields) {
		return nil, 0, errors.New("FIELDS and COUNT must have the same number of entries")
	}
	var schema Schema
	var offset uint32
	for i, name := range h.fields {
		dt, err := pcdDatatype(h.typ[i], h.size[i])
		if err != nil {
			return nil, 0, errors.Wrapf(err, "field %q", name)
		}
		schema = append(schema, Field{Name: name, Offset: offset, Datatype: dt, Count: h.count[i]})
		offset += dt.Size() * h.count[i]
	}
	return schema, offset, nil
}

func pcdDatatype(typ string, size uint32) (Datatype, error) {
	switch typ + strconv.Itoa(int(size)) {
	case "I1":
		return Int8, nil
	case "U1":
		return Uint8, nil
	case "I2":
		return Int16, nil
	case "U2":
		return Uint16, nil
	case "I4":
		return Int32, nil
	case "U4":
		return Uint32, nil
	case "F4":
		return Float32, nil
	case "F8":
		return Float64, nil
	}
	return 0, errors.Errorf("unsupported TYPE %s with SIZE %d", typ, size)
}

func pcdTypeAndSize(dt Datatype) (string, uint32) {
	switch dt {
	case Int8, Int16, Int32:
		return "I", dt.Size()
	case Uint8, Uint16, Uint32:
		return "U", dt.Size()
	default:
		return "F", dt.Size()
	}
}

func parseUints(tokens []string) ([]uint32, error) {
	out := make([]uint32, len(tokens))
	for i, token := range tokens {
		v, err := strconv.ParseUint(token, 10, 32)
		if err != nil {
			return nil, err
		}
		out[i] = uint32(v)
	}
	return out, nil
}

func parsePCDHeaderLine(line string, header *pcdHeader) (done bool, err error) {
	key, value, _ := strings.Cut(line, " ")
	value = strings.TrimSpace(value)
	tokens := strings.Fields(value)

	switch strings.ToUpper(key) {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return false, errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		header.fields = tokens
	case "SIZE":
		if header.size, err = parseUints(tokens); err != nil {
			return false, errors.Wrap(err, "invalid SIZE line")
		}
	case "TYPE":
		header.typ = tokens
	case "COUNT":
		if header.count, err = parseUints(tokens); err != nil {
			return false, errors.Wrap(err, "invalid COUNT line")
		}
	case "WIDTH", "HEIGHT", "POINTS":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return false, errors.Wrapf(err, "invalid %s line", key)
		}
		switch strings.ToUpper(key) {
		case "WIDTH":
			header.width = uint32(v)
		case "HEIGHT":
			header.height = uint32(v)
		default:
			header.points = uint32(v)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return false, errors.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
	case "DATA":
		header.data, err = ParsePCDType(value)
		return true, err
	default:
		return false, errors.Errorf("unexpected pcd header line %q", line)
	}
	return false, nil
}

// ReadPCD reads a pcd (v0.7) file of any field layout. The returned record has an empty
// header; the caller is responsible for its stamp and frame.
func ReadPCD(inRaw io.Reader) (*Record, error) {
	header := pcdHeader{height: 1}
	in := bufio.NewReader(inRaw)
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "error reading pcd header")
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		done, err := parsePCDHeaderLine(line, &header)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}

	schema, step, err := header.schema()
	if err != nil {
		return nil, err
	}
	if header.points == 0 {
		header.points = header.width * header.height
	}
	if header.points != header.width*header.height {
		return nil, errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", header.points, header.width*header.height)
	}

	rec := &Record{
		Height:    header.height,
		Width:     header.width,
		Fields:    schema,
		PointStep: step,
		RowStep:   step * header.width,
		Data:      make([]byte, int(step)*int(header.points)),
	}

	switch header.data {
	case PCDAscii:
		err = readPCDAscii(in, rec)
	case PCDBinary:
		_, err = io.ReadFull(in, rec.Data)
	case PCDCompressed:
		err = readPCDCompressed(in, rec)
	default:
		err = errors.Errorf("unsupported pcd data type %v", header.data)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %v pcd data", header.data)
	}
	rec.IsDense = computeDense(rec)
	return rec, nil
}

func readPCDAscii(in *bufio.Reader, rec *Record) error {
	values := 0
	for _, f := range rec.Fields {
		values += int(f.Count)
	}
	for i := 0; i < rec.NumPoints(); i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return err
		}
		tokens := strings.Fields(line)
		if len(tokens) != values {
			return errors.Errorf("unexpected number of values in point %d: got %d, want %d", i, len(tokens), values)
		}
		t := 0
		for _, f := range rec.Fields {
			for k := uint32(0); k < f.Count; k++ {
				if err := putASCIIValue(rec, i, f.Offset+k*f.Datatype.Size(), f.Datatype, tokens[t]); err != nil {
					return errors.Wrapf(err, "point %d field %q", i, f.Name)
				}
				t++
			}
		}
	}
	return nil
}

func putASCIIValue(rec *Record, i int, offset uint32, dt Datatype, token string) error {
	buf := rec.Data[i*int(rec.PointStep)+int(offset):]
	order := binary.LittleEndian
	switch dt {
	case Float32, Float64:
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return err
		}
		if dt == Float32 {
			order.PutUint32(buf, math.Float32bits(float32(v)))
		} else {
			order.PutUint64(buf, math.Float64bits(v))
		}
	case Int8, Int16, Int32:
		v, err := strconv.ParseInt(token, 10, int(dt.Size()*8))
		if err != nil {
			return err
		}
		putUint(buf, dt, uint64(v))
	default:
		v, err := strconv.ParseUint(token, 10, int(dt.Size()*8))
		if err != nil {
			return err
		}
		putUint(buf, dt, v)
	}
	return nil
}

func putUint(buf []byte, dt Datatype, v uint64) {
	switch dt.Size() {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	}
}

// readPCDCompressed reads lzf compressed data. Compressed files store each field for all
// points contiguously rather than point by point.
func readPCDCompressed(in *bufio.Reader, rec *Record) error {
	var sizes [2]uint32
	if err := binary.Read(in, binary.LittleEndian, &sizes); err != nil {
		return err
	}
	compressedSize, uncompressedSize := sizes[0], sizes[1]
	if int(uncompressedSize) != len(rec.Data) {
		return errors.Errorf("uncompressed size %d does not match %d points of %d bytes", uncompressedSize, rec.NumPoints(), rec.PointStep)
	}
	compressed := make([]byte, compressedSize)
	if _, err := io.ReadFull(in, compressed); err != nil {
		return err
	}
	columns := make([]byte, uncompressedSize)
	n, err := lzf.Decompress(compressed, columns)
	if err != nil {
		return err
	}
	if n != int(uncompressedSize) {
		return errors.Errorf("decompressed %d bytes, expected %d", n, uncompressedSize)
	}

	points := rec.NumPoints()
	start := 0
	for _, f := range rec.Fields {
		width := int(f.End() - f.Offset)
		for i := 0; i < points; i++ {
			dst := i*int(rec.PointStep) + int(f.Offset)
			copy(rec.Data[dst:dst+width], columns[start+i*width:start+(i+1)*width])
		}
		start += width * points
	}
	return nil
}

// computeDense reports whether every point has finite float32 coordinates.
func computeDense(rec *Record) bool {
	xOff, yOff, zOff, err := rec.xyzOffsets()
	if err != nil {
		return true
	}
	for i := 0; i < rec.NumPoints(); i++ {
		if !isFinite(rec.Float32At(i, xOff)) || !isFinite(rec.Float32At(i, yOff)) || !isFinite(rec.Float32At(i, zOff)) {
			return false
		}
	}
	return true
}

// WritePCD writes the record as a pcd (v0.7) file. Fields are packed back to back and stored
// little endian regardless of the record's layout.
func WritePCD(rec *Record, out io.Writer, outputType PCDType) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	packed := packLittleEndian(rec)

	var sizes, types, counts []string
	for _, f := range rec.Fields {
		typ, size := pcdTypeAndSize(f.Datatype)
		sizes = append(sizes, strconv.Itoa(int(size)))
		types = append(types, typ)
		counts = append(counts, strconv.Itoa(int(fieldCount(f))))
	}

	w := bufio.NewWriter(out)
	if _, err := fmt.Fprintf(w, "# .PCD v0.7 - Point Cloud Data file format\n"+
		"VERSION .7\n"+
		"FIELDS %s\n"+
		"SIZE %s\n"+
		"TYPE %s\n"+
		"COUNT %s\n"+
		"WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		strings.Join(rec.Fields.Names(), " "),
		strings.Join(sizes, " "),
		strings.Join(types, " "),
		strings.Join(counts, " "),
		rec.Width, rec.Height, rec.NumPoints(), outputType); err != nil {
		return err
	}

	var err error
	switch outputType {
	case PCDAscii:
		err = writePCDAscii(w, packed)
	case PCDBinary:
		_, err = w.Write(packed.Data)
	case PCDCompressed:
		err = writePCDCompressed(w, packed)
	default:
		err = errors.Errorf("unsupported pcd data type %v", outputType)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

func fieldCount(f Field) uint32 {
	if f.Count == 0 {
		return 1
	}
	return f.Count
}

// packLittleEndian returns a little endian copy of rec with no padding between fields.
func packLittleEndian(rec *Record) *Record {
	out := &Record{Header: rec.Header, Height: rec.Height, Width: rec.Width, IsDense: rec.IsDense}
	var offset uint32
	for _, f := range rec.Fields {
		nf := f
		nf.Offset = offset
		nf.Count = fieldCount(f)
		out.Fields = append(out.Fields, nf)
		offset = nf.End()
	}
	out.PointStep = offset
	out.RowStep = offset * rec.Width
	out.Data = make([]byte, int(offset)*rec.NumPoints())

	srcOrder := rec.byteOrder()
	for i := 0; i < rec.NumPoints(); i++ {
		for fi, f := range rec.Fields {
			size := f.Datatype.Size()
			for k := uint32(0); k < fieldCount(f); k++ {
				src := i*int(rec.PointStep) + int(f.Offset+k*size)
				dst := i*int(out.PointStep) + int(out.Fields[fi].Offset+k*size)
				switch size {
				case 1:
					out.Data[dst] = rec.Data[src]
				case 2:
					binary.LittleEndian.PutUint16(out.Data[dst:], srcOrder.Uint16(rec.Data[src:]))
				case 4:
					binary.LittleEndian.PutUint32(out.Data[dst:], srcOrder.Uint32(rec.Data[src:]))
				case 8:
					binary.LittleEndian.PutUint64(out.Data[dst:], srcOrder.Uint64(rec.Data[src:]))
				}
			}
		}
	}
	return out
}

func writePCDAscii(w io.Writer, rec *Record) error {
	var sb strings.Builder
	for i := 0; i < rec.NumPoints(); i++ {
		sb.Reset()
		for _, f := range rec.Fields {
			size := f.Datatype.Size()
			for k := uint32(0); k < f.Count; k++ {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(formatASCIIValue(rec.Data[i*int(rec.PointStep)+int(f.Offset+k*size):], f.Datatype))
			}
		}
		sb.WriteByte('\n')
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return err
		}
	}
	return nil
}

func formatASCIIValue(buf []byte, dt Datatype) string {
	le := binary.LittleEndian
	switch dt {
	case Float32:
		return strconv.FormatFloat(float64(math.Float32frombits(le.Uint32(buf))), 'g', -1, 32)
	case Float64:
		return strconv.FormatFloat(math.Float64frombits(le.Uint64(buf)), 'g', -1, 64)
	case Int8:
		return strconv.Itoa(int(int8(buf[0])))
	case Uint8:
		return strconv.Itoa(int(buf[0]))
	case Int16:
		return strconv.Itoa(int(int16(le.Uint16(buf))))
	case Uint16:
		return strconv.Itoa(int(le.Uint16(buf)))
	case Int32:
		return strconv.Itoa(int(int32(le.Uint32(buf))))
	default:
		return strconv.FormatUint(uint64(le.Uint32(buf)), 10)
	}
}

func writePCDCompressed(w io.Writer, rec *Record) error {
	points := rec.NumPoints()
	columns := make([]byte, 0, len(rec.Data))
	for _, f := range rec.Fields {
		width := int(f.End() - f.Offset)
		for i := 0; i < points; i++ {
			src := i*int(rec.PointStep) + int(f.Offset)
			columns = append(columns, rec.Data[src:src+width]...)
		}
	}

	compressed, err := compressLZF(columns)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, [2]uint32{uint32(len(compressed)), uint32(len(columns))}); err != nil {
		return err
	}
	_, err = w.Write(compressed)
	return err
}

func compressLZF(in []byte) ([]byte, error) {
	// The compressor needs at least three bytes; shorter inputs are stored as a single literal run.
	if len(in) < 3 {
		if len(in) == 0 {
			return nil, nil
		}
		return append([]byte{byte(len(in) - 1)}, in...), nil
	}
	out := make([]byte, len(in)+len(in)/16+64)
	n, err := lzf.Compress(in, out)
	if err != nil {
		return nil, errors.Wrap(err, "lzf compression failed")
	}
	return out[:n], nil
}
