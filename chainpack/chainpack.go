// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package chainpack implements the ChainPack binary codec for the Silicon
// Heaven dynamic value model: a compact, self-delimiting binary encoding in
// which every value is prefixed by a one-byte packing schema.
package chainpack

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	mdsvalue "github.com/creachadair/mds/value"

	"github.com/shvgo/broker/value"
)

// schema is the one-byte packing-schema tag that precedes every encoded
// value, per the Silicon Heaven ChainPack wire format.
type schema byte

const (
	schemaNull    schema = 128
	schemaUInt    schema = 129
	schemaInt     schema = 130
	schemaDouble  schema = 131
	schemaBool    schema = 132
	schemaBlob    schema = 133
	schemaString  schema = 134
	schemaList    schema = 136
	schemaMap     schema = 137
	schemaIMap    schema = 138
	schemaMetaMap schema = 139
	schemaDecimal schema = 140
	schemaDateTime schema = 141
	schemaCString schema = 142
	schemaFalse   schema = 253
	schemaTrue    schema = 254
	schemaTerm    schema = 255
)

// shvEpochSec is 00:00:00 UTC on 2018-02-02, the Silicon Heaven epoch used
// by the DateTime wire encoding.
const shvEpochSec int64 = 1517529600

// Writer encodes value.Value instances onto an underlying byte stream in
// ChainPack format.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter returns a Writer that writes ChainPack-encoded values to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Flush flushes any buffered data to the underlying stream.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

func (w *Writer) writeByte(b byte) {
	if w.err == nil {
		w.err = w.w.WriteByte(b)
	}
}

func (w *Writer) writeBytes(b []byte) {
	if w.err == nil {
		_, w.err = w.w.Write(b)
	}
}

// Write encodes v and flushes the writer.
func (w *Writer) Write(v value.Value) error {
	w.write(v)
	if w.err != nil {
		return w.err
	}
	return w.Flush()
}

func (w *Writer) write(v value.Value) {
	if w.err != nil {
		return
	}
	if !v.Meta.IsEmpty() {
		w.writeMeta(v.Meta)
	}
	switch v.Kind {
	case value.KindNull:
		w.writeByte(byte(schemaNull))
	case value.KindBool:
		w.writeByte(byte(mdsvalue.Cond(v.Bool, schemaTrue, schemaFalse)))
	case value.KindInt:
		w.writeInt(v.Int)
	case value.KindUInt:
		w.writeUInt(v.UInt)
	case value.KindDouble:
		w.writeDouble(v.Double)
	case value.KindDecimal:
		w.writeDecimal(v.Decimal)
	case value.KindBytes:
		w.writeBlob(v.Bytes)
	case value.KindString:
		w.writeString(v.Str)
	case value.KindDateTime:
		w.writeDateTime(v.DateTime)
	case value.KindList:
		w.writeList(v.List)
	case value.KindMap:
		w.writeStringMap(v.Map)
	case value.KindIMap:
		w.writeIntMap(v.IMap)
	default:
		w.err = fmt.Errorf("chainpack: cannot encode %v", v.Kind)
	}
}

func (w *Writer) writeMeta(m *value.Meta) {
	w.writeByte(byte(schemaMetaMap))
	for k, v := range m.IMap {
		w.writeInt(int64(k))
		w.write(v)
	}
	for k, v := range m.Map {
		w.writeString(k)
		w.write(v)
	}
	w.writeByte(byte(schemaTerm))
}

// bytesNeeded returns the number of bytes required to hold a value whose
// natural length is bitLen bits, following ChainPack's escalating width
// scheme (7, 14, 21, 28 bits packed with a prefix, then byte-aligned past
// that).
func bytesNeeded(bitLen int) int {
	var cnt int
	if bitLen <= 28 {
		cnt = ((bitLen - 1) / 7) + 1
	} else {
		cnt = ((bitLen - 1) / 8) + 2
	}
	if cnt == 0 {
		return 1
	}
	return cnt
}

func expandBitLen(bitLen int) int {
	byteCnt := bytesNeeded(bitLen)
	if bitLen <= 28 {
		return byteCnt*(8-1) - 1
	}
	return (byteCnt-1)*8 - 1
}

func (w *Writer) writeUIntDataHelper(num uint64, bitLen int) {
	byteCnt := bytesNeeded(bitLen)
	data := make([]byte, byteCnt)
	for i := byteCnt - 1; i >= 0; i-- {
		data[i] = byte(num & 0xFF)
		num >>= 8
	}
	if bitLen <= 28 {
		mask := byte(0xF0 << (4 - byteCnt))
		data[0] &^= mask
		mask = (mask << 1) & 0xFF
		data[0] |= mask
	} else {
		data[0] = 0xF0 | byte(byteCnt-5)
	}
	w.writeBytes(data)
}

// WriteUintData writes value as a bare unsigned-integer data block (no
// packing-schema prefix), as used by the Block framing length prefix.
func (w *Writer) WriteUintData(value uint64) {
	w.writeUIntDataHelper(value, bitLen64(value))
}

func bitLen64(v uint64) int {
	n := 0
	for v != 0 {
		n++
		v >>= 1
	}
	return n
}

func (w *Writer) writeIntData(value int64) {
	neg := value < 0
	num := uint64(value)
	if neg {
		num = uint64(-value)
	}
	bitLen := bitLen64(num) + 1
	if neg {
		signPos := expandBitLen(bitLen)
		num |= uint64(1) << uint(signPos)
	}
	w.writeUIntDataHelper(num, bitLen)
}

func (w *Writer) writeUInt(value uint64) {
	if value < 64 {
		w.writeByte(byte(value))
	} else {
		w.writeByte(byte(schemaUInt))
		w.WriteUintData(value)
	}
}

func (w *Writer) writeInt(value int64) {
	if value >= 0 && value < 64 {
		w.writeByte(byte(value) + 64)
	} else {
		w.writeByte(byte(schemaInt))
		w.writeIntData(value)
	}
}

func (w *Writer) writeDouble(value float64) {
	w.writeByte(byte(schemaDouble))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(value))
	w.writeBytes(buf[:])
}

func (w *Writer) writeDecimal(d value.Decimal) {
	w.writeByte(byte(schemaDecimal))
	w.writeIntData(d.Mantissa)
	w.writeIntData(int64(d.Exponent))
}

func (w *Writer) writeBlob(value []byte) {
	w.writeByte(byte(schemaBlob))
	w.WriteUintData(uint64(len(value)))
	w.writeBytes(value)
}

func (w *Writer) writeString(value string) {
	b := []byte(value)
	w.writeByte(byte(schemaString))
	w.WriteUintData(uint64(len(b)))
	w.writeBytes(b)
}

func (w *Writer) writeList(value []value.Value) {
	w.writeByte(byte(schemaList))
	for _, v := range value {
		w.write(v)
	}
	w.writeByte(byte(schemaTerm))
}

func (w *Writer) writeStringMap(m map[string]value.Value) {
	w.writeByte(byte(schemaMap))
	for k, v := range m {
		w.writeString(k)
		w.write(v)
	}
	w.writeByte(byte(schemaTerm))
}

func (w *Writer) writeIntMap(m map[int]value.Value) {
	w.writeByte(byte(schemaIMap))
	for k, v := range m {
		w.writeInt(int64(k))
		w.write(v)
	}
	w.writeByte(byte(schemaTerm))
}

func (w *Writer) writeDateTime(dt value.DateTime) {
	w.writeByte(byte(schemaDateTime))
	res := dt.UnixMilli - shvEpochSec*1000
	tzoff := dt.OffsetMin / 15
	if tzoff < -63 || tzoff > 63 {
		w.err = fmt.Errorf("chainpack: invalid UTC offset %d", tzoff)
		return
	}
	ms := res%1000 == 0
	if ms {
		res /= 1000
	}
	if tzoff != 0 {
		res <<= 7
		res |= int64(tzoff) & 0x7F
	}
	res <<= 2
	if tzoff != 0 {
		res |= 1
	}
	if ms {
		res |= 2
	}
	w.writeIntData(res)
}

// Marshal encodes v as a standalone ChainPack byte slice.
func Marshal(v value.Value) ([]byte, error) {
	var buf bufWriter
	w := NewWriter(&buf)
	if err := w.Write(v); err != nil {
		return nil, err
	}
	return buf.b, nil
}

// bufWriter is a minimal growable byte sink, avoiding a bytes.Buffer import
// purely for symmetry with the rest of this file's low allocation style.
type bufWriter struct{ b []byte }

func (b *bufWriter) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

// Reader decodes value.Value instances from an underlying ChainPack byte
// stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader that decodes ChainPack data from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Unmarshal decodes a single ChainPack-encoded value from data.
func Unmarshal(data []byte) (value.Value, error) {
	r := NewReader(byteReader(data))
	return r.Read()
}

func byteReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b []byte
	i int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.i >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.i:])
	s.i += n
	return n, nil
}

func (r *Reader) readByte() (byte, error) { return r.r.ReadByte() }

func (r *Reader) readN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) peekByte() (byte, error) {
	b, err := r.r.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) dropPeeked() { r.r.Discard(1) }

// Read decodes the next value from the stream.
func (r *Reader) Read() (value.Value, error) {
	s, err := r.readByte()
	if err != nil {
		return value.Value{}, err
	}
	switch {
	case s < 64:
		return value.NewUInt(uint64(s & 63)), nil
	case s < 128:
		return value.NewInt(int64(s & 63)), nil
	}
	switch schema(s) {
	case schemaNull:
		return value.Null, nil
	case schemaTrue:
		return value.NewBool(true), nil
	case schemaFalse:
		return value.NewBool(false), nil
	case schemaInt:
		n, err := r.readIntData()
		return value.NewInt(n), err
	case schemaUInt:
		n, err := r.ReadUintData()
		return value.NewUInt(n), err
	case schemaDouble:
		return r.readDouble()
	case schemaDecimal:
		return r.readDecimal()
	case schemaDateTime:
		return r.readDateTime()
	case schemaMap:
		m, err := r.readStringMap()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewMap(m), nil
	case schemaIMap:
		m, err := r.readIntMap()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewIMap(m), nil
	case schemaList:
		l, err := r.readList()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewList(l), nil
	case schemaBlob:
		b, err := r.readBlob()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewBytes(b), nil
	case schemaString:
		str, err := r.readString()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewString(str), nil
	case schemaCString:
		str, err := r.readCString()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewString(str), nil
	case schemaMetaMap:
		meta, err := r.readMeta()
		if err != nil {
			return value.Value{}, err
		}
		v, err := r.Read()
		if err != nil {
			return value.Value{}, err
		}
		return v.WithMeta(meta), nil
	default:
		return value.Value{}, fmt.Errorf("chainpack: invalid packing schema %d", s)
	}
}

func (r *Reader) readUIntDataHelper() (uint64, int, error) {
	head, err := r.readByte()
	if err != nil {
		return 0, 0, err
	}
	var num uint64
	var bytesToRead, bitLen int
	switch {
	case head&128 == 0:
		bytesToRead, num, bitLen = 0, uint64(head&127), 7
	case head&64 == 0:
		bytesToRead, num, bitLen = 1, uint64(head&63), 6+8
	case head&32 == 0:
		bytesToRead, num, bitLen = 2, uint64(head&31), 5+2*8
	case head&16 == 0:
		bytesToRead, num, bitLen = 3, uint64(head&15), 4+3*8
	default:
		bytesToRead = int(head&0xF) + 4
		bitLen = bytesToRead * 8
	}
	for i := 0; i < bytesToRead; i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, 0, err
		}
		num = (num << 8) + uint64(b)
	}
	return num, bitLen, nil
}

// ReadUintData decodes a bare unsigned-integer data block (no packing-schema
// prefix), as used by the Block framing length prefix.
func (r *Reader) ReadUintData() (uint64, error) {
	num, _, err := r.readUIntDataHelper()
	return num, err
}

func (r *Reader) readIntData() (int64, error) {
	num, bitLen, err := r.readUIntDataHelper()
	if err != nil {
		return 0, err
	}
	signMask := uint64(1) << uint(bitLen-1)
	neg := num&signMask != 0
	if neg {
		num &^= signMask
		return -int64(num), nil
	}
	return int64(num), nil
}

func (r *Reader) readDouble() (value.Value, error) {
	b, err := r.readN(8)
	if err != nil {
		return value.Value{}, err
	}
	return value.NewDouble(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
}

func (r *Reader) readDecimal() (value.Value, error) {
	mant, err := r.readIntData()
	if err != nil {
		return value.Value{}, err
	}
	exp, err := r.readIntData()
	if err != nil {
		return value.Value{}, err
	}
	return value.NewDecimal(value.Decimal{Mantissa: mant, Exponent: int8(exp)}), nil
}

func (r *Reader) readDateTime() (value.Value, error) {
	d, err := r.readIntData()
	if err != nil {
		return value.Value{}, err
	}
	hasTZOffset := d&1 != 0
	hasNotMsec := d&2 != 0
	d >>= 2
	var offset int64
	if hasTZOffset {
		offset = d & 0x7F
		if offset >= 64 {
			offset -= 128
		}
		d >>= 7
	}
	var ms int64
	if hasNotMsec {
		ms = d * 1000
	} else {
		ms = d
	}
	ms += shvEpochSec * 1000
	return value.NewDateTime(value.DateTime{UnixMilli: ms, OffsetMin: int(offset) * 15}), nil
}

func (r *Reader) readBlob() ([]byte, error) {
	n, err := r.ReadUintData()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return r.readN(int(n))
}

func (r *Reader) readString() (string, error) {
	n, err := r.ReadUintData()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b, err := r.readN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) readCString() (string, error) {
	var out []byte
	for {
		b, err := r.readByte()
		if err != nil {
			return "", err
		}
		if b == '\\' {
			b, err = r.readByte()
			if err != nil {
				return "", err
			}
			switch b {
			case '\\':
				out = append(out, '\\')
			case '0':
				out = append(out, 0)
			default:
				out = append(out, b)
			}
			continue
		}
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out), nil
}

func (r *Reader) readList() ([]value.Value, error) {
	var out []value.Value
	for {
		b, err := r.peekByte()
		if err != nil {
			return nil, err
		}
		if schema(b) == schemaTerm {
			r.dropPeeked()
			return out, nil
		}
		v, err := r.Read()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

func (r *Reader) readStringMap() (map[string]value.Value, error) {
	out := map[string]value.Value{}
	for {
		b, err := r.peekByte()
		if err != nil {
			return nil, err
		}
		if schema(b) == schemaTerm {
			r.dropPeeked()
			return out, nil
		}
		k, err := r.Read()
		if err != nil {
			return nil, err
		}
		if k.Kind != value.KindString {
			return nil, fmt.Errorf("chainpack: invalid map key kind %v", k.Kind)
		}
		v, err := r.Read()
		if err != nil {
			return nil, err
		}
		out[k.Str] = v
	}
}

func (r *Reader) readIntMap() (map[int]value.Value, error) {
	out := map[int]value.Value{}
	for {
		b, err := r.peekByte()
		if err != nil {
			return nil, err
		}
		if schema(b) == schemaTerm {
			r.dropPeeked()
			return out, nil
		}
		k, err := r.Read()
		if err != nil {
			return nil, err
		}
		if k.Kind != value.KindInt {
			return nil, fmt.Errorf("chainpack: invalid imap key kind %v", k.Kind)
		}
		v, err := r.Read()
		if err != nil {
			return nil, err
		}
		out[int(k.Int)] = v
	}
}

func (r *Reader) readMeta() (*value.Meta, error) {
	m := &value.Meta{}
	for {
		b, err := r.peekByte()
		if err != nil {
			return nil, err
		}
		if schema(b) == schemaTerm {
			r.dropPeeked()
			if m.IsEmpty() {
				return nil, nil
			}
			return m, nil
		}
		k, err := r.Read()
		if err != nil {
			return nil, err
		}
		v, err := r.Read()
		if err != nil {
			return nil, err
		}
		switch k.Kind {
		case value.KindInt:
			if m.IMap == nil {
				m.IMap = map[int]value.Value{}
			}
			m.IMap[int(k.Int)] = v
		case value.KindUInt:
			if m.IMap == nil {
				m.IMap = map[int]value.Value{}
			}
			m.IMap[int(k.UInt)] = v
		case value.KindString:
			if m.Map == nil {
				m.Map = map[string]value.Value{}
			}
			m.Map[k.Str] = v
		default:
			return nil, fmt.Errorf("chainpack: invalid meta key kind %v", k.Kind)
		}
	}
}

// PackUintData encodes value as a bare ChainPack unsigned-integer data
// block, exposed for the frame package's Block framing length prefix.
func PackUintData(value uint64) []byte {
	var buf bufWriter
	w := NewWriter(&buf)
	w.WriteUintData(value)
	w.Flush()
	return buf.b
}

// UnpackUintData decodes a bare unsigned-integer data block from the
// leading bytes of data, returning the value and the number of bytes
// consumed. It reports an error if data does not yet hold a complete
// encoding, which the caller should treat as "read one more byte."
func UnpackUintData(data []byte) (n uint64, consumed int, err error) {
	r := NewReader(byteReader(data))
	n, err = r.ReadUintData()
	if err != nil {
		return 0, 0, err
	}
	return n, len(data) - r.r.Buffered(), nil
}
