// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package cpon implements the CPON textual codec for the Silicon Heaven
// dynamic value model: a JSON-like grammar with explicit type prefixes for
// the variants JSON cannot express (IMap, Decimal, Blob, DateTime, Meta).
package cpon

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shvgo/broker/value"
)

// Options configures a Writer's output formatting.
type Options struct {
	// Indent, when non-empty, is repeated per nesting level to pretty-print
	// multi-element containers. Empty (the default) produces the compact
	// form.
	Indent string
}

// Writer encodes value.Value instances onto an underlying byte stream in
// CPON format.
type Writer struct {
	w    *bufio.Writer
	opts Options
	nest int
	err  error
}

// NewWriter returns a Writer with default (compact) options.
func NewWriter(w io.Writer) *Writer { return NewWriterOptions(w, Options{}) }

// NewWriterOptions returns a Writer using the given Options.
func NewWriterOptions(w io.Writer, opts Options) *Writer {
	return &Writer{w: bufio.NewWriter(w), opts: opts}
}

func (w *Writer) str(s string) {
	if w.err == nil {
		_, w.err = w.w.WriteString(s)
	}
}

// Write encodes v and flushes the writer.
func (w *Writer) Write(v value.Value) error {
	w.write(v)
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

// Marshal encodes v as a standalone CPON string.
func Marshal(v value.Value) (string, error) {
	var sb strings.Builder
	w := NewWriter(&sb)
	if err := w.Write(v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// MarshalIndent encodes v as a CPON string using indent for nested
// formatting.
func MarshalIndent(v value.Value, indent string) (string, error) {
	var sb strings.Builder
	w := NewWriterOptions(&sb, Options{Indent: indent})
	if err := w.Write(v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (w *Writer) indentItem(oneline bool, i int) {
	if w.opts.Indent == "" {
		return
	}
	if oneline {
		if i > 0 {
			w.str(" ")
		}
		return
	}
	w.str("\n")
	w.str(strings.Repeat(w.opts.Indent, w.nest))
}

func (w *Writer) write(v value.Value) {
	if w.err != nil {
		return
	}
	if !v.Meta.IsEmpty() {
		w.str("<")
		w.writeMapContent(v.Meta.IMap, v.Meta.Map)
		w.str(">")
	}
	switch v.Kind {
	case value.KindNull:
		w.str("null")
	case value.KindBool:
		w.str(map[bool]string{true: "true", false: "false"}[v.Bool])
	case value.KindInt:
		w.str(strconv.FormatInt(v.Int, 10))
	case value.KindUInt:
		w.str(strconv.FormatUint(v.UInt, 10) + "u")
	case value.KindDouble:
		w.writeDouble(v.Double)
	case value.KindDecimal:
		w.writeDecimal(v.Decimal)
	case value.KindBytes:
		w.writeBlob(v.Bytes)
	case value.KindString:
		w.writeCString(v.Str)
	case value.KindDateTime:
		w.writeDateTime(v.DateTime)
	case value.KindList:
		w.writeList(v.List)
	case value.KindMap:
		w.str("{")
		w.writeMapContentStr(v.Map)
		w.str("}")
	case value.KindIMap:
		w.str("i{")
		w.writeMapContentInt(v.IMap)
		w.str("}")
	default:
		w.err = fmt.Errorf("cpon: cannot encode %v", v.Kind)
	}
}

func (w *Writer) writeDouble(f float64) {
	// Hex float mantissa with power-of-two exponent; exact, no
	// float-to-decimal rounding loss.
	w.str(strconv.FormatFloat(f, 'x', -1, 64))
}

// writeDecimal emits a form that decodes back to the same mantissa and
// exponent: a decimal point placed inside the digits for negative exponents,
// a trailing bare point for exponent zero, and an explicit "e" exponent
// otherwise. (A naive zero-padded rendering would shift the mantissa on the
// way back in.)
func (w *Writer) writeDecimal(d value.Decimal) {
	neg := d.Mantissa < 0
	m := d.Mantissa
	if neg {
		m = -m
	}
	digits := strconv.FormatInt(m, 10)
	exp := int(d.Exponent)
	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	switch {
	case exp == 0:
		sb.WriteString(digits)
		sb.WriteByte('.')
	case exp > 0:
		sb.WriteString(digits)
		sb.WriteByte('e')
		sb.WriteString(strconv.Itoa(exp))
	default:
		point := len(digits) + exp
		if point <= 0 {
			sb.WriteString("0.")
			sb.WriteString(strings.Repeat("0", -point))
			sb.WriteString(digits)
		} else {
			sb.WriteString(digits[:point])
			sb.WriteByte('.')
			sb.WriteString(digits[point:])
		}
	}
	w.str(sb.String())
}

const hexDigits = "0123456789abcdef"

func (w *Writer) writeBlob(b []byte) {
	w.str(`b"`)
	for _, d := range b {
		switch {
		case d >= 0x7F || d == 0 || d == '\b':
			w.str("\\")
			w.str(string(hexDigits[d/16]))
			w.str(string(hexDigits[d%16]))
		case d == '\\':
			w.str(`\\`)
		case d == '\t':
			w.str(`\t`)
		case d == '\r':
			w.str(`\r`)
		case d == '\n':
			w.str(`\n`)
		case d == '"':
			w.str(`\"`)
		default:
			w.str(string(rune(d)))
		}
	}
	w.str(`"`)
}

func (w *Writer) writeCString(s string) {
	w.str(`"`)
	for _, r := range s {
		switch r {
		case 0:
			w.str(`\0`)
		case '\\':
			w.str(`\\`)
		case '\t':
			w.str(`\t`)
		case '\b':
			w.str(`\b`)
		case '\r':
			w.str(`\r`)
		case '\n':
			w.str(`\n`)
		case '"':
			w.str(`\"`)
		default:
			w.str(string(r))
		}
	}
	w.str(`"`)
}

func (w *Writer) writeDateTime(dt value.DateTime) {
	w.str(`d"`)
	t := dt.Time()
	layout := "2006-01-02T15:04:05"
	hasMs := t.Nanosecond() != 0
	if hasMs {
		layout = "2006-01-02T15:04:05.000"
	}
	w.str(t.Format(layout))
	if dt.OffsetMin == 0 {
		w.str("Z")
	} else {
		sign := "+"
		off := dt.OffsetMin
		if off < 0 {
			sign = "-"
			off = -off
		}
		hh := off / 60
		mm := off % 60
		w.str(fmt.Sprintf("%s%02d", sign, hh))
		if mm != 0 {
			w.str(fmt.Sprintf("%02d", mm))
		}
	}
	w.str(`"`)
}

func isOneline(n int, hasContainer bool) bool { return n <= 10 && !hasContainer }

func (w *Writer) writeList(list []value.Value) {
	w.nest++
	hasContainer := false
	for _, v := range list {
		if v.Kind == value.KindList || v.Kind == value.KindMap || v.Kind == value.KindIMap {
			hasContainer = true
			break
		}
	}
	oneline := isOneline(len(list), hasContainer)
	w.str("[")
	for i, v := range list {
		if i > 0 {
			w.str(",")
		}
		w.indentItem(oneline, i)
		w.write(v)
	}
	w.nest--
	w.indentItem(oneline, 0)
	w.str("]")
}

func (w *Writer) writeMapContentStr(m map[string]value.Value) {
	w.writeMapContent(nil, m)
}

func (w *Writer) writeMapContentInt(m map[int]value.Value) {
	w.writeMapContent(m, nil)
}

func (w *Writer) writeMapContent(imap map[int]value.Value, smap map[string]value.Value) {
	w.nest++
	hasContainer := false
	for _, v := range imap {
		if v.Kind == value.KindList || v.Kind == value.KindMap || v.Kind == value.KindIMap {
			hasContainer = true
		}
	}
	for _, v := range smap {
		if v.Kind == value.KindList || v.Kind == value.KindMap || v.Kind == value.KindIMap {
			hasContainer = true
		}
	}
	oneline := isOneline(len(imap)+len(smap), hasContainer)

	var ikeys []int
	for k := range imap {
		ikeys = append(ikeys, k)
	}
	sort.Ints(ikeys)
	var skeys []string
	for k := range smap {
		skeys = append(skeys, k)
	}
	sort.Strings(skeys)

	i := 0
	for _, k := range ikeys {
		if i > 0 {
			w.str(",")
		}
		w.indentItem(oneline, i)
		w.str(strconv.Itoa(k))
		w.str(":")
		w.write(imap[k])
		i++
	}
	for _, k := range skeys {
		if i > 0 {
			w.str(",")
		}
		w.indentItem(oneline, i)
		w.writeCString(k)
		w.str(":")
		w.write(smap[k])
		i++
	}
	w.nest--
	w.indentItem(oneline, 0)
}

// Reader decodes value.Value instances from an underlying CPON byte stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader that decodes CPON data from r.
func NewReader(r io.Reader) *Reader { return &Reader{r: bufio.NewReader(r)} }

// Unmarshal decodes a single CPON-encoded value from s.
func Unmarshal(s string) (value.Value, error) {
	r := NewReader(strings.NewReader(s))
	return r.Read()
}

func (r *Reader) peek() (byte, error) {
	b, err := r.r.Peek(1)
	if err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	return b[0], nil
}

func (r *Reader) drop() { r.r.Discard(1) }

func (r *Reader) readByte() (byte, error) { return r.r.ReadByte() }

func (r *Reader) skipWhite() error {
	for {
		b, err := r.peek()
		if err != nil {
			return nil
		}
		if b == 0 {
			return nil
		}
		if b > ' ' {
			if b == '/' {
				r.drop()
				c, err := r.readByte()
				if err != nil {
					return err
				}
				if c == '*' {
					for {
						d, err := r.readByte()
						if err != nil {
							return err
						}
						if d == '*' {
							e, err := r.readByte()
							if err != nil {
								return err
							}
							if e == '/' {
								break
							}
						}
					}
				} else if c == '/' {
					for {
						d, err := r.readByte()
						if err != nil {
							return err
						}
						if d == '\n' {
							break
						}
					}
				} else {
					return fmt.Errorf("cpon: malformed comment")
				}
				continue
			} else if b == ':' || b == ',' {
				r.drop()
				continue
			}
			return nil
		}
		r.drop()
	}
}

func (r *Reader) readCheck(lit string) error {
	for i := 0; i < len(lit); i++ {
		b, err := r.readByte()
		if err != nil {
			return err
		}
		if b != lit[i] {
			return fmt.Errorf("cpon: expected %q", lit)
		}
	}
	return nil
}

// Read decodes the next value from the stream.
func (r *Reader) Read() (value.Value, error) {
	if err := r.skipWhite(); err != nil {
		return value.Value{}, err
	}
	b, err := r.peek()
	if err != nil {
		return value.Value{}, err
	}
	switch {
	case b >= '0' && b <= '9', b == '+', b == '-':
		return r.readNumber()
	}
	switch b {
	case '"':
		s, err := r.readCString()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewString(s), nil
	case '[':
		l, err := r.readList()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewList(l), nil
	case '{':
		_, sm, err := r.readMap('}')
		if err != nil {
			return value.Value{}, err
		}
		return value.NewMap(sm), nil
	case 'i':
		r.drop()
		c, err := r.peek()
		if err != nil {
			return value.Value{}, err
		}
		if c != '{' {
			return value.Value{}, fmt.Errorf("cpon: invalid IMap prefix")
		}
		im, _, err := r.readMap('}')
		if err != nil {
			return value.Value{}, err
		}
		return value.NewIMap(im), nil
	case 'd':
		r.drop()
		c, err := r.peek()
		if err != nil {
			return value.Value{}, err
		}
		if c != '"' {
			return value.Value{}, fmt.Errorf("cpon: invalid DateTime prefix")
		}
		return r.readDateTime()
	case 'b':
		r.drop()
		c, err := r.peek()
		if err != nil {
			return value.Value{}, err
		}
		if c != '"' {
			return value.Value{}, fmt.Errorf("cpon: invalid Blob prefix")
		}
		bs, err := r.readBlob()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewBytes(bs), nil
	case 'x':
		r.drop()
		c, err := r.peek()
		if err != nil {
			return value.Value{}, err
		}
		if c != '"' {
			return value.Value{}, fmt.Errorf("cpon: invalid HexBlob prefix")
		}
		bs, err := r.readHexBlob()
		if err != nil {
			return value.Value{}, err
		}
		return value.NewBytes(bs), nil
	case 't':
		if err := r.readCheck("true"); err != nil {
			return value.Value{}, err
		}
		return value.NewBool(true), nil
	case 'f':
		if err := r.readCheck("false"); err != nil {
			return value.Value{}, err
		}
		return value.NewBool(false), nil
	case 'n':
		if err := r.readCheck("null"); err != nil {
			return value.Value{}, err
		}
		return value.Null, nil
	case '<':
		im, sm, err := r.readMap('>')
		if err != nil {
			return value.Value{}, err
		}
		v, err := r.Read()
		if err != nil {
			return value.Value{}, err
		}
		return v.WithMeta(&value.Meta{IMap: im, Map: sm}), nil
	}
	return value.Value{}, fmt.Errorf("cpon: malformed input at %q", b)
}

func (r *Reader) readDateTime() (value.Value, error) {
	r.drop() // '"'
	var sb strings.Builder
	for {
		b, err := r.readByte()
		if err != nil {
			return value.Value{}, err
		}
		if b == '"' {
			break
		}
		sb.WriteByte(b)
	}
	return parseDateTime(sb.String())
}

func parseDateTime(s string) (value.Value, error) {
	layouts := []string{
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	s2 := normalizeOffset(s)
	var t time.Time
	var err error
	for _, l := range layouts {
		t, err = time.Parse(l, s2)
		if err == nil {
			break
		}
	}
	if err != nil {
		return value.Value{}, fmt.Errorf("cpon: invalid datetime %q: %w", s, err)
	}
	return value.NewDateTime(value.DateTimeFromTime(t)), nil
}

func normalizeOffset(s string) string {
	n := len(s)
	if n >= 3 && (s[n-3] == '+' || s[n-3] == '-') {
		return s + ":00"
	}
	if n >= 5 && (s[n-5] == '+' || s[n-5] == '-') {
		return s[:n-2] + ":" + s[n-2:]
	}
	return s
}

func hexDigitVal(b byte) (int, error) {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0'), nil
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10, nil
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10, nil
	default:
		return 0, fmt.Errorf("cpon: invalid hex digit %q", b)
	}
}

func (r *Reader) readBlob() ([]byte, error) {
	r.drop()
	var out []byte
	for {
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if b == '\\' {
			c, err := r.readByte()
			if err != nil {
				return nil, err
			}
			switch c {
			case '\\':
				out = append(out, '\\')
			case '"':
				out = append(out, '"')
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			default:
				lo, err := r.readByte()
				if err != nil {
					return nil, err
				}
				hi, err := hexDigitVal(c)
				if err != nil {
					return nil, err
				}
				lov, err := hexDigitVal(lo)
				if err != nil {
					return nil, err
				}
				out = append(out, byte(16*hi+lov))
			}
			continue
		}
		if b == '"' {
			break
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *Reader) readHexBlob() ([]byte, error) {
	r.drop()
	var out []byte
	for {
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if b == '"' {
			break
		}
		lo, err := r.readByte()
		if err != nil {
			return nil, err
		}
		hi, err := hexDigitVal(b)
		if err != nil {
			return nil, err
		}
		lov, err := hexDigitVal(lo)
		if err != nil {
			return nil, err
		}
		out = append(out, byte(16*hi+lov))
	}
	return out, nil
}

func (r *Reader) readCString() (string, error) {
	r.drop()
	var out []byte
	for {
		b, err := r.readByte()
		if err != nil {
			return "", err
		}
		if b == '\\' {
			c, err := r.readByte()
			if err != nil {
				return "", err
			}
			switch c {
			case '\\':
				out = append(out, '\\')
			case 'b':
				out = append(out, '\b')
			case '"':
				out = append(out, '"')
			case 'f':
				out = append(out, '\f')
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case '0':
				out = append(out, 0)
			default:
				out = append(out, c)
			}
			continue
		}
		if b == '"' {
			break
		}
		out = append(out, b)
	}
	return string(out), nil
}

func (r *Reader) readList() ([]value.Value, error) {
	r.drop()
	var out []value.Value
	for {
		if err := r.skipWhite(); err != nil {
			return nil, err
		}
		b, err := r.peek()
		if err != nil {
			return nil, err
		}
		if b == ']' {
			r.drop()
			return out, nil
		}
		v, err := r.Read()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

func (r *Reader) readMap(terminator byte) (map[int]value.Value, map[string]value.Value, error) {
	r.drop()
	imap := map[int]value.Value{}
	smap := map[string]value.Value{}
	for {
		if err := r.skipWhite(); err != nil {
			return nil, nil, err
		}
		b, err := r.peek()
		if err != nil {
			return nil, nil, err
		}
		if b == terminator {
			r.drop()
			return imap, smap, nil
		}
		k, err := r.Read()
		if err != nil {
			return nil, nil, err
		}
		if err := r.skipWhite(); err != nil {
			return nil, nil, err
		}
		v, err := r.Read()
		if err != nil {
			return nil, nil, err
		}
		switch k.Kind {
		case value.KindInt:
			imap[int(k.Int)] = v
		case value.KindUInt:
			imap[int(k.UInt)] = v
		case value.KindString:
			smap[k.Str] = v
		default:
			return nil, nil, fmt.Errorf("cpon: invalid map key kind %v", k.Kind)
		}
	}
}

func (r *Reader) readNumber() (value.Value, error) {
	var buf []byte
	accept := func(set string) (bool, error) {
		b, err := r.peek()
		if err != nil {
			return false, nil
		}
		if !strings.ContainsRune(set, rune(b)) {
			return false, nil
		}
		r.drop()
		buf = append(buf, b)
		return true, nil
	}
	multiaccept := func(set string) error {
		for {
			ok, err := accept(set)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
	}
	const decSet = "0123456789"
	const hexSet = "0123456789AaBbCcDdEeFf"
	const binSet = "01"

	cset := decSet
	accept("-+")
	if ok, _ := accept("0"); ok {
		if ok2, _ := accept("xX"); ok2 {
			cset = hexSet
		} else if ok3, _ := accept("bB"); ok3 {
			cset = binSet
		}
	}
	multiaccept(cset)
	hasDot, _ := accept(".")
	if hasDot {
		multiaccept(cset)
	}

	kind := "int"
	if cset != binSet {
		if okP, _ := accept("pP"); okP {
			kind = "double"
			accept("+-")
			multiaccept(decSet)
		} else if okE, _ := accept("eE"); okE {
			if cset != decSet {
				return value.Value{}, fmt.Errorf("cpon: decimal number must be decimal")
			}
			kind = "decimal"
			accept("+-")
			multiaccept(decSet)
		} else if hasDot {
			kind = "decimal"
		}
	}
	if kind == "int" {
		if b, err := r.peek(); err == nil && b == 'u' {
			r.drop()
			kind = "uint"
		}
	}

	s := string(buf)
	switch kind {
	case "double":
		f, err := parseCponFloat(s, cset == hexSet)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewDouble(f), nil
	case "decimal":
		d, err := parseDecimal(s)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewDecimal(d), nil
	case "uint":
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewUInt(n), nil
	default:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewInt(n), nil
	}
}

func parseCponFloat(s string, isHex bool) (float64, error) {
	if isHex {
		// s carries its own 0x prefix (and optional sign); ParseFloat
		// handles hex-mantissa floats natively.
		return strconv.ParseFloat(s, 64)
	}
	mant, exp, ok := strings.Cut(strings.ReplaceAll(s, "P", "p"), "p")
	if !ok {
		return strconv.ParseFloat(s, 64)
	}
	m, err := strconv.ParseFloat(mant, 64)
	if err != nil {
		return 0, err
	}
	e, err := strconv.Atoi(exp)
	if err != nil {
		return 0, err
	}
	return m * math.Pow(2, float64(e)), nil
}

func parseDecimal(s string) (value.Decimal, error) {
	s = strings.ReplaceAll(s, "E", "e")
	num, expStr, hasExp := strings.Cut(s, "e")
	exp := 0
	if hasExp {
		e, err := strconv.Atoi(expStr)
		if err != nil {
			return value.Decimal{}, fmt.Errorf("cpon: invalid decimal exponent %q", expStr)
		}
		exp = e
	}
	mant, frac, hasFrac := strings.Cut(num, ".")
	neg := strings.HasPrefix(mant, "-")
	mant = strings.TrimPrefix(strings.TrimPrefix(mant, "-"), "+")
	digits := mant + frac
	if hasFrac {
		exp -= len(frac)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return value.Decimal{}, err
	}
	if neg {
		n = -n
	}
	return value.Decimal{Mantissa: n, Exponent: int8(exp)}, nil
}
