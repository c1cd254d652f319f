// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package frame implements the Silicon Heaven message-framing layer: the
// Block, Serial, and Serial+CRC wire framings that delimit complete RPC
// messages on a byte stream.
package frame

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/shvgo/broker/chainpack"
)

// ErrReset is returned by the serial framings when the peer sends an
// unsolicited reset (an aborted frame carrying no payload). The link's
// owner should treat it as a disconnect indication.
var ErrReset = errors.New("frame: link reset by peer")

// Framing delimits and reconstructs complete messages on a byte stream.
// Implementations are safe for concurrent use by one reader goroutine and
// one writer goroutine, but not by multiple of either concurrently (mirrors
// the single-reader/single-writer contract of chirp.Channel).
type Framing interface {
	// WriteFrame writes one complete framed message to w.
	WriteFrame(w io.Writer, msg []byte) error
	// ReadFrame reads and returns one complete message from r, with framing
	// stripped. It returns io.EOF if the stream ended cleanly between
	// frames.
	ReadFrame(r *bufio.Reader) ([]byte, error)
}

// Block is the Block framing: each message is prefixed by its length
// encoded as a ChainPack unsigned-integer data block (not a fixed-width
// integer), mirroring RpcProtocolStream in the reference implementation.
type Block struct{}

func (Block) WriteFrame(w io.Writer, msg []byte) error {
	prefix := chainpack.PackUintData(uint64(len(msg)))
	_, err := w.Write(append(prefix, msg...))
	return err
}

func (Block) ReadFrame(r *bufio.Reader) ([]byte, error) {
	var sizeBuf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		sizeBuf = append(sizeBuf, b)
		n, consumed, err := chainpack.UnpackUintData(sizeBuf)
		if err != nil {
			continue
		}
		_ = consumed
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

// Serial framing byte values, per the reference RpcProtocolSerial.
const (
	stx byte = 0xA2
	etx byte = 0xA3
	atx byte = 0xA4
	esc byte = 0xAA
)

var escMap = map[byte]byte{0x02: stx, 0x03: etx, 0x04: atx, 0x0A: esc}
var escRMap = func() map[byte]byte {
	m := make(map[byte]byte, len(escMap))
	for k, v := range escMap {
		m[v] = k
	}
	return m
}()

func escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if r, ok := escRMap[b]; ok {
			out = append(out, esc, r)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func deescape(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == esc {
			i++
			if i >= len(data) {
				return nil, fmt.Errorf("frame: truncated escape sequence")
			}
			b, ok := escMap[data[i]]
			if !ok {
				return nil, fmt.Errorf("frame: invalid escape byte %#x", data[i])
			}
			out = append(out, b)
		} else {
			out = append(out, data[i])
		}
	}
	return out, nil
}

// Serial is the Serial framing: STX ... ETX with byte-stuffing of the
// control bytes, and no integrity check.
type Serial struct{}

func (Serial) WriteFrame(w io.Writer, msg []byte) error {
	return serialSend(w, msg, false)
}

func (Serial) ReadFrame(r *bufio.Reader) ([]byte, error) {
	return serialRecv(r, false)
}

// SerialCRC is the Serial framing with a trailing escaped big-endian
// CRC-32/IEEE checksum of the escaped payload.
type SerialCRC struct{}

func (SerialCRC) WriteFrame(w io.Writer, msg []byte) error {
	return serialSend(w, msg, true)
}

func (SerialCRC) ReadFrame(r *bufio.Reader) ([]byte, error) {
	return serialRecv(r, true)
}

func serialSend(w io.Writer, msg []byte, useCRC bool) error {
	if _, err := w.Write([]byte{stx}); err != nil {
		return err
	}
	escMsg := escape(msg)
	if _, err := w.Write(escMsg); err != nil {
		return err
	}
	if _, err := w.Write([]byte{etx}); err != nil {
		return err
	}
	if useCRC {
		var crcBuf [4]byte
		crc := crc32.ChecksumIEEE(escMsg)
		crcBuf[0] = byte(crc >> 24)
		crcBuf[1] = byte(crc >> 16)
		crcBuf[2] = byte(crc >> 8)
		crcBuf[3] = byte(crc)
		if _, err := w.Write(escape(crcBuf[:])); err != nil {
			return err
		}
	}
	return nil
}

func serialRecv(r *bufio.Reader, useCRC bool) ([]byte, error) {
	for {
		for {
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			if b == stx {
				break
			}
		}
		var data []byte
		aborted := false
		for {
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			if b == etx || b == atx {
				if b == atx {
					aborted = true
				}
				break
			}
			data = append(data, b)
		}
		if aborted {
			if len(data) == 0 {
				return nil, ErrReset
			}
			continue
		}
		if useCRC {
			crcEsc, err := readEscapedRun(r, 4)
			if err != nil {
				return nil, err
			}
			crcBytes, err := deescape(crcEsc)
			if err != nil {
				return nil, err
			}
			if len(crcBytes) != 4 {
				continue
			}
			want := uint32(crcBytes[0])<<24 | uint32(crcBytes[1])<<16 | uint32(crcBytes[2])<<8 | uint32(crcBytes[3])
			if crc32.ChecksumIEEE(data) != want {
				continue
			}
		}
		return deescape(data)
	}
}

// readEscapedRun reads raw bytes until it has collected n post-deescape
// bytes worth of escaped data, following the reference implementation's
// "siz := 4 + count(ESC)" accounting for escape-expanded trailers.
func readEscapedRun(r *bufio.Reader, n int) ([]byte, error) {
	var buf []byte
	for {
		escCount := 0
		for _, b := range buf {
			if b == esc {
				escCount++
			}
		}
		want := n + escCount
		for len(buf) < want {
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			buf = append(buf, b)
		}
		// Recompute: additional ESC bytes may have been read in this pass.
		newEscCount := 0
		for _, b := range buf {
			if b == esc {
				newEscCount++
			}
		}
		if n+newEscCount == len(buf) {
			return buf, nil
		}
	}
}
