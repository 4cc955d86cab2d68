package transfer

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/m-jawhar/conduit/internal/partial"
)

// Control tokens.
const (
	TokenContinue         = "CONTINUE"
	TokenRestart          = "RESTART"
	TokenSuccess          = "SUCCESS"
	TokenChecksumMismatch = "CHECKSUM_MISMATCH"
)

const (
	// MaxFileSize bounds the declared size of a transfer (10 TiB).
	MaxFileSize = 10 << 40

	maxNameBytes  = partial.MaxNameLength
	maxTokenBytes = 1024
)

// writeText writes a u16 big-endian length followed by s, in one Write.
func writeText(w io.Writer, s string, limit int) error {
	if len(s) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLong, len(s), limit)
	}
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf, uint16(len(s)))
	copy(buf[2:], s)
	return writeAll(w, buf)
}

// readText reads a frame written by writeText. Frames longer than limit are
// rejected before their body is read.
func readText(r io.Reader, limit int) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > limit {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLong, n, limit)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", unexpectedEOF(err)
	}
	if !utf8.Valid(body) {
		return "", ErrInvalidText
	}
	return string(body), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return writeAll(w, buf[:])
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// readToken reads a control token and checks it against the accepted set.
func readToken(r io.Reader, accepted ...string) (string, error) {
	tok, err := readText(r, maxTokenBytes)
	if err != nil {
		return "", err
	}
	for _, a := range accepted {
		if tok == a {
			return tok, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnexpectedToken, tok)
}

// writeAll writes p, retrying short writes against the remainder.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// unexpectedEOF turns a clean EOF in the middle of a field into ErrUnexpectedEOF.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
