package transfer

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeText(&buf, "report.pdf", maxNameBytes))
	assert.Equal(t, []byte{0, 10}, buf.Bytes()[:2])

	got, err := readText(&buf, maxNameBytes)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", got)
}

func TestTextFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	err := writeText(&buf, strings.Repeat("a", maxNameBytes+1), maxNameBytes)
	assert.ErrorIs(t, err, ErrFrameTooLong)
	assert.Zero(t, buf.Len())

	// A header announcing more than the limit is rejected before the body.
	hdr := make([]byte, 2)
	binary.BigEndian.PutUint16(hdr, 2000)
	_, err = readText(bytes.NewReader(hdr), maxTokenBytes)
	assert.ErrorIs(t, err, ErrFrameTooLong)
}

func TestTextFrameShort(t *testing.T) {
	_, err := readText(bytes.NewReader([]byte{0, 5, 'a', 'b'}), maxTokenBytes)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = readText(bytes.NewReader(nil), maxTokenBytes)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTextFrameInvalidUTF8(t *testing.T) {
	_, err := readText(bytes.NewReader([]byte{0, 2, 0xff, 0xfe}), maxTokenBytes)
	assert.ErrorIs(t, err, ErrInvalidText)
}

func TestUint64BigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUint64(&buf, 150))
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 150}, buf.Bytes())

	v, err := readUint64(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), v)
}

func TestReadToken(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeText(&buf, "MAYBE", maxTokenBytes))
	_, err := readToken(&buf, TokenContinue, TokenRestart)
	assert.ErrorIs(t, err, ErrUnexpectedToken)

	require.NoError(t, writeText(&buf, TokenRestart, maxTokenBytes))
	tok, err := readToken(&buf, TokenContinue, TokenRestart)
	require.NoError(t, err)
	assert.Equal(t, TokenRestart, tok)
}

// shortWriter accepts at most three bytes per call.
type shortWriter struct{ bytes.Buffer }

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return w.Buffer.Write(p)
}

func TestWriteAllRetriesShortWrites(t *testing.T) {
	var w shortWriter
	require.NoError(t, writeAll(&w, []byte("0123456789")))
	assert.Equal(t, "0123456789", w.String())
}
