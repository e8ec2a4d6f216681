package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLittleEndianPrefix(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"id":"1"}`)))
	raw := buf.Bytes()
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(raw[:4]))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, string(got))

	_, err = ReadFrame(&buf)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestFrameTooLarge(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err = ReadFrame(bytes.NewReader(hdr[:]))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestFrameTruncatedBody(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 10)
	_, err := ReadFrame(io.MultiReader(bytes.NewReader(hdr[:]), bytes.NewReader([]byte("abc"))))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
