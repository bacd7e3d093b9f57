package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamOfFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	cfg := manifest.NewNodeConfig("node-a")
	_, err := cfg.AddAPI("echo", []manifest.Method{{Verb: manifest.POST, Parameters: []manifest.Parameter{{Name: "msg", Kind: "string", Mandatory: true}}}})
	require.NoError(t, err)

	require.NoError(t, w.Write(Init(cfg)))
	require.NoError(t, w.Write(NewRequest(7, Request{ID: 0, Method: manifest.POST, Parameters: map[string]any{"msg": "hi"}})))
	require.NoError(t, w.Write(Response(7, []byte{0x00, 0x01, 0x02})))
	require.NoError(t, w.Write(Error(8, apierr.New(apierr.NotFound, "no such row"))))
	require.NoError(t, w.Write(Quit()))

	r := NewReader(&buf)

	f, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, KindInit, f.Kind)
	assert.Equal(t, "node-a", f.Config.Name)
	assert.Equal(t, "msg", f.Config.APIs[0].Methods[0].Parameters[0].Name)

	f, err = r.Read()
	require.NoError(t, err)
	require.Equal(t, KindRequest, f.Kind)
	assert.Equal(t, uint64(7), f.ID)
	assert.Equal(t, "hi", f.Request.Parameters["msg"])

	f, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x02}, f.Data)

	f, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, apierr.NotFound, f.Error.Kind)
	assert.Equal(t, uint64(8), f.ID)

	f, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindQuit, f.Kind)

	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTruncatedFrame(t *testing.T) {
	b, err := Encode(Response(1, []byte("abcdef")))
	require.NoError(t, err)

	_, err = NewReader(bytes.NewReader(b[:len(b)-2])).Read()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOversizedPrefix(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err := NewReader(bytes.NewReader(hdr[:])).Read()
	assert.ErrorContains(t, err, "too large")
}

func TestInvalidFrameRejected(t *testing.T) {
	b, err := Encode(Frame{Kind: KindError, ID: 3})
	require.NoError(t, err)
	_, err = NewReader(bytes.NewReader(b)).Read()
	assert.Error(t, err)

	assert.Equal(t, "quit", KindQuit.String())
}
