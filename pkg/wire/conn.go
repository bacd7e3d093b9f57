package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/joeydtaylor/steeze-node/pkg/codec"
)

// MaxFrameSize guards against absurd length prefixes.
const MaxFrameSize = 64 << 20

const lengthSize = 4

var frameCodec = codec.MustCBOR()

// Encode returns the length-prefixed encoding of f.
func Encode(f Frame) ([]byte, error) {
	body, err := frameCodec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%s frame too large: %d", f.Kind, len(body))
	}
	out := make([]byte, lengthSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[lengthSize:], body)
	return out, nil
}

// Reader reads frames from a stream. Not safe for concurrent use.
type Reader struct {
	br *bufio.Reader
	hb [lengthSize]byte
}

func NewReader(r io.Reader) *Reader { return &Reader{br: bufio.NewReader(r)} }

// Read returns io.EOF when the peer closed the stream between frames.
func (r *Reader) Read() (Frame, error) {
	if _, err := io.ReadFull(r.br, r.hb[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(r.hb[:])
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame too large: %d", n)
	}
	body := make([]byte, int(n))
	if _, err := io.ReadFull(r.br, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	var f Frame
	if err := frameCodec.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Writer writes whole frames. Callers serialize access (see transport.Driver).
type Writer struct {
	bw *bufio.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{bw: bufio.NewWriter(w)} }

func (w *Writer) Write(f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	return w.bw.Flush()
}
