// Package wire defines the frames exchanged with the broker and their framing
// on a byte stream.
package wire

import (
	"fmt"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/manifest"
)

type Kind uint8

const (
	KindInit Kind = iota + 1
	KindRequest
	KindResponse
	KindError
	KindQuit
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindQuit:
		return "quit"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Request is a call to one method of an API. Inbound requests address the API
// by its dense id; outbound requests address it by node and API name.
type Request struct {
	Node       string         `cbor:"node,omitempty"`
	API        string         `cbor:"api,omitempty"`
	ID         uint64         `cbor:"api_id"`
	Method     manifest.Verb  `cbor:"method"`
	Parameters map[string]any `cbor:"parameters,omitempty"`
}

// Frame is a tagged union; only the fields of its Kind are set.
// ID is the correlation id, 0 for node-level frames.
type Frame struct {
	Kind    Kind                 `cbor:"k"`
	ID      uint64               `cbor:"i,omitempty"`
	Config  *manifest.NodeConfig `cbor:"c,omitempty"`
	Request *Request             `cbor:"r,omitempty"`
	Data    []byte               `cbor:"d,omitempty"`
	Error   *apierr.Error        `cbor:"e,omitempty"`
}

func Init(cfg manifest.NodeConfig) Frame { return Frame{Kind: KindInit, Config: &cfg} }

func NewRequest(id uint64, r Request) Frame { return Frame{Kind: KindRequest, ID: id, Request: &r} }

func Response(id uint64, data []byte) Frame { return Frame{Kind: KindResponse, ID: id, Data: data} }

func Error(id uint64, err *apierr.Error) Frame { return Frame{Kind: KindError, ID: id, Error: err} }

func Quit() Frame { return Frame{Kind: KindQuit} }

// Validate checks that the fields required by Kind are present.
func (f Frame) Validate() error {
	switch f.Kind {
	case KindInit:
		if f.Config == nil {
			return fmt.Errorf("init frame without config")
		}
	case KindRequest:
		if f.Request == nil {
			return fmt.Errorf("request frame %d without request", f.ID)
		}
	case KindResponse, KindQuit:
	case KindError:
		if f.Error == nil {
			return fmt.Errorf("error frame %d without error", f.ID)
		}
	default:
		return fmt.Errorf("unknown frame %s", f.Kind)
	}
	return nil
}
