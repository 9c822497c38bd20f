// Package codec converts message payloads to and from JSON text.
package codec

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Payload is a flat or nested key/value document.
type Payload map[string]any

// excerptLen bounds how much of a rejected payload DecodeError keeps.
const excerptLen = 64

// DecodeError reports an inbound payload that is not a JSON object.
type DecodeError struct {
	Excerpt string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload %q: %v", e.Excerpt, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func Encode(p Payload) ([]byte, error) {
	if p == nil {
		p = Payload{}
	}
	return json.Marshal(p)
}

func Decode(raw []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, newDecodeError(raw, fmt.Errorf("payload is not a JSON object"))
	}
	var p Payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, newDecodeError(raw, err)
	}
	return p, nil
}

func newDecodeError(raw []byte, err error) *DecodeError {
	excerpt := string(raw)
	if len(excerpt) > excerptLen {
		excerpt = excerpt[:excerptLen] + "..."
	}
	return &DecodeError{Excerpt: excerpt, Err: err}
}
