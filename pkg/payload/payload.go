// Package payload gives structured workloads a home on top of the wire
// layer's opaque bytes. Jobs carry no content-type header, so the codec
// for a workload is negotiated out of band: both sides bind a codec to
// the job's function name and fall back to a shared default. The wire
// layer never interprets workload bytes.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec marshals typed workloads. Implementations must be deterministic:
// servers coalesce jobs whose function, unique id, and workload bytes
// match, and an unstable encoding defeats that.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry binds codecs to job function names. Lookups that miss fall
// back to the default codec (JSON unless overridden).
type Registry struct {
	fallback Codec
	byFunc   map[string]Codec
}

// NewRegistry returns a registry whose fallback is the JSON codec.
func NewRegistry() *Registry {
	return &Registry{fallback: JSON(), byFunc: make(map[string]Codec)}
}

// SetFallback replaces the codec used by functions with no binding.
func (r *Registry) SetFallback(c Codec) { r.fallback = c }

// Bind routes every workload for function through c.
func (r *Registry) Bind(function string, c Codec) { r.byFunc[function] = c }

// For returns the codec negotiated for function.
func (r *Registry) For(function string) Codec {
	if c, ok := r.byFunc[function]; ok {
		return c
	}
	return r.fallback
}

// EncodeWorkload marshals v with the codec bound to function, producing
// the bytes to submit.
func (r *Registry) EncodeWorkload(function string, v any) ([]byte, error) {
	data, err := r.For(function).Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode workload for %s: %w", function, err)
	}
	return data, nil
}

// DecodeWorkload unmarshals workload bytes received for function into v.
func (r *Registry) DecodeWorkload(function string, data []byte, v any) error {
	if err := r.For(function).Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode workload for %s: %w", function, err)
	}
	return nil
}

type jsonCodec struct{}

// JSON returns the default workload codec. HTML escaping is off: workload
// bytes feed job dedup, not browsers, and escaped runes would make the
// same value encode differently than a plain json.Marshal on the far
// side.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var cborOnce = sync.OnceValues(func() (Codec, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
})

// CBOR returns the binary workload codec, built on the RFC 8949 core
// deterministic profile. Duplicate map keys are rejected on decode.
func CBOR() (Codec, error) { return cborOnce() }

func (c cborCodec) ContentType() string             { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)   { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(d []byte, v any) error { return c.dec.Unmarshal(d, v) }
