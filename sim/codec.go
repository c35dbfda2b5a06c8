package sim

// Codec serializes plan content. Encoded bytes carry a format tag so that
// incompatible blobs fail with ErrCodec instead of being misread.
// Implementations must be safe for concurrent use.
type Codec interface {
	Encode(content *PlanContent) ([]byte, error)
	Decode(data []byte) (*PlanContent, error)
}

// NewCodecFunc constructs the registered Codec implementation.
// Set by sim/codec's init().
var NewCodecFunc func(cfg CodecConfig) (Codec, error)
