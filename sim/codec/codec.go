// Package codec serializes plan content into self-describing, checksummed blobs.
//
// Layout (big-endian):
//
//	[2B magic "PL"][1B version][1B flags][4B CRC32 of body][body]
//
// The body is the gob encoding of sim.PlanContent, zstd-compressed when
// flagZstd is set. Decoding rejects unknown magic, versions and flags, and
// any body whose checksum does not match.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/inference-sim/plancache/sim"
)

const (
	// FormatVersion is the current blob layout version.
	FormatVersion byte = 1

	headerSize = 8
	flagZstd   = 1 << 0
	knownFlags = flagZstd
)

var magic = [2]byte{'P', 'L'}

// Compression names accepted in sim.CodecConfig.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// BinaryCodec implements sim.Codec. Safe for concurrent use.
type BinaryCodec struct {
	compression string
	enc         *zstd.Encoder
	dec         *zstd.Decoder
	bufs        sync.Pool
}

// New creates a codec. An empty compression defaults to zstd.
func New(cfg sim.CodecConfig) (*BinaryCodec, error) {
	c := &BinaryCodec{
		compression: cfg.Compression,
		bufs:        sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
	if c.compression == "" {
		c.compression = CompressionZstd
	}
	switch c.compression {
	case CompressionNone:
	case CompressionZstd:
		opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
		if cfg.Level != 0 {
			if cfg.Level < 1 || cfg.Level > 22 {
				return nil, fmt.Errorf("zstd level must be in [1, 22], got %d", cfg.Level)
			}
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.Level)))
		}
		enc, err := zstd.NewWriter(nil, opts...)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.enc = enc
	default:
		return nil, fmt.Errorf("unknown compression %q (valid: %s, %s)", cfg.Compression, CompressionNone, CompressionZstd)
	}
	// The decoder is always available so blobs written with compression can be
	// read back by a codec configured without it.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.dec = dec
	return c, nil
}

// Compression returns the configured compression name.
func (c *BinaryCodec) Compression() string {
	return c.compression
}

// Encode serializes content. The content is canonicalized in place first.
func (c *BinaryCodec) Encode(content *sim.PlanContent) ([]byte, error) {
	if content == nil {
		return nil, fmt.Errorf("%w: encode nil content", sim.ErrCodec)
	}
	content.Canonicalize()

	buf := c.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufs.Put(buf)

	if err := gob.NewEncoder(buf).Encode(content); err != nil {
		return nil, fmt.Errorf("%w: gob encode: %w", sim.ErrCodec, err)
	}

	var flags byte
	body := buf.Bytes()
	out := make([]byte, headerSize, headerSize+len(body))
	if c.enc != nil {
		flags |= flagZstd
		out = c.enc.EncodeAll(body, out)
	} else {
		out = append(out, body...)
	}
	out[0], out[1] = magic[0], magic[1]
	out[2] = FormatVersion
	out[3] = flags
	binary.BigEndian.PutUint32(out[4:headerSize], crc32.ChecksumIEEE(out[headerSize:]))
	return out, nil
}

// Decode parses a blob produced by Encode.
func (c *BinaryCodec) Decode(data []byte) (*sim.PlanContent, error) {
	if len(data) < headerSize+1 {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", sim.ErrCodec, len(data))
	}
	if data[0] != magic[0] || data[1] != magic[1] {
		return nil, fmt.Errorf("%w: bad magic %q", sim.ErrCodec, data[:2])
	}
	if data[2] != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d (want %d)", sim.ErrCodec, data[2], FormatVersion)
	}
	flags := data[3]
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#02x", sim.ErrCodec, flags)
	}
	body := data[headerSize:]
	stored := binary.BigEndian.Uint32(data[4:headerSize])
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return nil, fmt.Errorf("%w: checksum mismatch stored=%08x computed=%08x", sim.ErrCodec, stored, computed)
	}

	if flags&flagZstd != 0 {
		raw, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decode: %w", sim.ErrCodec, err)
		}
		body = raw
	}

	var content sim.PlanContent
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&content); err != nil {
		return nil, fmt.Errorf("%w: gob decode: %w", sim.ErrCodec, err)
	}
	if err := content.Validate(); err != nil {
		return nil, fmt.Errorf("%w: decoded content invalid: %w", sim.ErrCodec, err)
	}
	return &content, nil
}
