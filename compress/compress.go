// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package compress decides, per outgoing payload, whether and how to
// shrink the payload before it enters delivery.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/zkyvette425/windroute/routing"
)

// Algorithm identifies the payload compression applied before delivery.
type Algorithm byte

const (
	// None leaves the payload unchanged.
	None Algorithm = iota
	// Fast is S2 (Snappy-compatible): low CPU cost, modest ratio.
	Fast
	// Balanced is zstd at the default level.
	Balanced
	// Max is zstd at the best-compression level.
	Max
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Fast:
		return "s2"
	case Balanced:
		return "zstd"
	case Max:
		return "zstd-max"
	default:
		return fmt.Sprintf("unknown(%d)", byte(a))
	}
}

// ParseAlgorithm maps a tag value back to an Algorithm. Unknown values
// map to None.
func ParseAlgorithm(s string) Algorithm {
	switch s {
	case "s2":
		return Fast
	case "zstd":
		return Balanced
	case "zstd-max":
		return Max
	default:
		return None
	}
}

// ErrNotCompressed is returned by Decompress when the input does not
// decode with the given algorithm. It is recoverable: the original
// bytes are returned alongside it.
var ErrNotCompressed = errors.New("payload not compressed")

// Config controls the compression policy.
type Config struct {
	// MinSize is the payload size below which compression is skipped.
	MinSize int `yaml:"min_size"`
	// MaxRatio is the compressed/original ratio above which the
	// compressed form is rejected (CPU cost not worth the savings).
	MaxRatio float64 `yaml:"max_ratio"`
}

// DefaultConfig returns the default compression policy.
func DefaultConfig() Config {
	return Config{
		MinSize:  1024,
		MaxRatio: 0.8,
	}
}

// Result records a compression decision.
type Result struct {
	OriginalSize   int
	Algorithm      Algorithm
	CompressedSize int
	Ratio          float64
	CPUAcceptable  bool
}

// Compressor applies the compression policy. Safe for concurrent use:
// the zstd encoder/decoder are used via EncodeAll/DecodeAll only.
type Compressor struct {
	cfg     Config
	zstdEnc *zstd.Encoder
	zstdMax *zstd.Encoder
	zstdDec *zstd.Decoder
}

// New creates a compressor with the given policy.
func New(cfg Config) (*Compressor, error) {
	if cfg.MinSize <= 0 {
		cfg.MinSize = DefaultConfig().MinSize
	}
	if cfg.MaxRatio <= 0 || cfg.MaxRatio > 1 {
		cfg.MaxRatio = DefaultConfig().MaxRatio
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	max, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd max encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Compressor{cfg: cfg, zstdEnc: enc, zstdMax: max, zstdDec: dec}, nil
}

// Compress applies the policy to a payload. The priority picks the
// algorithm class: critical and high traffic prefers speed over ratio,
// low-priority traffic can afford the best ratio. The compressed form
// is used only when it beats the configured ratio; otherwise the
// original bytes are returned with Algorithm None.
func (c *Compressor) Compress(data []byte, priority byte) ([]byte, Result) {
	res := Result{
		OriginalSize:   len(data),
		Algorithm:      None,
		CompressedSize: len(data),
		Ratio:          1.0,
		CPUAcceptable:  true,
	}

	if len(data) < c.cfg.MinSize {
		return data, res
	}

	alg := c.algorithmFor(priority)
	compressed := c.encode(data, alg)

	ratio := float64(len(compressed)) / float64(len(data))
	if ratio >= c.cfg.MaxRatio {
		res.CPUAcceptable = false
		return data, res
	}

	res.Algorithm = alg
	res.CompressedSize = len(compressed)
	res.Ratio = ratio
	return compressed, res
}

// Decompress is the exact inverse of Compress. Already-uncompressed
// input is tolerated: the original bytes are returned together with
// ErrNotCompressed.
func (c *Compressor) Decompress(data []byte, alg Algorithm) ([]byte, error) {
	switch alg {
	case None:
		return data, nil
	case Fast:
		out, err := s2.Decode(nil, data)
		if err != nil {
			return data, fmt.Errorf("%w: %s", ErrNotCompressed, err)
		}
		return out, nil
	case Balanced, Max:
		out, err := c.zstdDec.DecodeAll(data, nil)
		if err != nil {
			return data, fmt.Errorf("%w: %s", ErrNotCompressed, err)
		}
		return out, nil
	default:
		return data, fmt.Errorf("%w: unknown algorithm %d", ErrNotCompressed, byte(alg))
	}
}

func (c *Compressor) algorithmFor(priority byte) Algorithm {
	switch routing.PriorityBand(priority) {
	case "critical", "high":
		return Fast
	case "normal":
		return Balanced
	default:
		return Max
	}
}

func (c *Compressor) encode(data []byte, alg Algorithm) []byte {
	switch alg {
	case Fast:
		return s2.Encode(nil, data)
	case Balanced:
		return c.zstdEnc.EncodeAll(data, nil)
	case Max:
		return c.zstdMax.EncodeAll(data, nil)
	default:
		return data
	}
}
