// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkyvette425/windroute/routing"
)

func newTestCompressor(t *testing.T) *Compressor {
	t.Helper()
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	return c
}

// Highly compressible payload above the size threshold.
func compressiblePayload() []byte {
	return bytes.Repeat([]byte("game state delta "), 256)
}

func TestSmallPayloadPassesThrough(t *testing.T) {
	c := newTestCompressor(t)
	data := []byte("tiny")

	out, res := c.Compress(data, routing.PriorityNormal)
	require.Equal(t, data, out)
	require.Equal(t, None, res.Algorithm)
	require.Equal(t, len(data), res.CompressedSize)
}

func TestCompressRoundTrip(t *testing.T) {
	c := newTestCompressor(t)
	data := compressiblePayload()

	for _, priority := range []byte{routing.PriorityLow, routing.PriorityNormal, routing.PriorityCritical} {
		out, res := c.Compress(data, priority)
		require.NotEqual(t, None, res.Algorithm)
		require.Less(t, res.CompressedSize, res.OriginalSize)
		require.Less(t, res.Ratio, 0.8)

		back, err := c.Decompress(out, res.Algorithm)
		require.NoError(t, err)
		require.Equal(t, data, back)
	}
}

func TestCriticalPriorityPrefersSpeed(t *testing.T) {
	c := newTestCompressor(t)
	data := compressiblePayload()

	_, res := c.Compress(data, routing.PriorityCritical)
	require.Equal(t, Fast, res.Algorithm)

	_, res = c.Compress(data, routing.PriorityLow)
	require.Equal(t, Max, res.Algorithm)
}

func TestIncompressibleFallsBack(t *testing.T) {
	c := newTestCompressor(t)

	// Pseudo-random bytes do not compress below the ratio gate.
	data := make([]byte, 4096)
	seed := uint32(2463534242)
	for i := range data {
		seed ^= seed << 13
		seed ^= seed >> 17
		seed ^= seed << 5
		data[i] = byte(seed)
	}

	out, res := c.Compress(data, routing.PriorityNormal)
	require.Equal(t, data, out)
	require.Equal(t, None, res.Algorithm)
	require.False(t, res.CPUAcceptable)
}

func TestDecompressTolerantOfPlainInput(t *testing.T) {
	c := newTestCompressor(t)
	data := []byte("plain payload, never compressed")

	out, err := c.Decompress(data, Balanced)
	require.ErrorIs(t, err, ErrNotCompressed)
	require.Equal(t, data, out)
}

func TestParseAlgorithm(t *testing.T) {
	require.Equal(t, Fast, ParseAlgorithm("s2"))
	require.Equal(t, Balanced, ParseAlgorithm("zstd"))
	require.Equal(t, Max, ParseAlgorithm("zstd-max"))
	require.Equal(t, None, ParseAlgorithm("bogus"))
}
