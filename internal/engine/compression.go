package engine

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm is a named, reversible byte-slice compressor. The embedded
// engine registers one per concern: write-ahead log records favor LZ4 for
// low latency, backup snapshots favor Snappy for fast full-directory
// captures, and segment snapshots favor zstd for the best ratio since
// they are written far less often than either.
type Algorithm interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type snappyAlgorithm struct{}

func (snappyAlgorithm) Name() string { return "snappy" }

func (snappyAlgorithm) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyAlgorithm) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

type lz4Algorithm struct{}

func (lz4Algorithm) Name() string { return "lz4" }

func (lz4Algorithm) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Algorithm) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out, nil
}

type zstdAlgorithm struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdAlgorithm() *zstdAlgorithm {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &zstdAlgorithm{encoder: enc, decoder: dec}
}

func (z *zstdAlgorithm) Name() string { return "zstd" }

func (z *zstdAlgorithm) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdAlgorithm) Decompress(data []byte) ([]byte, error) {
	return z.decoder.DecodeAll(data, nil)
}

var (
	// LZ4 is used for write-ahead log record framing (internal/engine/walrecord.go).
	LZ4 Algorithm = lz4Algorithm{}
	// Snappy is used for backup snapshot files (internal/engine/backupengine.go).
	Snappy Algorithm = snappyAlgorithm{}
	// Zstd is used for on-disk segment bodies (internal/engine/segment.go).
	Zstd Algorithm = newZstdAlgorithm()
)
