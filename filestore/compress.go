package filestore

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses one frame payload at a time.
type Codec interface {
	Name() string
	Extension() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

const (
	CodecZstd = "zstd"
	CodecGzip = "gzip"
	CodecLZ4  = "lz4"
	CodecNone = "none"
)

// NewCodec returns the codec registered under name. An empty name selects zstd.
func NewCodec(name string, level int) (Codec, error) {
	switch strings.ToLower(name) {
	case "", CodecZstd:
		return newZstdCodec(level)
	case CodecGzip:
		return &gzipCodec{level: gzipLevel(level)}, nil
	case CodecLZ4:
		return &lz4Codec{level: lz4Level(level)}, nil
	case CodecNone:
		return noneCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// ExtensionFor returns the binary file extension for a codec name without building it.
func ExtensionFor(name string) string {
	switch strings.ToLower(name) {
	case CodecGzip:
		return ".pb.gz"
	case CodecLZ4:
		return ".pb.lz4"
	case CodecNone:
		return ".pb"
	}
	return ".pb.zst"
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// One encoder/decoder pair per level; EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdMu     sync.Mutex
	zstdCodecs = map[zstd.EncoderLevel]*zstdCodec{}
)

func newZstdCodec(level int) (*zstdCodec, error) {
	lvl := zstd.EncoderLevelFromZstd(level)

	zstdMu.Lock()
	defer zstdMu.Unlock()
	if c, ok := zstdCodecs[lvl]; ok {
		return c, nil
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameSize*4))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c := &zstdCodec{enc: enc, dec: dec}
	zstdCodecs[lvl] = c
	return c, nil
}

func (c *zstdCodec) Name() string      { return CodecZstd }
func (c *zstdCodec) Extension() string { return ".pb.zst" }

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (c *zstdCodec) Decompress(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

type gzipCodec struct {
	level int
}

func gzipLevel(level int) int {
	if level < pgzip.NoCompression || level > pgzip.BestCompression {
		return pgzip.DefaultCompression
	}
	return level
}

func (c *gzipCodec) Name() string      { return CodecGzip }
func (c *gzipCodec) Extension() string { return ".pb.gz" }

func (c *gzipCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := pgzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := zw.Write(src); err != nil {
		zw.Close()
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *gzipCodec) Decompress(src []byte) ([]byte, error) {
	zr, err := pgzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}

type lz4Codec struct {
	level lz4.CompressionLevel
}

func lz4Level(level int) lz4.CompressionLevel {
	switch {
	case level <= 0:
		return lz4.Fast
	case level >= 9:
		return lz4.Level9
	}
	return lz4.CompressionLevel(1 << (8 + level))
}

func (c *lz4Codec) Name() string      { return CodecLZ4 }
func (c *lz4Codec) Extension() string { return ".pb.lz4" }

func (c *lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
		return nil, fmt.Errorf("lz4 options: %w", err)
	}
	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *lz4Codec) Decompress(src []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out, nil
}

type noneCodec struct{}

func (noneCodec) Name() string      { return CodecNone }
func (noneCodec) Extension() string { return ".pb" }

func (noneCodec) Compress(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

func (noneCodec) Decompress(src []byte) ([]byte, error) {
	return src, nil
}
