package util

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Compressor gzips request bodies, reusing writers across calls. Safe for concurrent use.
type Compressor struct {
	level   int
	writers sync.Pool
}

// NewCompressor builds a compressor for a gzip level; an invalid level falls back to
// gzip.BestSpeed.
func NewCompressor(level int) *Compressor {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.BestSpeed
	}
	c := &Compressor{level: level}
	c.writers.New = func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, c.level)
		return w
	}
	return c
}

func (c *Compressor) Compress(b []byte) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(b)/2+64))

	w := c.writers.Get().(*gzip.Writer)
	defer c.writers.Put(w)

	w.Reset(buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Uncompress reverses Compress.
func Uncompress(b []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer Close(gz)

	return io.ReadAll(gz)
}
