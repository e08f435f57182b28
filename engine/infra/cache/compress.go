package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

func compressValue(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		w.Close()
		return nil, fmt.Errorf("cache: compress value: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("cache: compress value: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressValue(value []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		return nil, fmt.Errorf("cache: decompress value: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cache: decompress value: %w", err)
	}
	return out, nil
}
