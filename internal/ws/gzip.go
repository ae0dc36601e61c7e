package ws

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// GzipDecompress decompresses a gzip-framed byte stream, such as a
// Content-Encoding: gzip upgrade-response body.
func GzipDecompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}
