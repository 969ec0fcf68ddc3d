package speech

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// gzipBytes compresses data with gzip.
func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

// payloadBytes returns the frame payload, inflating it when gzip-compressed.
func payloadBytes(f *Frame) ([]byte, error) {
	switch f.Header.CompressionMethod {
	case NoCompression:
		return f.Payload, nil
	case GzipCompression:
		if len(f.Payload) == 0 {
			return nil, nil
		}
		reader, err := gzip.NewReader(bytes.NewReader(f.Payload))
		if err != nil {
			return nil, fmt.Errorf("gzip reader creation failed: %w", err)
		}
		defer reader.Close()

		out, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip read failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", f.Header.CompressionMethod)
	}
}
