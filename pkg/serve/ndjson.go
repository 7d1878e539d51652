package serve

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// ndjsonWriter appends one JSON document per line. Each record is flushed
// before Write returns so a crash loses at most the record being written.
type ndjsonWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

func newNDJSONWriter(path string) (*ndjsonWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ndjson file %q: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &ndjsonWriter{path: path, file: f, buf: buf, enc: enc}, nil
}

func (w *ndjsonWriter) Write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("ndjson file %q is closed", w.path)
	}
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode ndjson entry: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to write ndjson entry: %w", err)
	}
	return nil
}

func (w *ndjsonWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return fmt.Errorf("failed to flush ndjson file: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close ndjson file: %w", closeErr)
	}
	return nil
}
