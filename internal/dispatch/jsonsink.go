package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"undeleterd/internal/diff"
)

// JSONSink appends one JSON object per event to a file. With Pretty set the
// objects are indented; either way each event ends with a newline so the
// file is tailable.
type JSONSink struct {
	path   string
	pretty bool
	f      *os.File
}

// NewJSONSink opens (or creates) the append-only event log.
func NewJSONSink(path string, pretty bool) (*JSONSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open json output: %w", err)
	}
	return &JSONSink{path: path, pretty: pretty, f: f}, nil
}

// Name implements Sink.
func (s *JSONSink) Name() string { return "json" }

// Deliver implements Sink.
func (s *JSONSink) Deliver(_ context.Context, ev diff.ChangeEvent) error {
	rec := toRecord(ev)
	var (
		data []byte
		err  error
	)
	if s.pretty {
		data, err = json.MarshalIndent(rec, "", "  ")
	} else {
		data, err = json.Marshal(rec)
	}
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *JSONSink) Close() error {
	return s.f.Close()
}
