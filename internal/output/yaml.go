package output

import (
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// YAMLWriter writes each value as its own YAML document.
type YAMLWriter struct {
	mu        sync.Mutex
	writer    io.Writer
	stream    bool
	closed    bool
	documents int
}

// NewYAMLWriter creates a new YAML writer.
func NewYAMLWriter(w io.Writer, stream bool) *YAMLWriter {
	return &YAMLWriter{writer: w, stream: stream}
}

// WriteReport writes the complete report.
func (y *YAMLWriter) WriteReport(report *model.Report) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	if y.closed {
		return nil
	}
	return y.write(report)
}

// WriteEvent writes a single progress event in streaming mode.
func (y *YAMLWriter) WriteEvent(event model.ProgressEvent) error {
	if !y.stream {
		return nil
	}

	y.mu.Lock()
	defer y.mu.Unlock()

	if y.closed {
		return nil
	}
	return y.write(StreamEvent{Type: string(event.Kind), Data: event})
}

// WriteHistory writes stored reports as one sequence.
func (y *YAMLWriter) WriteHistory(reports []model.Report) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	if y.closed {
		return nil
	}
	if reports == nil {
		reports = []model.Report{}
	}
	return y.write(reports)
}

func (y *YAMLWriter) write(v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}

	if y.documents > 0 {
		if _, err := io.WriteString(y.writer, "---\n"); err != nil {
			return err
		}
	}
	y.documents++

	_, err = y.writer.Write(data)
	return err
}

// Flush flushes the writer.
func (y *YAMLWriter) Flush() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	return flush(y.writer)
}

// Close closes the writer.
func (y *YAMLWriter) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()

	y.closed = true
	return closeWriter(y.writer)
}
