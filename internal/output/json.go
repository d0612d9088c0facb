package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// JSONWriter writes output in JSON format.
type JSONWriter struct {
	mu     sync.Mutex
	writer io.Writer
	pretty bool
	stream bool
	closed bool
}

// NewJSONWriter creates a new JSON writer.
func NewJSONWriter(w io.Writer, pretty, stream bool) *JSONWriter {
	return &JSONWriter{
		writer: w,
		pretty: pretty,
		stream: stream,
	}
}

// WriteReport writes the complete report.
func (j *JSONWriter) WriteReport(report *model.Report) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.write(report)
}

// WriteEvent writes a single progress event in streaming mode.
func (j *JSONWriter) WriteEvent(event model.ProgressEvent) error {
	if !j.stream {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	wrapper := StreamEvent{
		Type: string(event.Kind),
		Data: event,
	}

	return j.write(wrapper)
}

// WriteHistory writes stored reports as one array.
func (j *JSONWriter) WriteHistory(reports []model.Report) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if reports == nil {
		reports = []model.Report{}
	}
	return j.write(reports)
}

func (j *JSONWriter) write(v interface{}) error {
	var data []byte
	var err error

	if j.pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}

	if err != nil {
		return err
	}

	_, err = j.writer.Write(data)
	if err != nil {
		return err
	}

	_, err = j.writer.Write([]byte("\n"))
	return err
}

// Flush flushes the writer.
func (j *JSONWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return flush(j.writer)
}

// Close closes the writer.
func (j *JSONWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.closed = true
	return closeWriter(j.writer)
}

// StreamEvent represents a streaming output event.
type StreamEvent struct {
	Type string      `json:"type" yaml:"type"`
	Data interface{} `json:"data" yaml:"data"`
}
