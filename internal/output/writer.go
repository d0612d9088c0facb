// Package output renders reports, progress events and report history.
package output

import (
	"io"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// Formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatText = "text"
)

// Writer defines the interface for output writers.
type Writer interface {
	// WriteReport writes one complete analysis report
	WriteReport(report *model.Report) error

	// WriteEvent writes a single progress event (for streaming)
	WriteEvent(event model.ProgressEvent) error

	// WriteHistory writes stored reports, newest first
	WriteHistory(reports []model.Report) error

	// Flush flushes any buffered output
	Flush() error

	// Close closes the writer
	Close() error
}

// Config holds output configuration.
type Config struct {
	Format   string `json:"format" yaml:"format"`
	Pretty   bool   `json:"pretty" yaml:"pretty"`
	Stream   bool   `json:"stream" yaml:"stream"`
	FilePath string `json:"file_path" yaml:"file_path"`
}

// NewWriter creates a new output writer. Unknown formats fall back to JSON.
func NewWriter(w io.Writer, config Config) Writer {
	switch config.Format {
	case FormatYAML:
		return NewYAMLWriter(w, config.Stream)
	case FormatText:
		return NewTextWriter(w, config.Stream)
	default:
		return NewJSONWriter(w, config.Pretty, config.Stream)
	}
}

// flush forwards to the underlying writer when it buffers.
func flush(w io.Writer) error {
	if flusher, ok := w.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// closeWriter forwards to the underlying writer when it is closable.
func closeWriter(w io.Writer) error {
	if closer, ok := w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
