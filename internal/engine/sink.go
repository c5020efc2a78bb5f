package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Compile-time interface satisfaction check.
var _ ResultSink = (*FileSink)(nil)

// FileSink persists result summaries as JSON files under a directory and
// returns file:// references.
type FileSink struct {
	dir string
}

// NewFileSink creates the results directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve results dir: %w", err)
	}
	return &FileSink{dir: abs}, nil
}

// Save writes the summary for a job and returns its reference.
func (s *FileSink) Save(_ context.Context, jobID string, summary []byte) (string, error) {
	path := filepath.Join(s.dir, jobID+".json")
	if err := os.WriteFile(path, summary, 0o644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return "file://" + path, nil
}
