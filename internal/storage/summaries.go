package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SummaryStore writes completion summaries as standalone markdown files under
// a summaries directory. References are paths relative to the base directory.
type SummaryStore struct {
	basePath string
}

// NewSummaryStore returns a store writing to <basePath>/summaries.
func NewSummaryStore(basePath string) *SummaryStore {
	return &SummaryStore{basePath: basePath}
}

// WriteSummary stores text for taskID and returns its reference.
func (s *SummaryStore) WriteSummary(taskID, text string) (string, error) {
	dir := filepath.Join(s.basePath, "summaries")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating summaries directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.md", taskID, uuid.NewString())
	var b strings.Builder
	fmt.Fprintf(&b, "# Summary for %s\n\n", taskID)
	b.WriteString(strings.TrimSpace(text))
	b.WriteString("\n")

	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing summary for %s: %w", taskID, err)
	}
	return filepath.ToSlash(filepath.Join("summaries", name)), nil
}

// ReadSummary returns the contents stored under ref.
func (s *SummaryStore) ReadSummary(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("reading summary: invalid reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, clean))
	if err != nil {
		return "", fmt.Errorf("reading summary %s: %w", ref, err)
	}
	return string(data), nil
}
