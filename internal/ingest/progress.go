package ingest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// progressTracker manages the .ingested marker file so interrupted imports
// resume without re-reading files already written to the store.
type progressTracker struct {
	mu     sync.Mutex
	done   map[string]struct{}
	writer *bufio.Writer
	file   *os.File
	dir    string
}

// newProgressTracker creates a tracker rooted at the given directory and
// loads any existing .ingested entries.
func newProgressTracker(dir string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating marker dir: %w", err)
	}

	pt := &progressTracker{
		done: make(map[string]struct{}),
		dir:  dir,
	}

	path := filepath.Join(dir, ".ingested")
	data, err := os.ReadFile(path)
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			name := strings.TrimSpace(line)
			if name != "" {
				pt.done[name] = struct{}{}
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening .ingested: %w", err)
	}
	pt.file = f
	pt.writer = bufio.NewWriter(f)

	return pt, nil
}

// IsDone returns true if the named file was already imported.
func (p *progressTracker) IsDone(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.done[name]
	return ok
}

// MarkDone records a file as fully imported.
func (p *progressTracker) MarkDone(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.done[name]; ok {
		return nil
	}
	p.done[name] = struct{}{}
	if _, err := p.writer.WriteString(name + "\n"); err != nil {
		return fmt.Errorf("writing to .ingested: %w", err)
	}
	return p.writer.Flush()
}

// Close flushes and closes the marker file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
