package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sensorpipe-go/internal/publish"
)

// CorrelationLog is a publisher appending every matched time entry to a CSV
// file: local_ns, external_ns, offset_ns, points.
type CorrelationLog struct {
	dir string

	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	rows uint64
}

// NewCorrelationLog creates a publisher writing into outputDir. The file is
// created on Start.
func NewCorrelationLog(outputDir string) *CorrelationLog {
	return &CorrelationLog{dir: outputDir}
}

func (c *CorrelationLog) Name() string { return "correlation_log" }

func (c *CorrelationLog) NodeStarted(*publish.Node) {}

func (c *CorrelationLog) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f != nil {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(c.dir, fmt.Sprintf("%s_correlation.csv", timestamp))
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintln(w, "local_ns, external_ns, offset_ns, points"); err != nil {
		_ = f.Close()
		return err
	}
	c.f, c.w, c.path = f, w, filename
	return nil
}

func (c *CorrelationLog) Publish(b publish.Bundle) error {
	if len(b.Entries) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return fmt.Errorf("correlation log not started")
	}
	points := b.Correspondence.Len()
	for _, e := range b.Entries {
		if _, err := fmt.Fprintf(c.w, "%d, %d, %d, %d\n", e.Local, e.External, e.External-e.Local, points); err != nil {
			return err
		}
		c.rows++
	}
	return c.w.Flush()
}

// Path is the CSV file, empty before Start.
func (c *CorrelationLog) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Rows counts written entries.
func (c *CorrelationLog) Rows() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

func (c *CorrelationLog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	flushErr := c.w.Flush()
	closeErr := c.f.Close()
	c.f, c.w = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
