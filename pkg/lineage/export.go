package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/haivivi/nexus/pkg/nexus"
)

// Sink receives exported files. Names are forward-slash separated and
// relative to the sink root.
type Sink interface {
	// Create opens name for writing, truncating any existing file. The
	// caller must Close the writer; the file is complete only when Close
	// returns nil.
	Create(ctx context.Context, name string) (io.WriteCloser, error)

	// Open opens name for reading. A missing file yields an error
	// wrapping os.ErrNotExist.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Exporter writes lineages as indented JSON to <Prefix>/<run-id>.json.
type Exporter struct {
	Sink   Sink
	Prefix string
}

// Name returns the file name runID is exported to.
func (e *Exporter) Name(runID string) string {
	if e.Prefix == "" {
		return runID + ".json"
	}
	return path.Join(e.Prefix, runID+".json")
}

// Export writes l and returns the name it was written to.
func (e *Exporter) Export(ctx context.Context, l *nexus.Lineage) (string, error) {
	if l == nil || l.RunID == "" {
		return "", ErrInvalid
	}
	name := e.Name(l.RunID)
	w, err := e.Sink.Create(ctx, name)
	if err != nil {
		return "", fmt.Errorf("lineage: export %s: %w", name, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l); err != nil {
		w.Close()
		return "", fmt.Errorf("lineage: export %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("lineage: export %s: %w", name, err)
	}
	return name, nil
}

// Import reads the exported lineage of runID back.
func (e *Exporter) Import(ctx context.Context, runID string) (*nexus.Lineage, error) {
	name := e.Name(runID)
	r, err := e.Sink.Open(ctx, name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lineage: import %s: %w", name, err)
	}
	defer r.Close()
	var l nexus.Lineage
	if err := json.NewDecoder(r).Decode(&l); err != nil {
		return nil, fmt.Errorf("lineage: import %s: %w", name, err)
	}
	return &l, nil
}

// DirSink writes files under a local directory.
type DirSink struct {
	root string
}

var _ Sink = (*DirSink)(nil)

// NewDirSink returns a sink rooted at dir, creating it if needed.
func NewDirSink(dir string) (*DirSink, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &DirSink{root: abs}, nil
}

// Root returns the absolute directory of the sink.
func (d *DirSink) Root() string {
	return d.root
}

func (d *DirSink) resolve(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

func (d *DirSink) Create(_ context.Context, name string) (io.WriteCloser, error) {
	full := d.resolve(name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	return os.Create(full)
}

func (d *DirSink) Open(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(d.resolve(name))
}
