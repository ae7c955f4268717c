// Package lineage archives and exports finished run lineages.
//
// A Store keeps lineages keyed by run ID and lists them in the order their
// runs started. Two implementations are provided: MemoryStore for the
// lifetime of a process and BadgerStore for an on-disk archive. Records are
// msgpack encoded.
//
// An Exporter writes a lineage as JSON to a Sink: a local directory
// (DirSink) or an S3-compatible bucket (S3Sink).
package lineage

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/nexus/pkg/nexus"
)

var (
	// ErrNotFound is returned when no lineage has the requested run ID.
	ErrNotFound = errors.New("lineage: not found")

	// ErrInvalid is returned by Put for a lineage without a run ID.
	ErrInvalid = errors.New("lineage: missing run id")
)

// Store is an archive of lineages.
type Store interface {
	// Put stores l, replacing any lineage with the same run ID.
	Put(ctx context.Context, l *nexus.Lineage) error

	// Get returns the lineage of runID, or ErrNotFound.
	Get(ctx context.Context, runID string) (*nexus.Lineage, error)

	// List iterates over all lineages, oldest run first.
	List(ctx context.Context) iter.Seq2[*nexus.Lineage, error]

	// Close releases any resources held by the store.
	Close() error
}

// Key segments. A record lives under run/<started-millis>/<run-id>, and
// id/<run-id> holds the record key so Get does not scan.
const (
	recordPrefix = "run/"
	indexPrefix  = "id/"
)

// recordKey returns the chronological key of l. Milliseconds are zero
// padded so lexicographic order is start order.
func recordKey(l *nexus.Lineage) string {
	return fmt.Sprintf("%s%013d/%s", recordPrefix, l.StartedAt.UnixMilli(), l.RunID)
}

func indexKey(runID string) string {
	return indexPrefix + runID
}

func encode(l *nexus.Lineage) ([]byte, error) {
	b, err := msgpack.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("lineage: encode %s: %w", l.RunID, err)
	}
	return b, nil
}

func decode(b []byte) (*nexus.Lineage, error) {
	var l nexus.Lineage
	if err := msgpack.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("lineage: decode: %w", err)
	}
	return &l, nil
}

// Collect drains List into a slice.
func Collect(ctx context.Context, s Store) ([]*nexus.Lineage, error) {
	var out []*nexus.Lineage
	for l, err := range s.List(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, l)
	}
	return out, nil
}
