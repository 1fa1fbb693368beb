// Package dataset tracks dataset references and their lineage.
//
// The orchestrator only needs two operations: resolve a reference to a
// location, and register the output of an optimization run against its
// source. Three stores are provided: in-memory, PostgreSQL (sharing the task
// pool), and MinIO (one JSON manifest object per dataset).
package dataset

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultDomain is used when neither the dataset nor its source names one.
const DefaultDomain = "general"

// Dataset is a registered dataset reference.
type Dataset struct {
	Ref       string    `json:"ref"`
	Location  string    `json:"location"`
	Domain    string    `json:"domain"`
	SourceRef string    `json:"source_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store resolves and registers datasets.
//
// Lookup returns task.ErrDatasetNotFound for unknown references. Register
// inherits the domain of sourceRef when it is known.
type Store interface {
	Lookup(ctx context.Context, ref string) (*Dataset, error)
	Register(ctx context.Context, ref, location, sourceRef string) (*Dataset, error)
}

// Seeder is implemented by stores that accept externally created datasets.
type Seeder interface {
	Put(ctx context.Context, d Dataset) error
}

// OptimizedName returns the conventional name for the dataset produced by an
// optimization run.
func OptimizedName(taskID string, iteration int) string {
	return fmt.Sprintf("%s_optimized_iter%d", taskID, iteration)
}

func validateRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("dataset reference is required")
	}
	if strings.ContainsAny(ref, "/\\") {
		return fmt.Errorf("dataset reference %q must not contain path separators", ref)
	}
	return nil
}

// inheritDomain resolves the domain for a new dataset from its source.
func inheritDomain(ctx context.Context, s Store, sourceRef string) string {
	if sourceRef == "" {
		return DefaultDomain
	}
	src, err := s.Lookup(ctx, sourceRef)
	if err != nil || src.Domain == "" {
		return DefaultDomain
	}
	return src.Domain
}
