package dependency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuongbtq/hpc-dispatcher/internal/domain"
)

// HandleLookup returns the most recent external handle recorded for a job
type HandleLookup interface {
	ExternalID(ctx context.Context, correlationID string) (string, error)
}

// Resolver turns dependency correlation ids into a scheduler dependency clause
type Resolver struct {
	lookup HandleLookup
}

// NewResolver creates a new resolver over lookup
func NewResolver(lookup HandleLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve looks up the handle of every dependency in declared order.
// A dependency without a handle yields domain.ErrDependencyNotReady; lookup
// failures are returned as retryable.
func (r *Resolver) Resolve(ctx context.Context, ids []string) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}

	handles := make([]string, 0, len(ids))
	for _, id := range ids {
		handle, err := r.lookup.ExternalID(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				return "", fmt.Errorf("%w: %s has not been seen", domain.ErrDependencyNotReady, id)
			}
			return "", domain.NewRetryableError(fmt.Errorf("lookup dependency %s: %w", id, err))
		}
		if handle == "" {
			return "", fmt.Errorf("%w: %s has no external handle", domain.ErrDependencyNotReady, id)
		}
		handles = append(handles, handle)
	}

	return JoinClause(handles), nil
}

// JoinClause formats resolved handles as a Slurm afterok list
func JoinClause(handles []string) string {
	return strings.Join(handles, ":")
}
