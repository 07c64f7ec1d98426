package housekeeping

import (
	"context"
	"fmt"

	"github.com/GerritForge/ghs-actions-executor/internal/gitrepo"
)

// GarbageCollect invokes a plain `git gc`. Per spec §1 it is a library
// primitive with no design of its own: the core's job is just to surface
// its outcome as an action result, which internal/action does.
func GarbageCollect(ctx context.Context, repo gitrepo.Repository, verbose bool) error {
	if err := repo.RunGC(ctx, verbose); err != nil {
		return fmt.Errorf("garbage collection: %w", err)
	}
	return nil
}

// PackRefs invokes ref-pack compaction. As with GarbageCollect, spec §1
// treats this as a thin passthrough.
func PackRefs(ctx context.Context, repo gitrepo.Repository) error {
	if err := repo.PackRefs(ctx); err != nil {
		return fmt.Errorf("pack refs: %w", err)
	}
	return nil
}
