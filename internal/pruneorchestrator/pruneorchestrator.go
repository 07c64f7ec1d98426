// Package pruneorchestrator implements C4 (spec §4.4), the legacy
// "second-to-last + last" retention variant this program carries forward
// from the Java original's PruneOutdatedBitmapsAction for compatibility
// with repositories still scheduled against the older policy. Its
// file-locking and rename invariants are identical to C3; only the
// retention decision differs.
//
// Per spec §9's open question on the legacy isSecondToLast predicate, this
// implementation uses "index == len(entries)-2" in publication order, and
// mirrors current C3 semantics (exact record count = size/20, no synthetic
// empty final chunk) rather than the legacy stream API's off-by-one
// behavior.
package pruneorchestrator

import (
	"context"
	"os"
	"path/filepath"

	"github.com/GerritForge/ghs-actions-executor/internal/gitrepo"
	"github.com/GerritForge/ghs-actions-executor/internal/log"
	"github.com/GerritForge/ghs-actions-executor/internal/packid"
	"github.com/GerritForge/ghs-actions-executor/internal/packlog"
	"github.com/GerritForge/ghs-actions-executor/internal/preserver"
	"github.com/GerritForge/ghs-actions-executor/internal/structerr"
)

// Result reports what a single Run accomplished.
type Result struct {
	Skipped        bool
	FilesProcessed int
}

// Orchestrator is the C4 component.
type Orchestrator struct {
	repo   gitrepo.Repository
	log    *packlog.Log
	lockFn func(repoPath string) gitrepo.Lock
	logger log.Logger
}

// New returns an Orchestrator.
func New(repo gitrepo.Repository, plog *packlog.Log, lockFn func(repoPath string) gitrepo.Lock, logger log.Logger) *Orchestrator {
	return &Orchestrator{repo: repo, log: plog, lockFn: lockFn, logger: logger}
}

// Run executes the legacy retention protocol.
func (o *Orchestrator) Run(ctx context.Context, repoPath string) (Result, error) {
	lock := o.lockFn(repoPath)
	acquired, err := lock.TryAcquire()
	if err != nil {
		return Result{}, structerr.IOError(err, "pruneorchestrator: acquire gc lock")
	}
	if !acquired {
		o.logger.Info("Prune outdated bitmaps skipped: gc lock held by another process")
		return Result{Skipped: true}, nil
	}
	defer lock.Release()

	snapshotPath, ok, err := o.log.Snapshot(repoPath)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		o.logger.WithField("repository", repoPath).Info("no bitmaps to preserve")
		return Result{Skipped: true}, nil
	}

	packDir, err := o.repo.PackDir(ctx)
	if err != nil {
		return Result{}, structerr.IOError(err, "pruneorchestrator: resolve pack dir")
	}
	preservedDir := filepath.Join(packDir, preserver.PreservedDirName)
	if err := os.MkdirAll(preservedDir, 0o755); err != nil {
		return Result{}, structerr.IOError(err, "pruneorchestrator: create %s", preservedDir)
	}

	entries, err := o.log.ReadAllOrdered(snapshotPath)
	if err != nil {
		return Result{}, err
	}

	keep, filesProcessed, err := processEntries(packDir, preservedDir, entries)
	if err != nil {
		return Result{}, structerr.IOError(err, "pruneorchestrator: process log entries")
	}

	if err := os.Remove(snapshotPath); err != nil && !os.IsNotExist(err) {
		return Result{}, structerr.IOError(err, "pruneorchestrator: delete snapshot %s", snapshotPath)
	}

	if len(keep) > 0 {
		if err := o.log.Rewrite(repoPath, keep); err != nil {
			return Result{}, err
		}
	} else if err := o.log.Delete(repoPath); err != nil {
		return Result{}, err
	}

	o.logger.WithField("files", filesProcessed).Info("prune outdated bitmaps processed repository")

	return Result{FilesProcessed: filesProcessed}, nil
}

// processEntries applies the second-to-last/last retention policy and
// returns the ids to keep, in [secondToLast, last] order.
func processEntries(packDir, preservedDir string, entries []packid.PackId) ([]packid.PackId, int, error) {
	n := len(entries)
	filesProcessed := 0
	var keep []packid.PackId

	for i, id := range entries {
		switch {
		case i == n-1:
			// the last entry is untouched and stays active
			keep = append(keep, id)

		case i == n-2:
			moved, err := moveOrSkip(packDir, preservedDir, id)
			if err != nil {
				return nil, filesProcessed, err
			}
			filesProcessed += moved
			// second-to-last is placed at the front of keep, ahead of the
			// last entry, which is appended on the next iteration.
			keep = append([]packid.PackId{id}, keep...)

		default:
			deletedActive, err := deleteTriple(packDir, id)
			if err != nil {
				return nil, filesProcessed, err
			}
			deletedPreserved, err := deleteTriple(preservedDir, id)
			if err != nil {
				return nil, filesProcessed, err
			}
			filesProcessed += deletedActive + deletedPreserved
		}
	}

	return keep, filesProcessed, nil
}

func moveOrSkip(packDir, preservedDir string, id packid.PackId) (int, error) {
	moved := 0
	for _, name := range []string{id.PackFilename(), id.IndexFilename(), id.BitmapFilename()} {
		src := filepath.Join(packDir, name)
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return moved, err
		}
		if err := os.Rename(src, filepath.Join(preservedDir, name)); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func deleteTriple(dir string, id packid.PackId) (int, error) {
	deleted := 0
	for _, name := range []string{id.PackFilename(), id.IndexFilename(), id.BitmapFilename()} {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
