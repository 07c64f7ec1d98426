// Package preserver implements C3 (spec §4.3): it ages packs whose bitmap
// has been superseded into objects/pack/preserved/, subject to a
// configured grace window, and rewrites the pack log to contain only the
// packs still in active service.
//
// This redesigns the original Java PreserveOutdatedBitmapsAction, which
// kept only the single last log entry with no mtime grace window; the
// spec's richer "most-recent-bitmap plus not-yet-expired" policy is
// implemented here instead. See DESIGN.md.
package preserver

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/GerritForge/ghs-actions-executor/internal/gitconfig"
	"github.com/GerritForge/ghs-actions-executor/internal/gitrepo"
	"github.com/GerritForge/ghs-actions-executor/internal/log"
	"github.com/GerritForge/ghs-actions-executor/internal/packid"
	"github.com/GerritForge/ghs-actions-executor/internal/packlog"
	"github.com/GerritForge/ghs-actions-executor/internal/structerr"
)

// PreservedDirName is the sibling directory of objects/pack that holds
// packs kept for in-flight bitmap clients (spec §3).
const PreservedDirName = "preserved"

// Result reports what a single Run accomplished.
type Result struct {
	// Skipped is true when the GC lock was held, or there was no log to
	// snapshot: both are successful no-ops (spec §4.3 steps 1-2).
	Skipped bool
	// PreservedFiles counts individual files moved into preserved/ across
	// every pack retired in this run.
	PreservedFiles int
}

// Preserver is the C3 component.
type Preserver struct {
	repo   gitrepo.Repository
	log    *packlog.Log
	lockFn func(repoPath string) gitrepo.Lock
	logger log.Logger
	now    func() time.Time
}

// New returns a Preserver.
func New(repo gitrepo.Repository, plog *packlog.Log, lockFn func(repoPath string) gitrepo.Lock, logger log.Logger) *Preserver {
	return &Preserver{repo: repo, log: plog, lockFn: lockFn, logger: logger, now: time.Now}
}

// Run executes the full C3 protocol (spec §4.3 steps 1-9).
func (p *Preserver) Run(ctx context.Context, repoPath string) (Result, error) {
	lock := p.lockFn(repoPath)
	acquired, err := lock.TryAcquire()
	if err != nil {
		return Result{}, structerr.IOError(err, "preserver: acquire gc lock")
	}
	if !acquired {
		p.logger.Info("Preserve packs skipped: gc lock held by another process")
		return Result{Skipped: true}, nil
	}
	defer lock.Release()

	snapshotPath, ok, err := p.log.Snapshot(repoPath)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		p.logger.WithField("repository", repoPath).Info("no packs to preserve")
		return Result{Skipped: true}, nil
	}

	packDir, err := p.repo.PackDir(ctx)
	if err != nil {
		return Result{}, structerr.IOError(err, "preserver: resolve pack dir")
	}
	preservedDir := filepath.Join(packDir, PreservedDirName)
	if err := os.MkdirAll(preservedDir, 0o755); err != nil {
		return Result{}, structerr.IOError(err, "preserver: create %s", preservedDir)
	}

	entries, err := p.log.ReadAllOrdered(snapshotPath)
	if err != nil {
		return Result{}, err
	}

	mostRecentBitmap, err := mostRecentBitmapFilename(packDir)
	if err != nil {
		return Result{}, structerr.IOError(err, "preserver: find most recent bitmap")
	}

	raw, present, err := p.repo.ConfigValue(ctx, "gc.prunePackExpire")
	if err != nil {
		return Result{}, structerr.IOError(err, "preserver: read gc.prunePackExpire")
	}
	cutoff := gitconfig.ResolveCutoff(raw, present, p.now(), p.logger)

	var keep []packid.PackId
	filesMoved := 0

	for _, id := range entries {
		if mostRecentBitmap != "" && id.BitmapFilename() == mostRecentBitmap {
			keep = append(keep, id)
			continue
		}

		expired, err := packExpired(packDir, id, cutoff)
		if err != nil {
			return Result{}, structerr.IOError(err, "preserver: stat pack %s", id.String())
		}
		if !expired {
			keep = append(keep, id)
			continue
		}

		moved, err := movePackTriple(packDir, preservedDir, id)
		if err != nil {
			return Result{}, structerr.IOError(err, "preserver: move pack %s to preserved", id.String())
		}
		filesMoved += moved
	}

	if err := os.Remove(snapshotPath); err != nil && !os.IsNotExist(err) {
		return Result{}, structerr.IOError(err, "preserver: delete snapshot %s", snapshotPath)
	}

	if len(keep) > 0 {
		if err := p.log.Rewrite(repoPath, keep); err != nil {
			return Result{}, err
		}
	} else if err := p.log.Delete(repoPath); err != nil {
		return Result{}, err
	}

	p.logger.WithFields(log.Fields{"files": filesMoved, "repository": repoPath}).
		Info("preserve outdated bitmaps processed repository")

	return Result{PreservedFiles: filesMoved}, nil
}

// mostRecentBitmapFilename returns the basename of the pack-*.bitmap file
// in packDir with the greatest mtime, or "" if none exist.
func mostRecentBitmapFilename(packDir string) (string, error) {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var best string
	var bestMtime time.Time
	for _, e := range entries {
		name := e.Name()
		if !isPackBitmap(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMtime) {
			best, bestMtime = name, info.ModTime()
		}
	}

	return best, nil
}

func isPackBitmap(name string) bool {
	return len(name) > len("pack-.bitmap") &&
		name[:5] == "pack-" && name[len(name)-7:] == ".bitmap"
}

func packExpired(packDir string, id packid.PackId, cutoff time.Time) (bool, error) {
	info, err := os.Stat(filepath.Join(packDir, id.PackFilename()))
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing to preserve or expire: treat as already gone, which
			// C3's idempotence property (P4) requires.
			return true, nil
		}
		return false, err
	}
	return info.ModTime().Before(cutoff), nil
}

func movePackTriple(packDir, preservedDir string, id packid.PackId) (int, error) {
	moved := 0
	for _, name := range []string{id.PackFilename(), id.IndexFilename(), id.BitmapFilename()} {
		src := filepath.Join(packDir, name)
		dst := filepath.Join(preservedDir, name)

		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				continue // missing source files are tolerated (spec §4.3 step 6)
			}
			return moved, err
		}

		if err := os.Rename(src, dst); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
