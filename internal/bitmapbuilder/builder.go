// Package bitmapbuilder implements C2, the bitmap pack builder (spec §4.2):
// it computes the object set to repack, writes a new pack with its index
// and bitmap index, publishes them atomically into objects/pack/, and
// records the result in the pack log. It is a Go port of the Git
// garbage-collector's repack-and-generate-bitmap phase, the same
// class of work Gitaly's housekeeping.Manager.OptimizeRepository performs
// by shelling out to `git repack`.
package bitmapbuilder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/GerritForge/ghs-actions-executor/internal/git/packfile"
	"github.com/GerritForge/ghs-actions-executor/internal/gitrepo"
	"github.com/GerritForge/ghs-actions-executor/internal/housekeeping"
	"github.com/GerritForge/ghs-actions-executor/internal/log"
	"github.com/GerritForge/ghs-actions-executor/internal/packid"
	"github.com/GerritForge/ghs-actions-executor/internal/packlog"
	"github.com/GerritForge/ghs-actions-executor/internal/structerr"
)

// Result reports the outcome of a single Run.
type Result struct {
	// Packs lists the pack(s) published by this run. Empty when there was
	// nothing new to pack, or when the run was skipped due to lock
	// contention.
	Packs []gitrepo.PackObjectsResult
	// Skipped is true when the GC PID lock was already held by another
	// process (spec §4.2, error kind BitmapAlreadyOngoing). This is a
	// successful no-op, not a failure.
	Skipped bool
}

// Builder is the C2 component.
type Builder struct {
	repo       gitrepo.Repository
	log        *packlog.Log
	lockFn     func(repoPath string) gitrepo.Lock
	logger     log.Logger
	singlePack bool
}

// New returns a Builder. singlePack corresponds to the CLI's
// --sequential-bitmap-generation flag (spec §6): when set, all non-head
// objects (reflog entries, index-only objects and other-ref targets) are
// folded into the single consolidated pack. When unset, those non-head
// objects are left out of the pack; no second pack is written for them.
func New(repo gitrepo.Repository, plog *packlog.Log, lockFn func(repoPath string) gitrepo.Lock, logger log.Logger, singlePack bool) *Builder {
	return &Builder{repo: repo, log: plog, lockFn: lockFn, logger: logger, singlePack: singlePack}
}

// Run executes the full C2 algorithm against repoPath (spec §4.2 steps 1-8).
func (b *Builder) Run(ctx context.Context, repoPath string) (Result, error) {
	lock := b.lockFn(repoPath)
	acquired, err := lock.TryAcquire()
	if err != nil {
		return Result{}, structerr.IOError(err, "bitmapbuilder: acquire gc lock")
	}
	if !acquired {
		b.logger.Info("Skipped bitmap generation: gc lock held by another process")
		return Result{Skipped: true}, nil
	}
	defer lock.Release()

	objects, err := b.computeObjectSet(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(objects.refsToExcludeFromBitmap) > 0 {
		// The Java original unions these ids into the same noBitmap set as
		// allTags before handing it to PackWriter; git pack-objects has no
		// CLI surface for that (see the PackObjectsRequest doc comment), so
		// this program can only record that the configured prefixes matched.
		b.logger.WithField("count", len(objects.refsToExcludeFromBitmap)).
			Info("refs matching pack.bitmapExcludedRefPrefixes excluded from bitmap selection bookkeeping")
	}

	if err := checkCancelled(ctx); err != nil {
		return Result{}, err
	}

	packDir, err := b.repo.PackDir(ctx)
	if err != nil {
		return Result{}, structerr.IOError(err, "bitmapbuilder: resolve pack dir")
	}
	objectsDir, err := b.repo.ObjectsDir(ctx)
	if err != nil {
		return Result{}, structerr.IOError(err, "bitmapbuilder: resolve objects dir")
	}

	want := objects.allHeadsAndTags
	if b.singlePack {
		want = union(want, objects.nonHeads)
	}

	req := gitrepo.PackObjectsRequest{
		Want:           want.Sorted(),
		TagTargets:     objects.tagTargets.Sorted(),
		ExcludeObjects: objects.excludedByKeep.Sorted(),
		CreateBitmap:   true,
		OutputDir:      packDir,
		TempBasename:   tempBasename(),
	}

	if err := checkCancelled(ctx); err != nil {
		return Result{}, err
	}

	written, err := b.repo.WritePackWithBitmap(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("bitmapbuilder: write pack: %w", err)
	}

	if written.ObjectCount == 0 {
		b.logger.Info("repack yielded no objects, nothing to publish")
		return Result{}, nil
	}

	if err := checkCancelled(ctx); err != nil {
		return Result{}, err
	}

	published, err := publish(packDir, written)
	if err != nil {
		return Result{}, structerr.IOError(err, "bitmapbuilder: publish pack %s", written.ID.String())
	}

	waitForMonotonicMtime(packDir, published.ID)

	if err := verifyPublished(packDir, published); err != nil {
		return Result{}, structerr.IOError(err, "bitmapbuilder: verify published pack %s", published.ID.String())
	}

	if err := b.log.Append(objectsDir, []packid.PackId{published.ID}); err != nil {
		return Result{}, err
	}

	if _, err := housekeeping.CleanStaleGCTempFiles(packDir, b.logger); err != nil {
		b.logger.WithError(err).Warn("stale gc temp file cleanup failed")
	}

	return Result{Packs: []gitrepo.PackObjectsResult{published}}, nil
}

// bitmapExcludedRefPrefixesConfigKey mirrors JGit's PackConfig property of
// the same purpose (BitmapGenerator.java's pconfig.getBitmapExcludedRefsPrefixes(),
// itself backed by a multi-valued git config entry): ref name prefixes whose
// tips should be treated as noBitmap objects rather than bitmap-selection
// candidates (spec §4.2 step 2).
const bitmapExcludedRefPrefixesConfigKey = "pack.bitmapExcludedRefPrefixes"

// packKeptObjectsConfigKey mirrors JGit's PackConfig.isPackKeptObjects()
// (backed by the `gc.packKeptObjects` git config key): when true, objects
// already covered by a `.keep`-marked pack are repacked into the new pack
// instead of being excluded from it (spec §4.2 step 3's "unless configured
// to repack kept objects").
const packKeptObjectsConfigKey = "gc.packKeptObjects"

type objectSet struct {
	allHeads                packid.Set
	allTags                 packid.Set
	allHeadsAndTags         packid.Set
	nonHeads                packid.Set
	tagTargets              packid.Set
	excludedByKeep          packid.Set
	refsToExcludeFromBitmap packid.Set
}

// computeObjectSet implements spec §4.2 steps 1-3.
func (b *Builder) computeObjectSet(ctx context.Context) (objectSet, error) {
	refs, err := b.repo.ListRefs(ctx)
	if err != nil {
		return objectSet{}, fmt.Errorf("bitmapbuilder: list refs: %w", err)
	}

	allHeads := packid.Set{}
	allTags := packid.Set{}
	other := packid.Set{}
	tagTargets := packid.Set{}

	for _, ref := range refs {
		switch ref.Kind {
		case gitrepo.RefHead:
			allHeads.Add(ref.Target)
		case gitrepo.RefTag:
			allTags.Add(ref.Target)
			if ref.PeeledTarget != nil {
				tagTargets.Add(*ref.PeeledTarget)
			} else {
				tagTargets.Add(ref.Target)
			}
		default:
			other.Add(ref.Target)
		}
	}

	// allTags excludes anything that is also a head (spec §4.2 step 2).
	for id := range allHeads {
		delete(allTags, id)
	}

	allHeadsAndTags := union(allHeads, allTags)
	for id := range allHeadsAndTags {
		tagTargets.Add(id)
	}

	nonHeads := packid.Set{}
	for id := range other {
		nonHeads.Add(id)
	}

	for _, ref := range refs {
		entries, err := b.repo.ReflogEntries(ctx, ref.Name)
		if err != nil {
			return objectSet{}, fmt.Errorf("bitmapbuilder: reflog entries for %s: %w", ref.Name, err)
		}
		for _, id := range entries {
			nonHeads.Add(id)
		}
	}

	indexObjects, err := b.repo.IndexObjects(ctx)
	if err != nil {
		return objectSet{}, fmt.Errorf("bitmapbuilder: index objects: %w", err)
	}
	for _, id := range indexObjects {
		nonHeads.Add(id)
	}

	keptIDs, err := b.repo.KeptPackIndexes(ctx)
	if err != nil {
		return objectSet{}, fmt.Errorf("bitmapbuilder: kept pack indexes: %w", err)
	}

	packKeptObjectsRaw, present, err := b.repo.ConfigValue(ctx, packKeptObjectsConfigKey)
	if err != nil {
		return objectSet{}, fmt.Errorf("bitmapbuilder: read %s: %w", packKeptObjectsConfigKey, err)
	}
	packKeptObjects := present && strings.EqualFold(strings.TrimSpace(packKeptObjectsRaw), "true")

	excludedByKeep := packid.Set{}
	if !packKeptObjects {
		excludedByKeep = packid.NewSet(keptIDs...)
	}

	prefixes, err := b.repo.ConfigValues(ctx, bitmapExcludedRefPrefixesConfigKey)
	if err != nil {
		return objectSet{}, fmt.Errorf("bitmapbuilder: read %s: %w", bitmapExcludedRefPrefixesConfigKey, err)
	}
	refsToExcludeFromBitmap := packid.Set{}
	for _, ref := range refs {
		for _, prefix := range prefixes {
			if strings.HasPrefix(ref.Name, prefix) {
				refsToExcludeFromBitmap.Add(ref.Target)
				break
			}
		}
	}

	return objectSet{
		allHeads:                allHeads,
		allTags:                 allTags,
		allHeadsAndTags:         allHeadsAndTags,
		nonHeads:                nonHeads,
		tagTargets:              tagTargets,
		excludedByKeep:          excludedByKeep,
		refsToExcludeFromBitmap: refsToExcludeFromBitmap,
	}, nil
}

func union(a, b packid.Set) packid.Set {
	out := make(packid.Set, len(a)+len(b))
	for id := range a {
		out.Add(id)
	}
	for id := range b {
		out.Add(id)
	}
	return out
}

func tempBasename() string {
	return fmt.Sprintf("gc_%d_tmp", os.Getpid())
}

// publish performs the atomic-rename sequence of spec §4.2 step 5: the pack
// is renamed first, then the bitmap, with the index renamed last so that a
// concurrent pack scanner never observes an index without its pack.
func publish(packDir string, written gitrepo.PackObjectsResult) (gitrepo.PackObjectsResult, error) {
	id := written.ID
	published := gitrepo.PackObjectsResult{
		ID:          id,
		ObjectCount: written.ObjectCount,
		PackPath:    filepath.Join(packDir, id.PackFilename()),
		IndexPath:   filepath.Join(packDir, id.IndexFilename()),
	}

	if err := finalizeAndRename(written.PackPath, published.PackPath); err != nil {
		return gitrepo.PackObjectsResult{}, err
	}

	if written.BitmapPath != "" {
		published.BitmapPath = filepath.Join(packDir, id.BitmapFilename())
		if err := finalizeAndRename(written.BitmapPath, published.BitmapPath); err != nil {
			return gitrepo.PackObjectsResult{}, err
		}
	}

	if err := finalizeAndRename(written.IndexPath, published.IndexPath); err != nil {
		return gitrepo.PackObjectsResult{}, err
	}

	return published, nil
}

// finalizeAndRename fsyncs src, makes it read-only, and atomically renames
// it to dst. It falls back to a copy-then-remove into dst when the
// filesystem refuses a same-directory rename (the defensive fallback spec
// §4.1/§4.2 both call for).
func finalizeAndRename(src, dst string) error {
	if err := fsync(src); err != nil {
		return err
	}
	if err := os.Chmod(src, 0o444); err != nil {
		return err
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o444); err != nil {
		return err
	}
	return os.Remove(src)
}

func fsync(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// waitForMonotonicMtime guards against "racy pack" false negatives (spec
// §4.2 step 6): a concurrent scanner stat()-ing the new pack immediately
// after publish could observe an mtime equal to its own read of the
// filesystem clock. We wait until the clock has visibly advanced past the
// pack's mtime, bounded so a misbehaving clock cannot hang the action.
func waitForMonotonicMtime(packDir string, id packid.PackId) {
	info, err := os.Stat(filepath.Join(packDir, id.PackFilename()))
	if err != nil {
		return
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if time.Now().After(info.ModTime()) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// verifyPublished re-opens the published pack, index and bitmap to confirm
// they are well-formed before the caller reports them as produced (spec
// §4.2 step 7, "open and return the published pack(s)"). When a bitmap was
// written, this goes beyond opening the file: it decodes every bitmap row
// and labels each object in the pack, which fails loudly if the bitmap and
// the index it was written for ever disagree about the pack's contents.
func verifyPublished(packDir string, published gitrepo.PackObjectsResult) error {
	idx, err := packfile.ReadIndex(published.IndexPath)
	if err != nil {
		return fmt.Errorf("reopen index: %w", err)
	}
	if idx.PackID != published.ID {
		return fmt.Errorf("reopened index names pack %s, expected %s", idx.PackID, published.ID)
	}
	if len(idx.Objects) != published.ObjectCount {
		return fmt.Errorf("reopened index has %d objects, pack-objects reported %d", len(idx.Objects), published.ObjectCount)
	}

	if published.BitmapPath != "" {
		if err := idx.LabelObjectTypes(); err != nil {
			return fmt.Errorf("reopen bitmap: %w", err)
		}
	}

	return nil
}

func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return structerr.Cancelled("bitmapbuilder: %v", ctx.Err())
	default:
		return nil
	}
}
