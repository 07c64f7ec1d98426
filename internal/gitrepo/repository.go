// Package gitrepo describes, and implements via the system git binary, the
// external collaborator contract the bitmap lifecycle core depends on
// (spec §1): ref/reflog/index enumeration, pack-with-bitmap writing, and
// the git-config reads the core performs directly.
//
// Gitaly itself never reimplements pack writing or ref walking in Go for
// this class of maintenance task — it shells out to the system git binary
// (see internal/git/housekeeping/objects.go's use of repo.ExecAndWait).
// CLIRepository follows the same idiom.
package gitrepo

import (
	"context"

	"github.com/GerritForge/ghs-actions-executor/internal/packid"
)

// RefKind classifies a ref the way BitmapBuilder's object-set computation
// needs (spec §4.2 step 1).
type RefKind int

const (
	RefOther RefKind = iota
	RefHead
	RefTag
)

// Ref is a single resolved, non-symbolic reference.
type Ref struct {
	Name         string
	Kind         RefKind
	Target       packid.PackId
	PeeledTarget *packid.PackId // set for annotated tags, the id the tag points at
}

// PackObjectsRequest is the input to a single `git pack-objects` invocation
// (spec §4.2 step 4).
//
// The Java original's writePack also threads a "noBitmap" set (allTags
// unioned with refsToExcludeFromBitmap, spec §4.2 steps 2 and 4) into
// JGit's PackWriter, which can mark specific already-selected commits as
// exempt from receiving their own bitmap row. That is a PackWriter-internal
// bitmap-construction optimization with no equivalent `git pack-objects`
// flag: plain git always lets its own bitmap writer pick which commits get
// a stored bitmap. There is accordingly no field here for it; see DESIGN.md.
type PackObjectsRequest struct {
	// Want are the objects (and everything reachable from them) the new
	// pack must contain.
	Want []packid.PackId
	// TagTargets are ids (peeled tag targets plus heads ∪ tags) pack-objects
	// should consider when deciding which annotated tags to include
	// alongside the objects they point at. A non-empty TagTargets enables
	// `--include-tag`.
	TagTargets []packid.PackId
	// ExcludeObjects are ids already covered by a `.keep`-marked pack and
	// should not be duplicated into the new pack.
	ExcludeObjects []packid.PackId
	// CreateBitmap requests a .bitmap sibling for the produced pack.
	CreateBitmap bool
	// OutputDir is the directory (normally <repo>/objects/pack) the
	// temporary pack/index/bitmap files are written into.
	OutputDir string
	// TempBasename is the "gc_<pid>_tmp" basename pack-objects
	// writes its output under, prior to the BitmapBuilder's atomic rename.
	TempBasename string
}

// PackObjectsResult reports what a WritePackWithBitmap call produced.
type PackObjectsResult struct {
	ID          packid.PackId
	ObjectCount int
	PackPath    string
	IndexPath   string
	BitmapPath  string // empty when CreateBitmap was false or yielded nothing
}

// Lock is the PID-lock contract BitmapBuilder/Preserver/PruneOrchestrator
// depend on as an interface rather than a concrete type (internal/pidlock
// is the production implementation).
type Lock interface {
	TryAcquire() (bool, error)
	Release() error
}

// Repository is the external Git collaborator contract (spec §1).
type Repository interface {
	// ListRefs enumerates every non-symbolic, non-null ref.
	ListRefs(ctx context.Context) ([]Ref, error)
	// ReflogEntries returns, newest first, the commits referenced by ref's
	// reflog.
	ReflogEntries(ctx context.Context, ref string) ([]packid.PackId, error)
	// IndexObjects returns working-tree index objects not reachable from
	// HEAD.
	IndexObjects(ctx context.Context) ([]packid.PackId, error)
	// KeptPackIndexes returns the ids of packs carrying a `.keep` marker.
	KeptPackIndexes(ctx context.Context) ([]packid.PackId, error)
	// PackDir returns the repository's objects/pack directory.
	PackDir(ctx context.Context) (string, error)
	// ObjectsDir returns the repository's objects directory.
	ObjectsDir(ctx context.Context) (string, error)
	// ConfigValue reads a single config key; present is false if the key is
	// unset.
	ConfigValue(ctx context.Context, key string) (value string, present bool, err error)
	// ConfigValues reads every value of a multi-valued config key (e.g. a
	// `pack.bitmapExcludedRefPrefixes` configured more than once), oldest
	// first. An unset key returns a nil slice, not an error.
	ConfigValues(ctx context.Context, key string) ([]string, error)
	// WritePackWithBitmap invokes the pack writer.
	WritePackWithBitmap(ctx context.Context, req PackObjectsRequest) (PackObjectsResult, error)
	// RunGC invokes a plain garbage collection (spec §1's GC non-goal,
	// reachable only as a thin CLI action).
	RunGC(ctx context.Context, verbose bool) error
	// PackRefs compacts loose refs into the packed-refs file (the other
	// thin CLI action named in spec §1).
	PackRefs(ctx context.Context) error
}
