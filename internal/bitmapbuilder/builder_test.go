package bitmapbuilder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GerritForge/ghs-actions-executor/internal/gitrepo"
	"github.com/GerritForge/ghs-actions-executor/internal/packid"
)

func mustID(t *testing.T, b byte) packid.PackId {
	t.Helper()
	raw := make([]byte, packid.Length)
	for i := range raw {
		raw[i] = b
	}
	id, err := packid.FromRaw(raw)
	require.NoError(t, err)
	return id
}

type fakeRepo struct {
	gitrepo.Repository
	refs             []gitrepo.Ref
	reflog           map[string][]packid.PackId
	indexObjects     []packid.PackId
	kept             []packid.PackId
	excludedPrefixes []string
	packKeptObjects  bool
}

func (f *fakeRepo) ListRefs(ctx context.Context) ([]gitrepo.Ref, error) { return f.refs, nil }

func (f *fakeRepo) ConfigValue(ctx context.Context, key string) (string, bool, error) {
	if key == packKeptObjectsConfigKey && f.packKeptObjects {
		return "true", true, nil
	}
	return "", false, nil
}

func (f *fakeRepo) ConfigValues(ctx context.Context, key string) ([]string, error) {
	if key == bitmapExcludedRefPrefixesConfigKey {
		return f.excludedPrefixes, nil
	}
	return nil, nil
}

func (f *fakeRepo) ReflogEntries(ctx context.Context, ref string) ([]packid.PackId, error) {
	return f.reflog[ref], nil
}

func (f *fakeRepo) IndexObjects(ctx context.Context) ([]packid.PackId, error) {
	return f.indexObjects, nil
}

func (f *fakeRepo) KeptPackIndexes(ctx context.Context) ([]packid.PackId, error) {
	return f.kept, nil
}

func TestComputeObjectSet_ClassifiesRefsAndDedupsTagsAgainstHeads(t *testing.T) {
	head := mustID(t, 1)
	tagOnly := mustID(t, 2)
	sharedByHeadAndTag := mustID(t, 3)
	other := mustID(t, 4)

	repo := &fakeRepo{
		refs: []gitrepo.Ref{
			{Name: "refs/heads/main", Kind: gitrepo.RefHead, Target: head},
			{Name: "refs/heads/feature", Kind: gitrepo.RefHead, Target: sharedByHeadAndTag},
			{Name: "refs/tags/v1", Kind: gitrepo.RefTag, Target: tagOnly},
			{Name: "refs/tags/v2", Kind: gitrepo.RefTag, Target: sharedByHeadAndTag},
			{Name: "refs/merge-requests/1/head", Kind: gitrepo.RefOther, Target: other},
		},
		reflog: map[string][]packid.PackId{},
	}

	b := New(repo, nil, nil, nil, false)
	set, err := b.computeObjectSet(context.Background())
	require.NoError(t, err)

	require.True(t, set.allHeads.Contains(head))
	require.True(t, set.allHeads.Contains(sharedByHeadAndTag))
	require.True(t, set.allTags.Contains(tagOnly))
	require.False(t, set.allTags.Contains(sharedByHeadAndTag), "tag target already a head must be excluded from allTags")
	require.True(t, set.allHeadsAndTags.Contains(head))
	require.True(t, set.allHeadsAndTags.Contains(tagOnly))
	require.True(t, set.nonHeads.Contains(other))
}

func TestComputeObjectSet_ExcludesConfiguredRefPrefixesFromBitmap(t *testing.T) {
	head := mustID(t, 1)
	ciTip := mustID(t, 2)

	repo := &fakeRepo{
		refs: []gitrepo.Ref{
			{Name: "refs/heads/main", Kind: gitrepo.RefHead, Target: head},
			{Name: "refs/ci/tmp/build-42", Kind: gitrepo.RefOther, Target: ciTip},
		},
		reflog:           map[string][]packid.PackId{},
		excludedPrefixes: []string{"refs/ci/"},
	}

	b := New(repo, nil, nil, nil, false)
	set, err := b.computeObjectSet(context.Background())
	require.NoError(t, err)

	require.True(t, set.refsToExcludeFromBitmap.Contains(ciTip))
	require.False(t, set.refsToExcludeFromBitmap.Contains(head))
}

func TestComputeObjectSet_ExcludesKeptPackObjectsByDefault(t *testing.T) {
	kept := mustID(t, 5)

	repo := &fakeRepo{
		reflog: map[string][]packid.PackId{},
		kept:   []packid.PackId{kept},
	}

	b := New(repo, nil, nil, nil, false)
	set, err := b.computeObjectSet(context.Background())
	require.NoError(t, err)

	require.True(t, set.excludedByKeep.Contains(kept))
}

func TestComputeObjectSet_RepacksKeptObjectsWhenConfigured(t *testing.T) {
	kept := mustID(t, 5)

	repo := &fakeRepo{
		reflog:          map[string][]packid.PackId{},
		kept:            []packid.PackId{kept},
		packKeptObjects: true,
	}

	b := New(repo, nil, nil, nil, false)
	set, err := b.computeObjectSet(context.Background())
	require.NoError(t, err)

	require.Empty(t, set.excludedByKeep, "gc.packKeptObjects=true must not exclude kept-pack objects from the new pack")
}

func TestUnion(t *testing.T) {
	a := packid.NewSet(mustID(t, 1), mustID(t, 2))
	b := packid.NewSet(mustID(t, 2), mustID(t, 3))

	got := union(a, b)
	require.Len(t, got, 3)
	require.True(t, got.Contains(mustID(t, 1)))
	require.True(t, got.Contains(mustID(t, 3)))
}

func TestFinalizeAndRename_MakesFileReadOnlyAndMoves(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tmp")
	dst := filepath.Join(dir, "dst.pack")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	require.NoError(t, finalizeAndRename(src, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Zero(t, info.Mode().Perm()&0o222, "published file must not be writable")

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}
