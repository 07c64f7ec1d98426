package pruneorchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GerritForge/ghs-actions-executor/internal/gitrepo"
	"github.com/GerritForge/ghs-actions-executor/internal/log"
	"github.com/GerritForge/ghs-actions-executor/internal/packid"
	"github.com/GerritForge/ghs-actions-executor/internal/packlog"
	"github.com/GerritForge/ghs-actions-executor/internal/preserver"
)

type fakeRepo struct {
	gitrepo.Repository
	packDir string
}

func (f *fakeRepo) PackDir(ctx context.Context) (string, error) { return f.packDir, nil }

type alwaysLock struct{}

func (alwaysLock) TryAcquire() (bool, error) { return true, nil }
func (alwaysLock) Release() error            { return nil }

type neverLock struct{}

func (neverLock) TryAcquire() (bool, error) { return false, nil }
func (neverLock) Release() error            { return nil }

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

func writePackTriple(t *testing.T, dir string, id packid.PackId) {
	t.Helper()
	for _, name := range []string{id.PackFilename(), id.IndexFilename(), id.BitmapFilename()} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
}

func setup(t *testing.T) (repoPath, packDir string, plog *packlog.Log) {
	t.Helper()
	repoPath = t.TempDir()
	packDir = filepath.Join(repoPath, "objects", "pack")
	require.NoError(t, os.MkdirAll(packDir, 0o755))
	return repoPath, packDir, packlog.New(log.New("test"))
}

func TestRun_SkipsWhenLockHeld(t *testing.T) {
	repoPath, packDir, plog := setup(t)
	repo := &fakeRepo{packDir: packDir}
	o := New(repo, plog, func(string) gitrepo.Lock { return neverLock{} }, log.New("test"))

	res, err := o.Run(context.Background(), repoPath)
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestRun_SkipsWhenNoLogToSnapshot(t *testing.T) {
	repoPath, packDir, plog := setup(t)
	repo := &fakeRepo{packDir: packDir}
	o := New(repo, plog, func(string) gitrepo.Lock { return alwaysLock{} }, log.New("test"))

	res, err := o.Run(context.Background(), repoPath)
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestRun_KeepsOnlySecondToLastAndLast(t *testing.T) {
	repoPath, packDir, plog := setup(t)
	objectsDir := filepath.Join(repoPath, "objects")

	oldest := mustID(t, 1)
	secondToLast := mustID(t, 2)
	last := mustID(t, 3)

	for _, id := range []packid.PackId{oldest, secondToLast, last} {
		writePackTriple(t, packDir, id)
	}
	require.NoError(t, plog.Append(objectsDir, []packid.PackId{oldest, secondToLast, last}))

	repo := &fakeRepo{packDir: packDir}
	o := New(repo, plog, func(string) gitrepo.Lock { return alwaysLock{} }, log.New("test"))

	res, err := o.Run(context.Background(), repoPath)
	require.NoError(t, err)
	require.False(t, res.Skipped)

	// oldest is fully deleted from the active pack dir.
	_, err = os.Stat(filepath.Join(packDir, oldest.PackFilename()))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(packDir, preserver.PreservedDirName, oldest.PackFilename()))
	require.True(t, os.IsNotExist(err), "oldest must not be preserved, only deleted")

	// secondToLast moved to preserved/.
	_, err = os.Stat(filepath.Join(packDir, secondToLast.PackFilename()))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(packDir, preserver.PreservedDirName, secondToLast.PackFilename()))
	require.NoError(t, err)

	// last remains untouched in the active pack dir.
	_, err = os.Stat(filepath.Join(packDir, last.PackFilename()))
	require.NoError(t, err)

	ids, err := plog.ReadAllOrdered(packlog.Path(repoPath))
	require.NoError(t, err)
	require.Equal(t, []packid.PackId{secondToLast, last}, ids)
}

func TestRun_CleansUpStalePreservedCopiesOfOlderEntries(t *testing.T) {
	repoPath, packDir, plog := setup(t)
	objectsDir := filepath.Join(repoPath, "objects")
	preservedDir := filepath.Join(packDir, preserver.PreservedDirName)
	require.NoError(t, os.MkdirAll(preservedDir, 0o755))

	stale := mustID(t, 9)
	secondToLast := mustID(t, 2)
	last := mustID(t, 3)

	// stale was preserved by an earlier prune/preserve run, but is now
	// older than the new second-to-last entry.
	writePackTriple(t, preservedDir, stale)
	writePackTriple(t, packDir, secondToLast)
	writePackTriple(t, packDir, last)
	require.NoError(t, plog.Append(objectsDir, []packid.PackId{stale, secondToLast, last}))

	repo := &fakeRepo{packDir: packDir}
	o := New(repo, plog, func(string) gitrepo.Lock { return alwaysLock{} }, log.New("test"))

	_, err := o.Run(context.Background(), repoPath)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(preservedDir, stale.PackFilename()))
	require.True(t, os.IsNotExist(err), "stale preserved copy of a dropped entry must be cleaned up")
}

func TestRun_SingleEntryLogKeepsItAsLast(t *testing.T) {
	repoPath, packDir, plog := setup(t)
	objectsDir := filepath.Join(repoPath, "objects")

	only := mustID(t, 5)
	writePackTriple(t, packDir, only)
	require.NoError(t, plog.Append(objectsDir, []packid.PackId{only}))

	repo := &fakeRepo{packDir: packDir}
	o := New(repo, plog, func(string) gitrepo.Lock { return alwaysLock{} }, log.New("test"))

	_, err := o.Run(context.Background(), repoPath)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(packDir, only.PackFilename()))
	require.NoError(t, err, "sole entry is treated as last and stays active")

	ids, err := plog.ReadAllOrdered(packlog.Path(repoPath))
	require.NoError(t, err)
	require.Equal(t, []packid.PackId{only}, ids)
}
