package preserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GerritForge/ghs-actions-executor/internal/gitrepo"
	"github.com/GerritForge/ghs-actions-executor/internal/log"
	"github.com/GerritForge/ghs-actions-executor/internal/packid"
	"github.com/GerritForge/ghs-actions-executor/internal/packlog"
)

type fakeRepo struct {
	gitrepo.Repository
	packDir      string
	configValue  string
	configIsSet  bool
}

func (f *fakeRepo) PackDir(ctx context.Context) (string, error) { return f.packDir, nil }

func (f *fakeRepo) ConfigValue(ctx context.Context, key string) (string, bool, error) {
	return f.configValue, f.configIsSet, nil
}

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

func writePackTriple(t *testing.T, dir string, id packid.PackId, mtime time.Time) {
	t.Helper()
	for _, name := range []string{id.PackFilename(), id.IndexFilename(), id.BitmapFilename()} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
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
	p := New(repo, plog, func(string) gitrepo.Lock { return neverLock{} }, log.New("test"))

	res, err := p.Run(context.Background(), repoPath)
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestRun_SkipsWhenNoLogToSnapshot(t *testing.T) {
	repoPath, packDir, plog := setup(t)
	repo := &fakeRepo{packDir: packDir}
	p := New(repo, plog, func(string) gitrepo.Lock { return alwaysLock{} }, log.New("test"))

	res, err := p.Run(context.Background(), repoPath)
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestRun_PreservesExpiredPacksAndKeepsMostRecentBitmap(t *testing.T) {
	repoPath, packDir, plog := setup(t)
	objectsDir := filepath.Join(repoPath, "objects")

	old := mustID(t, 1)
	recent := mustID(t, 2)

	writePackTriple(t, packDir, old, time.Now().Add(-2*time.Hour))
	writePackTriple(t, packDir, recent, time.Now())

	require.NoError(t, plog.Append(objectsDir, []packid.PackId{old, recent}))

	repo := &fakeRepo{packDir: packDir, configValue: "now", configIsSet: true}
	p := New(repo, plog, func(string) gitrepo.Lock { return alwaysLock{} }, log.New("test"))

	res, err := p.Run(context.Background(), repoPath)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, 3, res.PreservedFiles)

	_, err = os.Stat(filepath.Join(packDir, old.PackFilename()))
	require.True(t, os.IsNotExist(err), "old pack must have moved out of objects/pack")

	_, err = os.Stat(filepath.Join(packDir, PreservedDirName, old.PackFilename()))
	require.NoError(t, err, "old pack must be in preserved/")

	_, err = os.Stat(filepath.Join(packDir, recent.PackFilename()))
	require.NoError(t, err, "most recent bitmap's pack must remain active")

	ids, err := plog.ReadAllOrdered(packlog.Path(repoPath))
	require.NoError(t, err)
	require.Equal(t, []packid.PackId{recent}, ids)
}

func TestRun_IdempotentOnSecondInvocation(t *testing.T) {
	repoPath, packDir, plog := setup(t)
	objectsDir := filepath.Join(repoPath, "objects")

	old := mustID(t, 1)
	recent := mustID(t, 2)
	writePackTriple(t, packDir, old, time.Now().Add(-2*time.Hour))
	writePackTriple(t, packDir, recent, time.Now())
	require.NoError(t, plog.Append(objectsDir, []packid.PackId{old, recent}))

	repo := &fakeRepo{packDir: packDir, configValue: "now", configIsSet: true}
	p := New(repo, plog, func(string) gitrepo.Lock { return alwaysLock{} }, log.New("test"))

	_, err := p.Run(context.Background(), repoPath)
	require.NoError(t, err)

	res2, err := p.Run(context.Background(), repoPath)
	require.NoError(t, err)
	require.Equal(t, 0, res2.PreservedFiles, "second run must be a no-op once nothing progressed")
}
