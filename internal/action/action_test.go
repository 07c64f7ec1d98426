package action

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GerritForge/ghs-actions-executor/internal/gitrepo"
	"github.com/GerritForge/ghs-actions-executor/internal/log"
	"github.com/GerritForge/ghs-actions-executor/internal/packlog"
	"github.com/GerritForge/ghs-actions-executor/internal/stats"
)

type noopRepo struct {
	gitrepo.Repository
	gcCalled, packRefsCalled bool
	packDir                  string
}

func (r *noopRepo) RunGC(ctx context.Context, verbose bool) error {
	r.gcCalled = true
	return nil
}

func (r *noopRepo) PackRefs(ctx context.Context) error {
	r.packRefsCalled = true
	return nil
}

func (r *noopRepo) PackDir(ctx context.Context) (string, error) { return r.packDir, nil }

func (r *noopRepo) ConfigValue(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func TestRegistry_HasAllFiveActions(t *testing.T) {
	for _, name := range []string{
		"BitmapGenerationAction",
		"GarbageCollectionAction",
		"PackRefsAction",
		"PreserveOutdatedBitmapsAction",
		"PruneOutdatedBitmapsAction",
	} {
		_, ok := Registry[name]
		require.True(t, ok, "missing action %s", name)
	}
}

func TestGarbageCollection_DelegatesToRepository(t *testing.T) {
	repo := &noopRepo{}
	env := Env{Repo: repo, RepoPath: t.TempDir(), Logger: log.New("test")}

	res := GarbageCollection(context.Background(), env)
	require.True(t, res.Successful)
	require.True(t, repo.gcCalled)
}

func TestPackRefs_DelegatesToRepository(t *testing.T) {
	repo := &noopRepo{}
	env := Env{Repo: repo, RepoPath: t.TempDir(), Logger: log.New("test")}

	res := PackRefs(context.Background(), env)
	require.True(t, res.Successful)
	require.True(t, repo.packRefsCalled)
}

func TestExecutionResult_ToJSON(t *testing.T) {
	er := ExecutionResult{
		Action: Result{Successful: true},
		Stats:  stats.Result{CPUTimeNs: 1, WallTimeMs: 2},
	}

	data, err := er.ToJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"action":{"successful":true},"stats":{"cpuTimeNs":1,"wallTimeMs":2}}`, string(data))
}

func TestPreserveOutdatedBitmaps_SkipsWithNoLog(t *testing.T) {
	repoPath := t.TempDir()
	repo := &noopRepo{packDir: filepath.Join(repoPath, "objects", "pack")}
	env := Env{
		Repo:     repo,
		RepoPath: repoPath,
		Log:      packlog.New(log.New("test")),
		Logger:   log.New("test"),
	}

	res := PreserveOutdatedBitmaps(context.Background(), env)
	require.True(t, res.Successful)
	require.NotEmpty(t, res.Message)
}
