// Package action wires the four bitmap-lifecycle components plus the two
// thin housekeeping passthroughs into the single flat result protocol the
// CLI speaks (spec §6/§7): an explicit name-to-function table replacing the
// Java original's reflective Class.forName dispatch (spec §9).
package action

import (
	"context"
	"encoding/json"
	"time"

	"github.com/GerritForge/ghs-actions-executor/internal/bitmapbuilder"
	"github.com/GerritForge/ghs-actions-executor/internal/gitrepo"
	"github.com/GerritForge/ghs-actions-executor/internal/housekeeping"
	"github.com/GerritForge/ghs-actions-executor/internal/log"
	"github.com/GerritForge/ghs-actions-executor/internal/packlog"
	"github.com/GerritForge/ghs-actions-executor/internal/pidlock"
	"github.com/GerritForge/ghs-actions-executor/internal/preserver"
	"github.com/GerritForge/ghs-actions-executor/internal/pruneorchestrator"
	"github.com/GerritForge/ghs-actions-executor/internal/stats"
	"github.com/GerritForge/ghs-actions-executor/internal/structerr"
)

// Result is the Go analogue of the Java original's ActionResult: a
// successful flag plus an optional human-readable message (spec §9,
// "represent optional messages with an explicit optional value" — an empty
// string serializes as absent via omitempty, which is sufficient here since
// the protocol never needs to distinguish "" from "no message").
type Result struct {
	Successful bool   `json:"successful"`
	Message    string `json:"message,omitempty"`
}

// ExecutionResult is the top-level result JSON written to the output file
// (spec §6): {"action":{...},"stats":{"cpuTimeNs":...,"wallTimeMs":...}}.
type ExecutionResult struct {
	Action Result      `json:"action"`
	Stats  stats.Result `json:"stats"`
}

// ToJSON serializes the result. encoding/json is a deliberate stdlib
// fallback here: no JSON library appears anywhere in the retrieval pack's
// non-vendored code, so there is nothing third-party to wire for a
// one-shot marshal of three flat fields (see DESIGN.md).
func (e ExecutionResult) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Env bundles everything an action needs to run against one repository
// invocation. It is built once per CLI invocation (internal/cli) and handed
// to whichever action name was requested.
type Env struct {
	Repo       gitrepo.Repository
	RepoPath   string
	Log        *packlog.Log
	Logger     log.Logger
	SinglePack bool
	Verbose    bool
	// Metrics is optional: nil disables instrumentation (as in unit tests
	// that construct an Env by hand without internal/cli's wiring).
	Metrics *housekeeping.Metrics
}

func (e Env) lock() gitrepo.Lock {
	return pidlock.New(e.RepoPath)
}

// Func is the shape every dispatchable action has.
type Func func(ctx context.Context, env Env) Result

// Registry maps the five CLI action names (spec §6) to their
// implementations. Looking up an unknown name is the caller's
// responsibility (internal/cli reports a usage error).
var Registry = map[string]Func{
	"BitmapGenerationAction":        BitmapGeneration,
	"GarbageCollectionAction":       GarbageCollection,
	"PackRefsAction":                PackRefs,
	"PreserveOutdatedBitmapsAction": PreserveOutdatedBitmaps,
	"PruneOutdatedBitmapsAction":    PruneOutdatedBitmaps,
}

// withMetrics times fn and, when env.Metrics is set, records the outcome on
// the shared ghs_bitmap_tasks_total/ghs_bitmap_tasks_latency_seconds series
// (internal/housekeeping.Metrics) under actionName.
func withMetrics(env Env, actionName string, fn func() Result) Result {
	start := time.Now()
	res := fn()

	if env.Metrics != nil {
		status := "success"
		if !res.Successful {
			status = "failure"
		}
		env.Metrics.TasksTotal.WithLabelValues(actionName, status).Inc()
		env.Metrics.TasksLatency.WithLabelValues(actionName).Observe(time.Since(start).Seconds())
	}

	return res
}

// BitmapGeneration runs C2 (spec §4.2).
func BitmapGeneration(ctx context.Context, env Env) Result {
	return withMetrics(env, "BitmapGenerationAction", func() Result {
		b := bitmapbuilder.New(env.Repo, env.Log, func(string) gitrepo.Lock { return env.lock() }, env.Logger, env.SinglePack)

		res, err := b.Run(ctx, env.RepoPath)
		if err != nil {
			return Result{Successful: false, Message: err.Error()}
		}
		if res.Skipped {
			skipped := structerr.New(structerr.ErrBitmapAlreadyOngoing, "bitmap generation skipped: gc lock held by another process")
			return Result{Successful: true, Message: skipped.Error()}
		}
		return Result{Successful: true}
	})
}

// GarbageCollection runs the thin `git gc` passthrough (spec §1 non-goal).
func GarbageCollection(ctx context.Context, env Env) Result {
	return withMetrics(env, "GarbageCollectionAction", func() Result {
		if err := housekeeping.GarbageCollect(ctx, env.Repo, env.Verbose); err != nil {
			return Result{Successful: false, Message: err.Error()}
		}
		return Result{Successful: true}
	})
}

// PackRefs runs the thin `git pack-refs --all` passthrough (spec §1
// non-goal).
func PackRefs(ctx context.Context, env Env) Result {
	return withMetrics(env, "PackRefsAction", func() Result {
		if err := housekeeping.PackRefs(ctx, env.Repo); err != nil {
			return Result{Successful: false, Message: err.Error()}
		}
		return Result{Successful: true}
	})
}

// PreserveOutdatedBitmaps runs C3 (spec §4.3).
//
// spec §4.3 step 1 and spec §7's GcLockHeld taxonomy entry disagree about
// whether a held gc lock should be reported as a successful-but-skipped
// ActionResult or a failed one; this follows §4.3's per-component wording
// over §7's general taxonomy table (see DESIGN.md's Open Questions).
func PreserveOutdatedBitmaps(ctx context.Context, env Env) Result {
	return withMetrics(env, "PreserveOutdatedBitmapsAction", func() Result {
		p := preserver.New(env.Repo, env.Log, func(string) gitrepo.Lock { return env.lock() }, env.Logger)

		res, err := p.Run(ctx, env.RepoPath)
		if err != nil {
			return Result{Successful: false, Message: err.Error()}
		}
		if res.Skipped {
			skipped := structerr.New(structerr.ErrGCLockHeld, "preserve outdated bitmaps skipped: nothing to do or gc lock held")
			return Result{Successful: true, Message: skipped.Error()}
		}
		if env.Metrics != nil && res.PreservedFiles > 0 {
			env.Metrics.PreservedPacksTotal.Add(float64(res.PreservedFiles))
		}
		return Result{Successful: true}
	})
}

// PruneOutdatedBitmaps runs C4, the legacy second-to-last/last variant
// (spec §4.4).
func PruneOutdatedBitmaps(ctx context.Context, env Env) Result {
	return withMetrics(env, "PruneOutdatedBitmapsAction", func() Result {
		o := pruneorchestrator.New(env.Repo, env.Log, func(string) gitrepo.Lock { return env.lock() }, env.Logger)

		res, err := o.Run(ctx, env.RepoPath)
		if err != nil {
			return Result{Successful: false, Message: err.Error()}
		}
		if res.Skipped {
			skipped := structerr.New(structerr.ErrGCLockHeld, "prune outdated bitmaps skipped: nothing to do or gc lock held")
			return Result{Successful: true, Message: skipped.Error()}
		}
		if env.Metrics != nil && res.FilesProcessed > 0 {
			env.Metrics.PrunedPacksTotal.Add(float64(res.FilesProcessed))
		}
		return Result{Successful: true}
	})
}
