// Package housekeeping adapts Gitaly's stray-temp-file sweep
// (internal/helper/housekeeping in the teacher repo) to this program's own
// temp-file naming, plus the two thin library-primitive actions spec §1
// calls out as having "no design of their own": plain garbage collection
// and ref-pack compaction.
package housekeeping

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/GerritForge/ghs-actions-executor/internal/log"
)

// staleGCTempFileAge is how old a leftover "gc_*_tmp*" artifact in the pack
// directory must be before BitmapBuilder's cleanup phase removes it
// (spec §4.2 step 8).
const staleGCTempFileAge = 24 * time.Hour

// CleanStaleGCTempFiles removes leftover "gc_*_tmp*" files directly inside
// packDir whose mtime is older than staleGCTempFileAge: entries a crashed
// or killed BitmapBuilder invocation left behind mid-write. It does not
// recurse, mirroring the teacher's directory-scoped walk but bounded to a
// single directory since pack directories have no subdirectories of
// interest here (preserved/ is a sibling, not descended into).
func CleanStaleGCTempFiles(packDir string, logger log.Logger) (int, error) {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed, failures := 0, 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		if !isStaleGCTemp(entry.Name(), info.ModTime()) {
			continue
		}

		path := filepath.Join(packDir, entry.Name())
		if err := forceRemove(path); err != nil {
			failures++
			logger.WithField("path", path).WithError(err).Warn("unable to remove stray gc temp file")
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.WithFields(log.Fields{"removed": removed, "failures": failures}).Info("cleaned stale gc temp files")
	}

	return removed, nil
}

func isStaleGCTemp(base string, modTime time.Time) bool {
	return strings.HasPrefix(base, "gc_") && strings.Contains(base, "_tmp") &&
		time.Since(modTime) >= staleGCTempFileAge
}

// forceRemove deletes path, retrying once after recursively chmod'ing any
// directories that refused removal due to permissions.
func forceRemove(path string) error {
	if err := os.RemoveAll(path); err == nil {
		return nil
	}

	if err := fixDirectoryPermissions(path, nil); err != nil {
		return err
	}

	return os.RemoveAll(path)
}

func fixDirectoryPermissions(path string, retried map[string]struct{}) error {
	if retried == nil {
		retried = make(map[string]struct{})
	}

	return filepath.Walk(path, func(p string, info os.FileInfo, errIncoming error) error {
		if info == nil || !info.IsDir() || info.Mode()&0o700 >= 0o700 {
			return nil
		}

		if err := os.Chmod(p, info.Mode()|0o700); err != nil {
			return err
		}

		if _, seen := retried[p]; !seen && os.IsPermission(errIncoming) {
			retried[p] = struct{}{}
			return fixDirectoryPermissions(p, retried)
		}

		return nil
	})
}
