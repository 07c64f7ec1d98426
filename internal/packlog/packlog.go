// Package packlog implements C1, the append-only binary log of pack
// identifiers produced by the bitmap builder (spec §3, §4.1). The log is a
// flat sequence of 20-byte records with no header or separators; every
// operation below is a direct Go rendering of the Java original's
// BitmapGenerationLog, generalized to the richer operation set (snapshot,
// rewrite, delete) the redesigned C3/C4 components need.
package packlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/GerritForge/ghs-actions-executor/internal/log"
	"github.com/GerritForge/ghs-actions-executor/internal/packid"
	"github.com/GerritForge/ghs-actions-executor/internal/structerr"
)

// FileName is the basename of the live log, inside "objects/pack/".
const FileName = ".ghs-packs.log"

// Path returns the live log's path for a repository root.
func Path(repoPath string) string {
	return filepath.Join(repoPath, "objects", "pack", FileName)
}

// Log is the C1 component. It is stateless beyond its logger; every
// operation takes the paths it needs explicitly, mirroring the Java
// original's static-method design.
type Log struct {
	logger log.Logger
}

// New returns a Log that reports appended and skipped duplicate ids through
// logger.
func New(logger log.Logger) *Log {
	return &Log{logger: logger}
}

// Append acquires an exclusive lock on the live log under objectsDir/pack,
// reads its existing entries, and appends each of ids not already present,
// in order. It fsyncs before releasing the lock. Duplicates are skipped,
// not an error (spec §4.1).
func (l *Log) Append(objectsDir string, ids []packid.PackId) error {
	path := filepath.Join(objectsDir, "pack", FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return structerr.IOError(err, "packlog: open %s", path)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return err
	}
	defer unlock(f)

	existing, err := readEntries(f)
	if err != nil {
		return err
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return structerr.IOError(err, "packlog: seek %s", path)
	}

	for _, id := range ids {
		if existing.Add(id) {
			if _, err := f.Write(id.Raw()); err != nil {
				return structerr.IOError(err, "packlog: write %s", path)
			}
			l.logger.WithField("pack_id", id.String()).Debug("appended pack id to log")
		} else {
			l.logger.WithField("pack_id", id.String()).Info("pack id already in log: skipping")
		}
	}

	if err := f.Sync(); err != nil {
		return structerr.IOError(err, "packlog: fsync %s", path)
	}

	return nil
}

// ReadAll opens path under an exclusive lock (even readers take the write
// lock, so reads cannot race a concurrent writer, per spec §4.1) and
// returns its entries as a Set.
func (l *Log) ReadAll(path string) (packid.Set, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, structerr.IOError(err, "packlog: open %s", path)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return nil, err
	}
	defer unlock(f)

	return readEntries(f)
}

// ReadAllOrdered is ReadAll plus the original file order, used by C4's
// legacy "second-to-last + last" retention policy which depends on
// publication order rather than set membership.
func (l *Log) ReadAllOrdered(path string) ([]packid.PackId, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, structerr.IOError(err, "packlog: open %s", path)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return nil, err
	}
	defer unlock(f)

	return readOrdered(f)
}

// Snapshot atomically renames the live log to
// "packs.log.<unix-millis>.snapshot" in the same directory, under exclusive
// lock, and returns its path. If the live log does not exist, it returns
// ("", false, nil): spec §4.1's `Option<snapshotPath>`.
func (l *Log) Snapshot(repoPath string) (string, bool, error) {
	livePath := Path(repoPath)

	if _, err := os.Stat(livePath); err != nil {
		if os.IsNotExist(err) {
			l.logger.WithField("path", livePath).Info("no pack log found, skipping snapshot")
			return "", false, nil
		}
		return "", false, structerr.IOError(err, "packlog: stat %s", livePath)
	}

	f, err := os.OpenFile(livePath, os.O_RDWR, 0o644)
	if err != nil {
		return "", false, structerr.IOError(err, "packlog: open %s", livePath)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return "", false, err
	}
	defer unlock(f)

	snapshotPath := filepath.Join(filepath.Dir(livePath), fmt.Sprintf("packs.log.%d.snapshot", nowMillis()))
	if err := atomicRename(livePath, snapshotPath); err != nil {
		return "", false, structerr.IOError(err, "packlog: snapshot rename %s -> %s", livePath, snapshotPath)
	}

	return snapshotPath, true, nil
}

// Rewrite stages keepIds (in caller-provided order) into a temp file in the
// same directory as the live log, fsyncs it, then atomically renames it
// over the live log. The live log is held under exclusive lock for the
// duration so concurrent appends serialize behind the rewrite.
func (l *Log) Rewrite(repoPath string, keepIds []packid.PackId) error {
	livePath := Path(repoPath)

	f, err := os.OpenFile(livePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return structerr.IOError(err, "packlog: open %s", livePath)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return err
	}
	defer unlock(f)

	dir := filepath.Dir(livePath)
	tmp, err := os.CreateTemp(dir, ".ghs-packs.*.tmp")
	if err != nil {
		return structerr.IOError(err, "packlog: create temp rewrite file in %s", dir)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	for _, id := range keepIds {
		if _, err := tmp.Write(id.Raw()); err != nil {
			tmp.Close()
			return structerr.IOError(err, "packlog: write temp rewrite file %s", tmpPath)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return structerr.IOError(err, "packlog: fsync temp rewrite file %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return structerr.IOError(err, "packlog: close temp rewrite file %s", tmpPath)
	}

	if err := atomicRename(tmpPath, livePath); err != nil {
		return structerr.IOError(err, "packlog: rewrite rename %s -> %s", tmpPath, livePath)
	}

	return nil
}

// Delete removes the live log if present, used when C3/C4 compute an empty
// keep set (spec P7).
func (l *Log) Delete(repoPath string) error {
	if err := os.Remove(Path(repoPath)); err != nil && !os.IsNotExist(err) {
		return structerr.IOError(err, "packlog: delete %s", Path(repoPath))
	}
	return nil
}

func readEntries(f *os.File) (packid.Set, error) {
	ordered, err := readOrdered(f)
	if err != nil {
		return nil, err
	}
	set := make(packid.Set, len(ordered))
	for _, id := range ordered {
		set.Add(id)
	}
	return set, nil
}

func readOrdered(f *os.File) ([]packid.PackId, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, structerr.IOError(err, "packlog: stat %s", f.Name())
	}

	size := info.Size()
	if size%packid.Length != 0 {
		return nil, structerr.CorruptLog("packlog: %s size %d is not a multiple of %d", f.Name(), size, packid.Length)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, structerr.IOError(err, "packlog: seek %s", f.Name())
	}

	count := int(size / packid.Length)
	out := make([]packid.PackId, 0, count)
	buf := make([]byte, packid.Length)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return nil, structerr.CorruptLog("packlog: unexpected EOF reading %s", f.Name())
			}
			return nil, structerr.IOError(err, "packlog: read %s", f.Name())
		}
		id, err := packid.FromRaw(buf)
		if err != nil {
			return nil, structerr.CorruptLog("packlog: %s: %v", f.Name(), err)
		}
		out = append(out, id)
	}

	return out, nil
}

func lockExclusive(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return structerr.IOError(err, "packlog: flock %s", f.Name())
	}
	return nil
}

func unlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// atomicRename renames oldPath to newPath, falling back to a copy-then-
// remove if the two paths are not rename-compatible (e.g. cross-device);
// the fallback is defensive, the spec expects same-directory renames to
// always succeed atomically.
func atomicRename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}

	data, err := os.ReadFile(oldPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(newPath, data, 0o644); err != nil {
		return err
	}
	return os.Remove(oldPath)
}

func isCrossDevice(err error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if err == unix.EXDEV {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
