// Package packfile reads back a published pack triple (.pack/.idx/.bitmap)
// so bitmapbuilder.verifyPublished can confirm what BitmapBuilder just wrote
// is well-formed before reporting it as produced (spec §4.2 step 7).
package packfile

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/GerritForge/ghs-actions-executor/internal/packid"
)

const checksumSize = sha1.Size

// packIndexPathPattern splits an ".../pack-<id>.idx" path into its
// directory-plus-prefix and its 40-character hex pack id.
var packIndexPathPattern = regexp.MustCompile(`\A(.*/pack-)([0-9a-f]{40})\.idx\z`)

// Index is a pack's .idx file read back into memory, plus its decoded
// .bitmap sibling once LoadBitmap has been called.
type Index struct {
	// PackID is the id both the .idx and the .pack file are named after,
	// and the value verifyPublished compares against the id BitmapBuilder
	// believes it just wrote.
	PackID        packid.PackId
	packBase      string
	Objects       []*Object
	PackfileOrder []*Object
	*BitmapIndex
}

// ReadIndex opens the .idx file named by idxPath, cross-checks it against
// its sibling .pack file's header and trailing checksum, and reads every
// (object id, pack offset) pair out of it via `git show-index`.
func ReadIndex(idxPath string) (*Index, error) {
	m := packIndexPathPattern.FindStringSubmatch(idxPath)
	if len(m) == 0 {
		return nil, fmt.Errorf("packfile: not a pack index path: %q", idxPath)
	}

	id, err := packid.FromHex(m[2])
	if err != nil {
		return nil, fmt.Errorf("packfile: %s: %w", idxPath, err)
	}
	idx := &Index{packBase: m[1] + m[2], PackID: id}

	f, err := os.Open(idx.packBase + ".idx")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(-2*checksumSize, io.SeekEnd); err != nil {
		return nil, err
	}
	trailerRaw, err := readN(f, checksumSize)
	if err != nil {
		return nil, err
	}
	trailer, err := packid.FromRaw(trailerRaw)
	if err != nil {
		return nil, err
	}
	if trailer != idx.PackID {
		return nil, fmt.Errorf("packfile: %s names pack %s but its own trailer reads %s", idxPath, idx.PackID, trailer)
	}

	count, err := idx.packObjectCount()
	if err != nil {
		return nil, err
	}
	if count > math.MaxInt32 {
		return nil, fmt.Errorf("packfile: %d objects exceeds what a Go slice index can address", count)
	}
	idx.Objects = make([]*Object, count)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := idx.readObjectTable(f); err != nil {
		return nil, err
	}

	return idx, nil
}

// readObjectTable runs `git show-index` against the still-open .idx file
// handle and fills idx.Objects from its "<offset> <oid>" output lines.
func (idx *Index) readObjectTable(idxFile *os.File) error {
	cmd := exec.Command("git", "show-index")
	cmd.Stdin = idxFile

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	n := 0
	for ; scanner.Scan(); n++ {
		if n >= len(idx.Objects) {
			return fmt.Errorf("packfile: git show-index produced more than the %d objects the pack header promised", len(idx.Objects))
		}

		line := scanner.Text()
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return fmt.Errorf("packfile: unparseable git show-index line: %q", line)
		}

		offset, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return err
		}
		id, err := packid.FromHex(fields[1])
		if err != nil {
			return fmt.Errorf("packfile: git show-index object id: %w", err)
		}

		idx.Objects[n] = &Object{ID: id, Offset: offset}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := cmd.Wait(); err != nil {
		return err
	}
	if n != len(idx.Objects) {
		return fmt.Errorf("packfile: pack header promised %d objects, git show-index produced %d", len(idx.Objects), n)
	}

	return nil
}

func (idx *Index) packObjectCount() (uint32, error) {
	f, err := idx.openPackfile()
	if err != nil {
		return 0, err
	}
	defer f.Close()

	const objectCountOffset = 8
	if _, err := f.Seek(objectCountOffset, io.SeekStart); err != nil {
		return 0, err
	}
	return readUint32(f)
}

// openPackfile opens the sibling .pack file and validates its version-2
// header and trailing checksum against idx.PackID before handing back a
// handle positioned at the start of the file.
func (idx *Index) openPackfile() (f *os.File, err error) {
	f, err = os.Open(idx.packBase + ".pack")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	const packSignature = "PACK\x00\x00\x00\x02"
	header, err := readN(f, len(packSignature))
	if err != nil {
		return nil, err
	}
	if string(header) != packSignature {
		return nil, fmt.Errorf("packfile: unexpected pack header %q", header)
	}

	if _, err := f.Seek(-checksumSize, io.SeekEnd); err != nil {
		return nil, err
	}
	trailerRaw, err := readN(f, checksumSize)
	if err != nil {
		return nil, err
	}
	trailer, err := packid.FromRaw(trailerRaw)
	if err != nil {
		return nil, err
	}
	if trailer != idx.PackID {
		return nil, fmt.Errorf("packfile: pack trailer %s does not match index %s", trailer, idx.PackID)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func readUint32(r io.Reader) (uint32, error) {
	buf, err := readN(r, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

func readN(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// BuildPackfileOrder sorts a copy of idx.Objects by pack offset. A bitmap's
// type bitmaps encode bit i as "the i-th object in pack offset order", not
// index order, so LabelObjectTypes needs this before it can line bits up
// against idx.Objects.
func (idx *Index) BuildPackfileOrder() {
	if len(idx.PackfileOrder) > 0 {
		return
	}
	idx.PackfileOrder = make([]*Object, len(idx.Objects))
	copy(idx.PackfileOrder, idx.Objects)
	sort.Slice(idx.PackfileOrder, func(i, j int) bool {
		return idx.PackfileOrder[i].Offset < idx.PackfileOrder[j].Offset
	})
}

// LabelObjectTypes decodes idx's bitmap index (loading it first if not
// already loaded) and uses its four type bitmaps to label every object in
// idx.PackfileOrder. It fails if the bitmap and the index disagree about
// which objects exist or any object goes unlabeled — exactly the kind of
// pack/bitmap mismatch verifyPublished exists to catch (spec §4.2 step 7).
func (idx *Index) LabelObjectTypes() error {
	if err := idx.LoadBitmap(); err != nil {
		return err
	}
	idx.BuildPackfileOrder()

	for _, labeled := range []struct {
		Type   ObjectType
		Bitmap *EWAHBitmap
	}{
		{TCommit, idx.Commits},
		{TTree, idx.Trees},
		{TBlob, idx.Blobs},
		{TTag, idx.Tags},
	} {
		if err := labeled.Bitmap.Scan(func(i int) error {
			if i >= len(idx.PackfileOrder) {
				return fmt.Errorf("packfile: bitmap references object %d, index only has %d", i, len(idx.PackfileOrder))
			}
			obj := idx.PackfileOrder[i]
			if obj.Type != TUnknown {
				return fmt.Errorf("packfile: object %s labeled by more than one bitmap", obj.ID)
			}
			obj.Type = labeled.Type
			return nil
		}); err != nil {
			return err
		}
	}

	for _, obj := range idx.PackfileOrder {
		if obj.Type == TUnknown {
			return fmt.Errorf("packfile: object %s has no type bit set in any bitmap", obj.ID)
		}
	}

	return nil
}
