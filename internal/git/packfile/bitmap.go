package packfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"os"

	"github.com/GerritForge/ghs-actions-executor/internal/gitio"
	"github.com/GerritForge/ghs-actions-executor/internal/packid"
)

// bitmapOptFullDAG and bitmapOptHashCache are the two flag bits a .bitmap
// header can carry; any other bit set means this reader does not understand
// the file's format.
const (
	bitmapOptFullDAG   = 1
	bitmapOptHashCache = 4
)

// BitmapIndex is the in-memory representation of a .bitmap file: which
// commits, trees, blobs and tags (by position in pack-offset order) the
// pack writer decided to give a stored bitmap.
type BitmapIndex struct {
	Commits *EWAHBitmap
	Trees   *EWAHBitmap
	Blobs   *EWAHBitmap
	Tags    *EWAHBitmap

	commitBitmaps []*commitBitmap
	flags         int
}

// commitBitmap is one row of the bitmap file's commit table: the reachable
// set for a single bitmapped commit, possibly XOR-delta-encoded against an
// earlier row.
type commitBitmap struct {
	CommitID packid.PackId
	*EWAHBitmap
	xorOffset byte
	flags     byte
}

// LoadBitmap reads and decodes idx's sibling .bitmap file, if it has not
// already been loaded.
func (idx *Index) LoadBitmap() error {
	if idx.BitmapIndex != nil {
		return nil
	}

	f, err := os.Open(idx.packBase + ".bitmap")
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(gitio.NewHashfileReader(f))

	bi := &BitmapIndex{}
	if err := bi.parseHeader(r, idx); err != nil {
		return err
	}

	for _, slot := range []**EWAHBitmap{&bi.Commits, &bi.Trees, &bi.Blobs, &bi.Tags} {
		*slot, err = readEWAHBitmap(r)
		if err != nil {
			return err
		}
		if err := (*slot).Unpack(); err != nil {
			return err
		}
	}

	for i := range bi.commitBitmaps {
		const commitRowHeaderLen = 6
		header, err := readN(r, commitRowHeaderLen)
		if err != nil {
			return err
		}

		objectIndex := binary.BigEndian.Uint32(header[:4])
		if int(objectIndex) >= len(idx.Objects) {
			return fmt.Errorf("packfile: bitmap commit table references object %d, index only has %d", objectIndex, len(idx.Objects))
		}

		cb := &commitBitmap{
			CommitID:  idx.Objects[objectIndex].ID,
			xorOffset: header[4],
			flags:     header[5],
		}
		if cb.EWAHBitmap, err = readEWAHBitmap(r); err != nil {
			return err
		}

		bi.commitBitmaps[i] = cb
	}

	if bi.flags&bitmapOptHashCache != 0 {
		for range idx.Objects {
			if _, err := r.Discard(4); err != nil {
				return err
			}
		}
	}

	if _, err := r.Peek(1); err != io.EOF {
		return fmt.Errorf("packfile: expected EOF at end of bitmap file, got %v", err)
	}

	idx.BitmapIndex = bi
	return nil
}

// parseHeader reads the fixed 32-byte .bitmap header: signature, flags,
// commit-table row count, and the pack id the file must agree with.
func (bi *BitmapIndex) parseHeader(r io.Reader, idx *Index) error {
	const headerLen = 32
	header, err := readN(r, headerLen)
	if err != nil {
		return err
	}

	const signature = "BITM\x00\x01"
	if got := string(header[:len(signature)]); got != signature {
		return fmt.Errorf("packfile: unexpected bitmap signature %q", got)
	}
	header = header[len(signature):]

	const flagLen = 2
	bi.flags = int(binary.BigEndian.Uint16(header[:flagLen]))
	header = header[flagLen:]

	const knownFlags = bitmapOptFullDAG | bitmapOptHashCache
	if bi.flags&^knownFlags != 0 || bi.flags&bitmapOptFullDAG == 0 {
		return fmt.Errorf("packfile: bitmap file has unsupported flags %#x", bi.flags)
	}

	const countLen = 4
	count := binary.BigEndian.Uint32(header[:countLen])
	header = header[countLen:]
	bi.commitBitmaps = make([]*commitBitmap, count)

	packID, err := packid.FromRaw(header)
	if err != nil {
		return err
	}
	if packID != idx.PackID {
		return fmt.Errorf("packfile: bitmap file names pack %s, index is for %s", packID, idx.PackID)
	}

	return nil
}

// EWAHBitmap is a decoded EWAH-compressed bitmap: a big.Int with bit i set
// exactly when the object at position i (in whatever ordering the caller
// assigned) is a member.
type EWAHBitmap struct {
	bits  int
	words int
	raw   []byte
	bm    *big.Int
}

// readEWAHBitmap reads one EWAH-encoded bitmap's fixed 8-byte header plus
// its raw word data from r, without decompressing it yet.
func readEWAHBitmap(r io.Reader) (*EWAHBitmap, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	e := &EWAHBitmap{}

	uBits := binary.BigEndian.Uint32(header[:4])
	if uBits > math.MaxInt32 {
		return nil, fmt.Errorf("packfile: bitmap claims %d bits, too many to hold", uBits)
	}
	e.bits = int(uBits)

	uWords := binary.BigEndian.Uint32(header[4:])
	if uWords > math.MaxInt32 {
		return nil, fmt.Errorf("packfile: bitmap claims %d words, too many to hold", uWords)
	}
	e.words = int(uWords)

	const ewahTrailerLen = 4
	rawSize := int64(e.words)*8 + ewahTrailerLen
	if rawSize > math.MaxInt32 {
		return nil, fmt.Errorf("packfile: bitmap raw data does not fit in a Go slice")
	}

	e.raw = make([]byte, int(rawSize))
	if _, err := io.ReadFull(r, e.raw); err != nil {
		return nil, err
	}

	return e, nil
}

// Unpack decompresses e's EWAH-encoded words into a plain bitset, replacing
// each run-length "clean" word (all zero or all one bits) with its literal
// expansion and copying "dirty" words through unchanged. Idempotent: a
// second call is a no-op.
func (e *EWAHBitmap) Unpack() error {
	if e.bm != nil {
		return nil
	}

	const (
		wordSize = 8
		wordBits = 8 * wordSize
	)

	unpackedWords := e.bits / wordBits
	if e.bits%wordBits > 0 {
		unpackedWords++
	}

	buf := make([]byte, unpackedWords*wordSize)
	pos := len(buf)
	ones := bytes.Repeat([]byte{0xff}, wordSize)

	for i := 0; i < e.words; {
		header := binary.BigEndian.Uint64(e.raw[wordSize*i : wordSize*(i+1)])
		i++

		cleanBit := header & 1
		nClean := uint32(header >> 1)
		nDirty := uint32(header >> 33)

		for ; nClean > 0; nClean-- {
			if cleanBit == 1 {
				copy(buf[pos-wordSize:pos], ones)
			}
			pos -= wordSize
		}

		for ; nDirty > 0; nDirty-- {
			copy(buf[pos-wordSize:pos], e.raw[wordSize*i:wordSize*(i+1)])
			pos -= wordSize
			i++
		}
	}

	e.bm = new(big.Int).SetBytes(buf)
	return nil
}

// Scan calls f once for every set bit's position, in ascending order,
// stopping at the first error f returns.
func (e *EWAHBitmap) Scan(f func(position int) error) error {
	for i := 0; i < e.bits; i++ {
		if e.bm.Bit(i) == 1 {
			if err := f(i); err != nil {
				return err
			}
		}
	}
	return nil
}
