package packfile

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GerritForge/ghs-actions-executor/internal/packid"
)

func mustPackID(t *testing.T, b byte) packid.PackId {
	t.Helper()
	raw := make([]byte, packid.Length)
	for i := range raw {
		raw[i] = b
	}
	id, err := packid.FromRaw(raw)
	require.NoError(t, err)
	return id
}

func bitmapWithBit(t *testing.T, bits int, bit int) *EWAHBitmap {
	t.Helper()
	v := big.NewInt(0)
	if bit >= 0 {
		v.SetBit(v, bit, 1)
	}
	return &EWAHBitmap{bits: bits, bm: v}
}

func TestReadIndex_RejectsNonIndexPath(t *testing.T) {
	_, err := ReadIndex("/tmp/not-a-pack-index.txt")
	require.Error(t, err)
}

func TestIndex_BuildPackfileOrderSortsByOffset(t *testing.T) {
	a := &Object{ID: mustPackID(t, 1), Offset: 30}
	b := &Object{ID: mustPackID(t, 2), Offset: 10}
	c := &Object{ID: mustPackID(t, 3), Offset: 20}

	idx := &Index{Objects: []*Object{a, b, c}}
	idx.BuildPackfileOrder()

	require.Equal(t, []*Object{b, c, a}, idx.PackfileOrder)

	// A second call must not rebuild the order from the (possibly since
	// mutated) Objects slice.
	idx.Objects[0].Offset = 0
	idx.BuildPackfileOrder()
	require.Equal(t, []*Object{b, c, a}, idx.PackfileOrder)
}

func TestIndex_LabelObjectTypes_LabelsEachPositionFromItsBitmap(t *testing.T) {
	commit := &Object{ID: mustPackID(t, 1), Offset: 10}
	tree := &Object{ID: mustPackID(t, 2), Offset: 20}
	blob := &Object{ID: mustPackID(t, 3), Offset: 30}

	idx := &Index{
		Objects: []*Object{blob, commit, tree}, // deliberately not offset order
		BitmapIndex: &BitmapIndex{
			Commits: bitmapWithBit(t, 3, 0),
			Trees:   bitmapWithBit(t, 3, 1),
			Blobs:   bitmapWithBit(t, 3, 2),
			Tags:    bitmapWithBit(t, 3, -1),
		},
	}

	require.NoError(t, idx.LabelObjectTypes())

	require.Equal(t, TCommit, commit.Type)
	require.Equal(t, TTree, tree.Type)
	require.Equal(t, TBlob, blob.Type)
}

func TestIndex_LabelObjectTypes_ErrorsWhenTwoBitmapsClaimTheSameObject(t *testing.T) {
	obj := &Object{ID: mustPackID(t, 1), Offset: 10}

	idx := &Index{
		Objects: []*Object{obj},
		BitmapIndex: &BitmapIndex{
			Commits: bitmapWithBit(t, 1, 0),
			Trees:   bitmapWithBit(t, 1, 0),
			Blobs:   bitmapWithBit(t, 1, -1),
			Tags:    bitmapWithBit(t, 1, -1),
		},
	}

	require.Error(t, idx.LabelObjectTypes())
}

func TestIndex_LabelObjectTypes_ErrorsWhenAnObjectGoesUnlabeled(t *testing.T) {
	obj := &Object{ID: mustPackID(t, 1), Offset: 10}

	idx := &Index{
		Objects: []*Object{obj},
		BitmapIndex: &BitmapIndex{
			Commits: bitmapWithBit(t, 1, -1),
			Trees:   bitmapWithBit(t, 1, -1),
			Blobs:   bitmapWithBit(t, 1, -1),
			Tags:    bitmapWithBit(t, 1, -1),
		},
	}

	require.Error(t, idx.LabelObjectTypes())
}
