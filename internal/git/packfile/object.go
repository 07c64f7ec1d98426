package packfile

import "github.com/GerritForge/ghs-actions-executor/internal/packid"

// ObjectType is the kind of object a bitmap's Commits/Trees/Blobs/Tags
// bitmap can assign to a pack entry.
type ObjectType int

const (
	TUnknown ObjectType = iota
	TCommit
	TTree
	TBlob
	TTag
)

// Object is one entry of a pack's .idx file: the id git show-index reported
// for it, its byte offset into the sibling .pack file, and — once
// LabelObjectTypes has run — the type its bitmap row assigned it.
type Object struct {
	ID     packid.PackId
	Offset uint64
	Type   ObjectType
}
