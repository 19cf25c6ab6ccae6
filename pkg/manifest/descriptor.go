// Package manifest models server-published delta manifests and matches local
// files against the content descriptors they declare.
package manifest

import "fmt"

// ContentDescriptor is one byte-exact state a file may be in.
type ContentDescriptor struct {
	Size     int64
	Checksum string // lower-case hex MD5
}

func (d ContentDescriptor) String() string {
	return fmt.Sprintf("%d/%s", d.Size, d.Checksum)
}

// Label names a descriptor slot.
type Label string

const (
	LabelOfficial    Label = "official"
	LabelStore       Label = "store"
	LabelStoreSigned Label = "store_signed"
	LabelUpdate      Label = "update"
	LabelApplied     Label = "applied"
)

// Variant distinguishes complete images from patch payloads.
type Variant int

const (
	Full Variant = iota
	Delta
)

func (v Variant) String() string {
	if v == Delta {
		return "delta"
	}
	return "full"
}

// Slot is a labelled descriptor. Slots are kept in match order.
type Slot struct {
	Label Label
	ContentDescriptor
}

// FileSet is a named file with the descriptors it may match, plus a
// resolution tag set once a local copy is known to exist.
type FileSet struct {
	Name    string
	Variant Variant

	slots    []Slot
	resolved string
}

// NewFull builds a full-image set; slots match in official, store,
// store_signed order.
func NewFull(name string, official, store, storeSigned ContentDescriptor) *FileSet {
	return &FileSet{
		Name:    name,
		Variant: Full,
		slots: []Slot{
			{LabelOfficial, official},
			{LabelStore, store},
			{LabelStoreSigned, storeSigned},
		},
	}
}

// NewDelta builds a patch payload set; slots match in update, applied order.
func NewDelta(name string, update, applied ContentDescriptor) *FileSet {
	return &FileSet{
		Name:    name,
		Variant: Delta,
		slots: []Slot{
			{LabelUpdate, update},
			{LabelApplied, applied},
		},
	}
}

// Slots returns a copy of the slots in match order.
func (f *FileSet) Slots() []Slot {
	out := make([]Slot, len(f.slots))
	copy(out, f.slots)
	return out
}

// Descriptor looks a slot up by label.
func (f *FileSet) Descriptor(label Label) (ContentDescriptor, bool) {
	for _, s := range f.slots {
		if s.Label == label {
			return s.ContentDescriptor, true
		}
	}
	return ContentDescriptor{}, false
}

func (f *FileSet) get(label Label) ContentDescriptor {
	d, _ := f.Descriptor(label)
	return d
}

func (f *FileSet) Official() ContentDescriptor    { return f.get(LabelOfficial) }
func (f *FileSet) Store() ContentDescriptor       { return f.get(LabelStore) }
func (f *FileSet) StoreSigned() ContentDescriptor { return f.get(LabelStoreSigned) }
func (f *FileSet) Update() ContentDescriptor      { return f.get(LabelUpdate) }
func (f *FileSet) Applied() ContentDescriptor     { return f.get(LabelApplied) }

// Resolved returns the local path of this file, or "" when not yet located.
func (f *FileSet) Resolved() string { return f.resolved }

// IsResolved reports whether a local copy has been located or produced.
func (f *FileSet) IsResolved() bool { return f.resolved != "" }

// Resolve records path as the local copy. Downstream steps must not
// re-download or re-derive a resolved file.
func (f *FileSet) Resolve(path string) { f.resolved = path }

// ClearResolution forgets the local copy.
func (f *FileSet) ClearResolution() { f.resolved = "" }
