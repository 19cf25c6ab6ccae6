package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fly-io/deltaota/pkg/errors"
)

// Manifest is one edge of the update graph: applying Update (and optionally
// Signature) to a file matching In yields a file matching Out.
type Manifest struct {
	SchemaVersion int
	In            *FileSet
	Update        *FileSet
	Signature     *FileSet
	Out           *FileSet

	// Revoked manifests keep the chain connected but never supply the final
	// image.
	Revoked bool
}

type fileJSON struct {
	Name string `json:"name"`

	Size *int64  `json:"size"`
	MD5  *string `json:"md5"`

	SizeApplied *int64  `json:"size_applied"`
	MD5Applied  *string `json:"md5_applied"`

	SizeOfficial *int64  `json:"size_official"`
	MD5Official  *string `json:"md5_official"`

	SizeStore *int64  `json:"size_store"`
	MD5Store  *string `json:"md5_store"`

	SizeStoreSigned *int64  `json:"size_store_signed"`
	MD5StoreSigned  *string `json:"md5_store_signed"`
}

type manifestJSON struct {
	Version   *int      `json:"version"`
	In        *fileJSON `json:"in"`
	Update    *fileJSON `json:"update"`
	Signature *fileJSON `json:"signature"`
	Out       *fileJSON `json:"out"`
}

func descriptor(field string, size *int64, sum *string) (ContentDescriptor, error) {
	if size == nil || sum == nil {
		return ContentDescriptor{}, fmt.Errorf("missing size/md5 for %s", field)
	}
	if *size < 0 {
		return ContentDescriptor{}, fmt.Errorf("negative size for %s", field)
	}
	return ContentDescriptor{Size: *size, Checksum: strings.ToLower(*sum)}, nil
}

func (f *fileJSON) full(field string) (*FileSet, error) {
	if f == nil {
		return nil, fmt.Errorf("missing %q", field)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("missing %s.name", field)
	}
	official, err := descriptor(field+".official", f.SizeOfficial, f.MD5Official)
	if err != nil {
		return nil, err
	}
	store, err := descriptor(field+".store", f.SizeStore, f.MD5Store)
	if err != nil {
		return nil, err
	}
	signed, err := descriptor(field+".store_signed", f.SizeStoreSigned, f.MD5StoreSigned)
	if err != nil {
		return nil, err
	}
	return NewFull(f.Name, official, store, signed), nil
}

func (f *fileJSON) delta(field string) (*FileSet, error) {
	if f == nil {
		return nil, fmt.Errorf("missing %q", field)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("missing %s.name", field)
	}
	update, err := descriptor(field, f.Size, f.MD5)
	if err != nil {
		return nil, err
	}
	applied, err := descriptor(field+".applied", f.SizeApplied, f.MD5Applied)
	if err != nil {
		return nil, err
	}
	return NewDelta(f.Name, update, applied), nil
}

// Parse decodes a manifest document. Any missing field is an error.
func Parse(raw []byte, revoked bool) (*Manifest, error) {
	var doc manifestJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode manifest")
	}
	if doc.Version == nil {
		return nil, fmt.Errorf("manifest: missing \"version\"")
	}

	m := &Manifest{SchemaVersion: *doc.Version, Revoked: revoked}
	var err error
	if m.In, err = doc.In.full("in"); err != nil {
		return nil, errors.Wrap(err, "manifest")
	}
	if m.Update, err = doc.Update.delta("update"); err != nil {
		return nil, errors.Wrap(err, "manifest")
	}
	if m.Signature, err = doc.Signature.delta("signature"); err != nil {
		return nil, errors.Wrap(err, "manifest")
	}
	if m.Out, err = doc.Out.full("out"); err != nil {
		return nil, errors.Wrap(err, "manifest")
	}
	return m, nil
}

// Chain is an ordered run of manifests where each In follows the previous Out.
type Chain []*Manifest

// Last returns the final manifest, or nil for an empty chain.
func (c Chain) Last() *Manifest {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// Names lists the Out names in order, mostly for logging.
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, m := range c {
		names[i] = m.Out.Name
	}
	return names
}
