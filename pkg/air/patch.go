package air

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smartcomputer-ai/agent-os/pkg/canonicalize"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// PatchDoc describes an edit to a base manifest: new definition nodes plus
// reference list changes. Refs added with a zero hash are sentinels that
// autofill resolves against the patch's own add_def nodes.
type PatchDoc struct {
	BaseManifestHash cas.Hash  `json:"base_manifest_hash"`
	RequireHashes    bool      `json:"require_hashes,omitempty"`
	Patches          []PatchOp `json:"patches"`
}

// PatchOp is a single patch operation; exactly one field is set.
type PatchOp struct {
	AddDef          *AddDef          `json:"add_def,omitempty"`
	SetManifestRefs *SetManifestRefs `json:"set_manifest_refs,omitempty"`
}

// AddDef introduces a definition node. Node is the flat node object including
// its $kind and name fields.
type AddDef struct {
	Kind DefKind         `json:"kind"`
	Node json.RawMessage `json:"node"`
}

// SetManifestRefs adds and removes manifest references.
type SetManifestRefs struct {
	Add    []Ref `json:"add,omitempty"`
	Remove []Ref `json:"remove,omitempty"`
}

// ParsePatchDoc validates and decodes a raw patch document.
func ParsePatchDoc(doc []byte) (*PatchDoc, error) {
	if err := ValidatePatchDoc(doc); err != nil {
		return nil, err
	}
	var p PatchDoc
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("air: decode patch: %w", err)
	}
	return &p, nil
}

// nodeName extracts the name field from a flat node object.
func nodeName(node json.RawMessage) (Name, error) {
	var env struct {
		Name Name `json:"name"`
	}
	if err := json.Unmarshal(node, &env); err != nil {
		return "", fmt.Errorf("air: decode node name: %w", err)
	}
	if env.Name == "" {
		return "", fmt.Errorf("air: node missing name")
	}
	return env.Name, nil
}

// canonicalNodeHash hashes the canonical form of a flat node object.
func canonicalNodeHash(node json.RawMessage) (cas.Hash, error) {
	var flat interface{}
	if err := json.Unmarshal(node, &flat); err != nil {
		return cas.Hash{}, fmt.Errorf("air: decode node: %w", err)
	}
	blob, err := canonicalize.Canonical(flat)
	if err != nil {
		return cas.Hash{}, err
	}
	return cas.Sum(blob), nil
}

// Autofill resolves zero-hash sentinels in set_manifest_refs entries by
// hashing the matching add_def node (matched by name). When the document sets
// require_hashes, autofill is disabled and any remaining sentinel is an error.
func (p *PatchDoc) Autofill() error {
	if p.RequireHashes {
		for _, op := range p.Patches {
			if op.SetManifestRefs == nil {
				continue
			}
			for _, ref := range op.SetManifestRefs.Add {
				if ref.Hash.IsZero() {
					return fmt.Errorf("air: ref %s: hash still zero", ref.Name)
				}
			}
		}
		return nil
	}

	byName := make(map[Name]cas.Hash)
	for _, op := range p.Patches {
		if op.AddDef == nil {
			continue
		}
		name, err := nodeName(op.AddDef.Node)
		if err != nil {
			return err
		}
		h, err := canonicalNodeHash(op.AddDef.Node)
		if err != nil {
			return err
		}
		byName[name] = h
	}

	for _, op := range p.Patches {
		if op.SetManifestRefs == nil {
			continue
		}
		for i := range op.SetManifestRefs.Add {
			ref := &op.SetManifestRefs.Add[i]
			if !ref.Hash.IsZero() {
				continue
			}
			filled, ok := byName[ref.Name]
			if !ok {
				return fmt.Errorf("air: ref %s: hash still zero and no add_def node to fill from", ref.Name)
			}
			ref.Hash = filled
		}
	}
	return nil
}

// ApplyPatch writes the patch's definition nodes to the store and produces
// the patched manifest. Autofill must have run first (or every added ref must
// already carry a hash).
func ApplyPatch(ctx context.Context, store cas.Store, base Manifest, p *PatchDoc) (Manifest, error) {
	baseHash, err := base.Hash()
	if err != nil {
		return Manifest{}, err
	}
	if !p.BaseManifestHash.IsZero() && p.BaseManifestHash != baseHash {
		return Manifest{}, fmt.Errorf("air: patch targets manifest %s, base is %s", p.BaseManifestHash, baseHash)
	}

	for _, op := range p.Patches {
		if op.AddDef == nil {
			continue
		}
		var flat interface{}
		if err := json.Unmarshal(op.AddDef.Node, &flat); err != nil {
			return Manifest{}, fmt.Errorf("air: decode node: %w", err)
		}
		blob, err := canonicalize.Canonical(flat)
		if err != nil {
			return Manifest{}, err
		}
		if _, err := store.PutBlob(ctx, blob); err != nil {
			return Manifest{}, fmt.Errorf("air: store patch node: %w", err)
		}
	}

	next := base.clone()
	for _, op := range p.Patches {
		if op.SetManifestRefs == nil {
			continue
		}
		for _, ref := range op.SetManifestRefs.Remove {
			next.removeRef(ref)
		}
		for _, ref := range op.SetManifestRefs.Add {
			if ref.Hash.IsZero() {
				return Manifest{}, fmt.Errorf("air: ref %s: hash still zero", ref.Name)
			}
			next.removeRef(ref)
			next.addRef(ref)
		}
	}
	return next, nil
}

// clone deep-copies the ref sections so patching never aliases the base
// manifest's backing arrays.
func (m Manifest) clone() Manifest {
	cp := m
	dup := func(refs []Ref) []Ref {
		if refs == nil {
			return nil
		}
		out := make([]Ref, len(refs))
		copy(out, refs)
		return out
	}
	cp.Schemas = dup(m.Schemas)
	cp.Modules = dup(m.Modules)
	cp.Plans = dup(m.Plans)
	cp.Effects = dup(m.Effects)
	cp.Caps = dup(m.Caps)
	cp.Policies = dup(m.Policies)
	cp.Triggers = dup(m.Triggers)
	return cp
}

func (m *Manifest) section(kind DefKind) *[]Ref {
	switch kind {
	case KindSchema:
		return &m.Schemas
	case KindModule:
		return &m.Modules
	case KindPlan:
		return &m.Plans
	case KindEffect:
		return &m.Effects
	case KindCap:
		return &m.Caps
	case KindPolicy:
		return &m.Policies
	case KindTrigger:
		return &m.Triggers
	}
	return nil
}

func (m *Manifest) addRef(ref Ref) {
	if sec := m.section(ref.Kind); sec != nil {
		*sec = append(*sec, ref)
	}
}

func (m *Manifest) removeRef(ref Ref) {
	sec := m.section(ref.Kind)
	if sec == nil {
		return
	}
	kept := (*sec)[:0]
	for _, r := range *sec {
		if r.Name != ref.Name {
			kept = append(kept, r)
		}
	}
	*sec = kept
}
