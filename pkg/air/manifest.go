package air

import (
	"fmt"

	"github.com/smartcomputer-ai/agent-os/pkg/canonicalize"
	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// Manifest enumerates a world's definitions by reference. The self-hash is
// computed over the canonical form and pins the manifest in journal stamps and
// snapshots.
type Manifest struct {
	AirVersion string `json:"air_version"`
	Schemas    []Ref  `json:"schemas,omitempty"`
	Modules    []Ref  `json:"modules,omitempty"`
	Plans      []Ref  `json:"plans,omitempty"`
	Effects    []Ref  `json:"effects,omitempty"`
	Caps       []Ref  `json:"caps,omitempty"`
	Policies   []Ref  `json:"policies,omitempty"`
	Triggers   []Ref  `json:"triggers,omitempty"`
}

// AllRefs returns every definition reference in a stable section order.
func (m *Manifest) AllRefs() []Ref {
	var refs []Ref
	refs = append(refs, m.Schemas...)
	refs = append(refs, m.Modules...)
	refs = append(refs, m.Plans...)
	refs = append(refs, m.Effects...)
	refs = append(refs, m.Caps...)
	refs = append(refs, m.Policies...)
	refs = append(refs, m.Triggers...)
	return refs
}

// Hash computes the manifest self-hash over its canonical form.
func (m *Manifest) Hash() (cas.Hash, error) {
	blob, err := canonicalize.Canonical(m)
	if err != nil {
		return cas.Hash{}, fmt.Errorf("air: hash manifest: %w", err)
	}
	return cas.Sum(blob), nil
}

// Encode returns the canonical manifest bytes as stored on disk.
func (m *Manifest) Encode() ([]byte, error) {
	return canonicalize.Canonical(m)
}

// Validate performs structural checks that do not require the store: version
// gate, name shape, kind/section agreement, and the zero-hash ban.
func (m *Manifest) Validate() error {
	if err := CheckAirVersion(m.AirVersion); err != nil {
		return err
	}
	sections := []struct {
		kind DefKind
		refs []Ref
	}{
		{KindSchema, m.Schemas},
		{KindModule, m.Modules},
		{KindPlan, m.Plans},
		{KindEffect, m.Effects},
		{KindCap, m.Caps},
		{KindPolicy, m.Policies},
		{KindTrigger, m.Triggers},
	}
	seen := make(map[Name]DefKind)
	for _, sec := range sections {
		for _, ref := range sec.refs {
			if ref.Kind != sec.kind {
				return fmt.Errorf("air: ref %s has kind %s, want %s", ref.Name, ref.Kind, sec.kind)
			}
			if !ref.Name.Valid() {
				return fmt.Errorf("air: malformed name %q", ref.Name)
			}
			if ref.Hash.IsZero() {
				return fmt.Errorf("air: unresolved ref %s: hash still zero", ref.Name)
			}
			if prev, dup := seen[ref.Name]; dup {
				return fmt.Errorf("air: duplicate definition %s (%s and %s)", ref.Name, prev, ref.Kind)
			}
			seen[ref.Name] = ref.Kind
		}
	}
	return nil
}
