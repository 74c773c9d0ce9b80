package air

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// Catalog is the materialized form of a manifest: every referenced definition
// resolved by hash against the content store and decoded.
type Catalog struct {
	Manifest     Manifest
	ManifestHash cas.Hash

	Schemas  map[Name]*DefSchema
	Modules  map[Name]*DefModule
	Caps     map[Name]*DefCap
	Policies map[Name]*DefPolicy
	Effects  map[Name]*DefEffect
	Triggers map[Name]*DefTrigger
	// Plans carries legacy plan nodes opaquely.
	Plans map[Name]json.RawMessage
}

// TriggersFor returns the reducers triggered by a domain event schema, in
// manifest order.
func (c *Catalog) TriggersFor(schema Name) []*DefTrigger {
	var out []*DefTrigger
	for _, ref := range c.Manifest.Triggers {
		trig := c.Triggers[ref.Name]
		if trig != nil && trig.Schema == schema {
			out = append(out, trig)
		}
	}
	return out
}

// LoadManifestFromPath parses a canonical manifest file, resolves each
// referenced definition by hash against the store, and returns the fully
// materialized catalog. A missing or mismatched blob is an error.
func LoadManifestFromPath(ctx context.Context, store cas.Store, path string) (*Catalog, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("air: read manifest %s: %w", path, err)
	}
	return LoadManifest(ctx, store, doc)
}

// LoadManifest materializes a catalog from raw manifest bytes.
func LoadManifest(ctx context.Context, store cas.Store, doc []byte) (*Catalog, error) {
	if err := ValidateManifestDoc(doc); err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(doc, &manifest); err != nil {
		return nil, fmt.Errorf("air: decode manifest: %w", err)
	}
	return Materialize(ctx, store, manifest)
}

// Materialize resolves every definition reference of manifest against store.
func Materialize(ctx context.Context, store cas.Store, manifest Manifest) (*Catalog, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	manifestHash, err := manifest.Hash()
	if err != nil {
		return nil, err
	}
	cat := &Catalog{
		Manifest:     manifest,
		ManifestHash: manifestHash,
		Schemas:      make(map[Name]*DefSchema),
		Modules:      make(map[Name]*DefModule),
		Caps:         make(map[Name]*DefCap),
		Policies:     make(map[Name]*DefPolicy),
		Effects:      make(map[Name]*DefEffect),
		Triggers:     make(map[Name]*DefTrigger),
		Plans:        make(map[Name]json.RawMessage),
	}
	for _, ref := range manifest.AllRefs() {
		blob, err := store.GetBlob(ctx, ref.Hash)
		if err != nil {
			return nil, fmt.Errorf("air: resolve %s %s: %w", ref.Kind, ref.Name, err)
		}
		if err := cat.decodeInto(ref, blob); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func (c *Catalog) decodeInto(ref Ref, blob []byte) error {
	kind, err := DecodeNodeKind(blob)
	if err != nil {
		return fmt.Errorf("air: node %s: %w", ref.Name, err)
	}
	if kind != ref.Kind {
		return fmt.Errorf("air: node %s has kind %s, ref says %s", ref.Name, kind, ref.Kind)
	}
	checkName := func(n Name) error {
		if n != ref.Name {
			return fmt.Errorf("air: node name %s does not match ref %s", n, ref.Name)
		}
		return nil
	}
	switch ref.Kind {
	case KindSchema:
		var def DefSchema
		if err := json.Unmarshal(blob, &def); err != nil {
			return fmt.Errorf("air: decode defschema %s: %w", ref.Name, err)
		}
		if err := checkName(def.Name); err != nil {
			return err
		}
		c.Schemas[ref.Name] = &def
	case KindModule:
		var def DefModule
		if err := json.Unmarshal(blob, &def); err != nil {
			return fmt.Errorf("air: decode defmodule %s: %w", ref.Name, err)
		}
		if err := checkName(def.Name); err != nil {
			return err
		}
		if def.WasmHash.IsZero() {
			return fmt.Errorf("air: module %s: wasm hash still zero", ref.Name)
		}
		c.Modules[ref.Name] = &def
	case KindCap:
		var def DefCap
		if err := json.Unmarshal(blob, &def); err != nil {
			return fmt.Errorf("air: decode defcap %s: %w", ref.Name, err)
		}
		if err := checkName(def.Name); err != nil {
			return err
		}
		c.Caps[ref.Name] = &def
	case KindPolicy:
		var def DefPolicy
		if err := json.Unmarshal(blob, &def); err != nil {
			return fmt.Errorf("air: decode defpolicy %s: %w", ref.Name, err)
		}
		if err := checkName(def.Name); err != nil {
			return err
		}
		c.Policies[ref.Name] = &def
	case KindEffect:
		var def DefEffect
		if err := json.Unmarshal(blob, &def); err != nil {
			return fmt.Errorf("air: decode defeffect %s: %w", ref.Name, err)
		}
		if err := checkName(def.Name); err != nil {
			return err
		}
		c.Effects[ref.Name] = &def
	case KindTrigger:
		var def DefTrigger
		if err := json.Unmarshal(blob, &def); err != nil {
			return fmt.Errorf("air: decode deftrigger %s: %w", ref.Name, err)
		}
		if err := checkName(def.Name); err != nil {
			return err
		}
		c.Triggers[ref.Name] = &def
	case KindPlan:
		c.Plans[ref.Name] = json.RawMessage(blob)
	default:
		return fmt.Errorf("air: unknown def kind %s", ref.Kind)
	}
	return nil
}

// StoreNode encodes a definition body, writes the node blob to the store, and
// returns a ref for it. Convenience for manifest construction and tests.
func StoreNode(ctx context.Context, store cas.Store, kind DefKind, name Name, body interface{}) (Ref, error) {
	blob, err := EncodeNode(kind, body)
	if err != nil {
		return Ref{}, err
	}
	h, err := store.PutBlob(ctx, blob)
	if err != nil {
		return Ref{}, fmt.Errorf("air: store %s node: %w", kind, err)
	}
	return Ref{Kind: kind, Name: name, Hash: h}, nil
}
