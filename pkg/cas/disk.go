package cas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DiskStore is a filesystem-backed Store. Blobs live at
// <root>/<aa>/<bb>/<full-hex> where aa and bb are the first two byte pairs of
// the hex digest. Writes go through a temp file followed by rename so a crash
// leaves the blob either fully present or absent.
type DiskStore struct {
	root string
}

// NewDiskStore opens (creating if needed) a disk store rooted at root,
// conventionally <world>/.aos/store/blobs.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cas: create store root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) blobPath(h Hash) string {
	hx := h.Hex()
	return filepath.Join(s.root, hx[0:2], hx[2:4], hx)
}

// PutBlob implements Store. Existing blobs are silent no-ops.
func (s *DiskStore) PutBlob(ctx context.Context, data []byte) (Hash, error) {
	h := Sum(data)
	final := s.blobPath(h)
	if _, err := os.Stat(final); err == nil {
		return h, nil
	}
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Hash{}, fmt.Errorf("cas: create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return Hash{}, fmt.Errorf("cas: create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Hash{}, fmt.Errorf("cas: write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Hash{}, fmt.Errorf("cas: sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Hash{}, fmt.Errorf("cas: close blob: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return Hash{}, fmt.Errorf("cas: commit blob: %w", err)
	}
	return h, nil
}

// GetBlob implements Store. Bytes are verified against the requested hash; a
// mismatch is a fatal corruption error.
func (s *DiskStore) GetBlob(ctx context.Context, h Hash) ([]byte, error) {
	if h.IsZero() {
		return nil, ErrZeroHash
	}
	data, err := os.ReadFile(s.blobPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return nil, fmt.Errorf("cas: read blob %s: %w", h, err)
	}
	if Sum(data) != h {
		return nil, fmt.Errorf("%w: %s", ErrCorruption, h)
	}
	return data, nil
}

// Has implements Store.
func (s *DiskStore) Has(ctx context.Context, h Hash) bool {
	_, err := os.Stat(s.blobPath(h))
	return err == nil
}
