package cas

import (
	"context"
	"log/slog"
)

// ReplicaStore writes through to a primary store and mirrors successful puts
// to a secondary (typically remote: S3 or GCS). Reads are always served from
// the primary; replication failures are logged, never surfaced, since the
// primary alone satisfies the store contract.
type ReplicaStore struct {
	primary Store
	replica Store
	logger  *slog.Logger
}

// NewReplicaStore wraps primary with best-effort replication to replica.
func NewReplicaStore(primary, replica Store, logger *slog.Logger) *ReplicaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicaStore{
		primary: primary,
		replica: replica,
		logger:  logger.With("component", "cas.replica"),
	}
}

// PutBlob implements Store.
func (s *ReplicaStore) PutBlob(ctx context.Context, data []byte) (Hash, error) {
	h, err := s.primary.PutBlob(ctx, data)
	if err != nil {
		return Hash{}, err
	}
	if _, rerr := s.replica.PutBlob(ctx, data); rerr != nil {
		s.logger.WarnContext(ctx, "replica put failed", "hash", h.String(), "error", rerr)
	}
	return h, nil
}

// GetBlob implements Store.
func (s *ReplicaStore) GetBlob(ctx context.Context, h Hash) ([]byte, error) {
	return s.primary.GetBlob(ctx, h)
}

// Has implements Store.
func (s *ReplicaStore) Has(ctx context.Context, h Hash) bool {
	return s.primary.Has(ctx, h)
}
