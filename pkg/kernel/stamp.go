package kernel

import (
	"crypto/rand"
	"time"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// IngressStamp is attached to every external event at admission. Stamps are
// journaled and are the ONLY nondeterminism reducers may observe; replay
// re-supplies the journaled stamp instead of reading the OS.
type IngressStamp struct {
	NowNS         uint64   `json:"now_ns"`
	LogicalNowNS  uint64   `json:"logical_now_ns"`
	Entropy       []byte   `json:"entropy"`
	JournalHeight uint64   `json:"journal_height"`
	ManifestHash  cas.Hash `json:"manifest_hash"`
}

// WallClock supplies wall-clock readings for stamps. The core never calls
// time.Now directly.
type WallClock interface {
	NowNS() uint64
}

// EntropySource supplies fresh random bytes for stamps.
type EntropySource interface {
	Read(n int) []byte
}

// SystemWallClock reads the OS clock.
type SystemWallClock struct{}

// NowNS implements WallClock.
func (SystemWallClock) NowNS() uint64 {
	return uint64(time.Now().UnixNano())
}

// CryptoEntropy reads crypto/rand.
type CryptoEntropy struct{}

// Read implements EntropySource.
func (CryptoEntropy) Read(n int) []byte {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return buf
}

// stamper mints ingress stamps. logical time is monotone per manifest load.
type stamper struct {
	clock        WallClock
	entropy      EntropySource
	logicalNowNS uint64
	manifestHash cas.Hash
}

const stampEntropyBytes = 16

func (s *stamper) stamp(journalHeight uint64) IngressStamp {
	s.logicalNowNS++
	return IngressStamp{
		NowNS:         s.clock.NowNS(),
		LogicalNowNS:  s.logicalNowNS,
		Entropy:       s.entropy.Read(stampEntropyBytes),
		JournalHeight: journalHeight,
		ManifestHash:  s.manifestHash,
	}
}
