package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"
)

// PeerInfo is what a PE publishes so others can address its regions.
type PeerInfo struct {
	Rank      int    `json:"rank"`
	Node      int    `json:"node"`
	HeapKey   uint32 `json:"heap_key"`
	SignalKey uint32 `json:"signal_key"`
	HeapSize  uint64 `json:"heap_size"`
}

// PeerKey is the rendezvous key under which rank publishes its PeerInfo.
func PeerKey(rank int) string {
	return fmt.Sprintf("rank/%d/info", rank)
}

// Publish stores self under PeerKey(self.Rank).
func Publish(ctx context.Context, store Store, self PeerInfo) error {
	data, err := sonnet.Marshal(self)
	if err != nil {
		return fmt.Errorf("encode peer info of rank %d: %w", self.Rank, err)
	}
	return store.Put(ctx, PeerKey(self.Rank), data)
}

// Lookup waits for and decodes the PeerInfo of rank.
func Lookup(ctx context.Context, store Store, rank int) (PeerInfo, error) {
	data, err := store.Get(ctx, PeerKey(rank))
	if err != nil {
		return PeerInfo{}, err
	}
	var info PeerInfo
	if err := sonnet.Unmarshal(data, &info); err != nil {
		return PeerInfo{}, fmt.Errorf("decode peer info of rank %d: %w", rank, err)
	}
	if info.Rank != rank {
		return PeerInfo{}, fmt.Errorf("peer info under %s claims rank %d", PeerKey(rank), info.Rank)
	}
	return info, nil
}

// Exchange publishes self and gathers the PeerInfo of every rank in
// [0, worldSize), indexed by rank.
func Exchange(ctx context.Context, store Store, self PeerInfo, worldSize int) ([]PeerInfo, error) {
	if self.Rank < 0 || self.Rank >= worldSize {
		return nil, fmt.Errorf("rank %d outside world of %d", self.Rank, worldSize)
	}
	if err := Publish(ctx, store, self); err != nil {
		return nil, err
	}

	peers := make([]PeerInfo, worldSize)
	for r := 0; r < worldSize; r++ {
		if r == self.Rank {
			peers[r] = self
			continue
		}
		info, err := Lookup(ctx, store, r)
		if err != nil {
			return nil, err
		}
		peers[r] = info
	}
	log.Debug().Int("rank", self.Rank).Int("worldSize", worldSize).Msg("Peer exchange complete")
	return peers, nil
}
