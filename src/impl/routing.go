package impl

import (
	"fmt"

	"github.com/danmuck/dps_sync/src/api"
)

// ShardIndex maps a block hash to a shard in [0, shardCount). The hex digits
// of hash are read as one base-16 integer and reduced modulo shardCount,
// digit by digit, so hashes of any length route without big integers.
// Non-hex characters are skipped.
//
// Clients and the metadata store must both route through this function.
func ShardIndex(hash string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	n := uint64(shardCount)
	var r uint64
	for i := 0; i < len(hash); i++ {
		d, ok := hexDigit(hash[i])
		if !ok {
			continue
		}
		r = (r*16 + d) % n
	}
	return int(r)
}

// Shards is an ordered set of block shards addressed through ShardIndex.
type Shards struct {
	shards []api.BlockService
}

func NewShards(shards []api.BlockService) (*Shards, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("at least one block shard is required")
	}
	for i, s := range shards {
		if s == nil {
			return nil, fmt.Errorf("block shard %d is nil", i)
		}
	}
	return &Shards{shards: shards}, nil
}

func (s *Shards) Len() int {
	return len(s.shards)
}

func (s *Shards) Index(hash string) int {
	return ShardIndex(hash, len(s.shards))
}

// For returns the shard that owns hash.
func (s *Shards) For(hash string) api.BlockService {
	return s.shards[s.Index(hash)]
}

func (s *Shards) At(index int) api.BlockService {
	return s.shards[index]
}

// Group buckets hashes by owning shard index, keeping first-seen order and
// dropping duplicates.
func (s *Shards) Group(hashes []string) map[int][]string {
	groups := make(map[int][]string)
	seen := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		idx := s.Index(h)
		groups[idx] = append(groups[idx], h)
	}
	return groups
}
