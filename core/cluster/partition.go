package cluster

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/codewandler/shardvisor/core/ds"
)

// Auto asks the manager to resolve a shard or cluster count itself: total
// shards through the ShardCountFetcher, total clusters through the host core
// count.
const Auto = -1

// ShardRange returns the shard ids [0, total).
func ShardRange(total int) []int {
	if total <= 0 {
		return nil
	}
	out := make([]int, total)
	for i := range out {
		out[i] = i
	}
	return out
}

// Chunk splits list into contiguous chunks of ceil(len(list)/n) elements. The
// result may hold fewer than n chunks when the list does not divide evenly,
// e.g. 5 shards over 4 clusters yields 3 chunks of at most 2.
func Chunk(list []int, n int) [][]int {
	if len(list) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	size := (len(list) + n - 1) / n
	out := make([][]int, 0, (len(list)+size-1)/size)
	for i := 0; i < len(list); i += size {
		end := min(i+size, len(list))
		out = append(out, append([]int(nil), list[i:end]...))
	}
	return out
}

// ShardForGuild returns the shard a guild is served by:
// (guildID >> 22) % totalShards.
func ShardForGuild(guildID uint64, totalShards int) int {
	if totalShards <= 0 {
		return 0
	}
	return int((guildID >> 22) % uint64(totalShards))
}

// ShardForKey maps an owner key to a shard. Numeric keys are treated as guild
// ids; other keys are hashed with BLAKE2b.
func ShardForKey(key string, totalShards int) int {
	if totalShards <= 0 {
		return 0
	}
	if id, err := strconv.ParseUint(key, 10, 64); err == nil {
		return ShardForGuild(id, totalShards)
	}
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(key))
	v := binary.BigEndian.Uint64(h.Sum(nil))
	return int(v % uint64(totalShards))
}

// validatePartition checks that chunks are non-empty, pairwise disjoint and
// within [0, totalShards).
func validatePartition(chunks [][]int, totalShards int) error {
	seen := make(map[int]int)
	for i, chunk := range chunks {
		if len(chunk) == 0 {
			return fmt.Errorf("%w: cluster %d has no shards", ErrConfig, i)
		}
		for _, s := range chunk {
			if s < 0 || s >= totalShards {
				return fmt.Errorf("%w: shard %d out of range [0,%d)", ErrConfig, s, totalShards)
			}
			if prev, dup := seen[s]; dup {
				return fmt.Errorf("%w: shard %d assigned to clusters %d and %d", ErrConfig, s, prev, i)
			}
			seen[s] = i
		}
	}
	return nil
}

func validateShardList(list []int) error {
	seen := ds.NewSet[int]()
	for _, s := range list {
		if s < 0 {
			return fmt.Errorf("%w: negative shard id %d", ErrConfig, s)
		}
		if !seen.Add(s) {
			return fmt.Errorf("%w: duplicate shard id %d", ErrConfig, s)
		}
	}
	return nil
}
