// Package shard deterministically partitions the ticker universe across
// workers and tracks resumable per-shard progress. The hash is fixed
// (sha1 prefix mod n) so shard membership is stable across processes,
// nodes, and releases.
package shard

import (
	"crypto/sha1"
	"encoding/binary"
)

// Of maps a ticker to a shard index in [0, shardCount). Pure function of
// its inputs: sha1(ticker), first 4 bytes big-endian, mod shardCount.
func Of(ticker string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	sum := sha1.Sum([]byte(ticker))
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(shardCount))
}

// Filter returns the tickers of universe that belong to shard index.
// Universe order is preserved.
func Filter(universe []string, shardCount, shardIndex int) []string {
	out := make([]string, 0, len(universe)/max(shardCount, 1)+1)
	for _, t := range universe {
		if Of(t, shardCount) == shardIndex {
			out = append(out, t)
		}
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
