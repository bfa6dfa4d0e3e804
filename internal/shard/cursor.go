package shard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nkgotcode/vietmarket/internal/atomicio"
)

// Cursor is the per-(job, shard) progress pointer into the shard's ticker
// list. next_index wraps around the list so successive runs visit every
// ticker at most once per wrap, in a stable order.
type Cursor struct {
	NextIndex     int       `json:"next_index"`
	LastBatch     []string  `json:"last_batch,omitempty"`
	BatchSize     int       `json:"batch_size,omitempty"`
	UniverseCount int       `json:"universe_count,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SelectBatch returns up to batchSize tickers starting at cur.NextIndex,
// wrapping around tickers. The effective start is returned alongside the
// advanced next index: a cursor left beyond the list (the universe shrank)
// resets to the head, and callers advancing partial progress must count
// from that reset position, not the stale cursor value. An empty shard
// returns an empty batch and both indexes 0.
func SelectBatch(tickers []string, batchSize int, cur Cursor) (batch []string, start, nextIndex int) {
	n := len(tickers)
	if n == 0 || batchSize <= 0 {
		return nil, 0, 0
	}
	if batchSize > n {
		batchSize = n
	}

	start = cur.NextIndex
	if start < 0 || start >= n {
		start = 0
	}

	batch = make([]string, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		batch = append(batch, tickers[(start+i)%n])
	}
	return batch, start, (start + batchSize) % n
}

// FileCursorStore persists cursors as cursors/{job}_{shard}.json with
// write-temp + rename, matching the on-node state layout.
type FileCursorStore struct {
	Dir string
}

// Path returns the cursor file path for (job, shard).
func (s FileCursorStore) Path(job string, shardIndex int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%d.json", job, shardIndex))
}

// Load reads the cursor; a missing file returns a zero cursor.
func (s FileCursorStore) Load(job string, shardIndex int) (Cursor, error) {
	var cur Cursor
	err := atomicio.ReadJSON(s.Path(job, shardIndex), &cur)
	if errors.Is(err, os.ErrNotExist) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("load cursor: %w", err)
	}
	return cur, nil
}

// Save writes the cursor atomically.
func (s FileCursorStore) Save(job string, shardIndex int, cur Cursor) error {
	cur.UpdatedAt = time.Now().UTC()
	if err := atomicio.WriteJSON(s.Path(job, shardIndex), cur); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
