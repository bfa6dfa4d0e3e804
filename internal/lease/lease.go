// Package lease provides weak leader election per (job, shard) on top of the
// warehouse leases table. A lease is held while now < lease_until_ms AND
// now < last_progress_ms + stale window; when either bound passes, any caller
// may take the shard over. Progress heartbeats are the liveness signal that
// defeats stale-takeover.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Lease duration bounds enforced on TryClaim.
const (
	MinLeaseMS = 30_000
	MaxLeaseMS = 1_800_000
)

// ErrUnavailable means the lease store could not be reached. Workers seeing
// this must exit without writing ingest state.
var ErrUnavailable = errors.New("lease coordinator unavailable")

// Lease is the current state of one (job, shard) claim.
type Lease struct {
	Job            string  `db:"job"`
	Shard          int     `db:"shard"`
	OwnerID        string  `db:"owner_id"`
	LeaseUntilMS   int64   `db:"lease_until_ms"`
	LastProgressMS int64   `db:"last_progress_ms"`
	Meta           *string `db:"meta"`
	UpdatedAt      int64   `db:"updated_at"`
}

// ClaimResult reports a claim attempt. On denial the current holder's state
// is included so callers can log who owns the shard.
type ClaimResult struct {
	OK             bool   `json:"ok"`
	OwnerID        string `json:"owner_id,omitempty"`
	LeaseUntilMS   int64  `json:"lease_until_ms,omitempty"`
	LastProgressMS int64  `json:"last_progress_ms,omitempty"`
}

// Coordinator issues and maintains leases.
type Coordinator struct {
	db  *sqlx.DB
	now func() time.Time
}

// New builds a Coordinator on the warehouse pool.
func New(db *sqlx.DB) *Coordinator {
	return &Coordinator{db: db, now: time.Now}
}

// NewWithClock is used by tests to control time.
func NewWithClock(db *sqlx.DB, now func() time.Time) *Coordinator {
	return &Coordinator{db: db, now: now}
}

func (c *Coordinator) nowMS() int64 {
	return c.now().UTC().UnixMilli()
}

// TryClaim attempts to take (job, shard) for owner. The claim is one atomic
// statement: it succeeds iff the row is absent, the lease has expired
// (lease_until_ms <= now; held strictly while now < lease_until_ms), or the
// holder has gone stale (last_progress_ms < now - staleMinutes).
func (c *Coordinator) TryClaim(ctx context.Context, job string, shard int, owner string, leaseMS int64, staleMinutes int, meta *string) (ClaimResult, error) {
	if leaseMS < MinLeaseMS || leaseMS > MaxLeaseMS {
		return ClaimResult{}, fmt.Errorf("lease_ms %d outside [%d, %d]", leaseMS, MinLeaseMS, MaxLeaseMS)
	}
	if staleMinutes < 1 {
		return ClaimResult{}, fmt.Errorf("stale_minutes %d must be >= 1", staleMinutes)
	}

	now := c.nowMS()
	staleBefore := now - int64(staleMinutes)*60_000

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO leases (job, shard, owner_id, lease_until_ms, last_progress_ms, meta, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $5)
		ON CONFLICT (job, shard) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			lease_until_ms = EXCLUDED.lease_until_ms,
			last_progress_ms = GREATEST(leases.last_progress_ms, EXCLUDED.last_progress_ms),
			meta = COALESCE(EXCLUDED.meta, leases.meta),
			updated_at = EXCLUDED.updated_at
		WHERE leases.lease_until_ms <= $5
		   OR leases.last_progress_ms < $7`,
		job, shard, owner, now+leaseMS, now, meta, staleBefore)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("%w: try_claim: %v", ErrUnavailable, err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debug().Str("job", job).Int("shard", shard).Str("owner", owner).
			Int64("lease_until_ms", now+leaseMS).Msg("lease claimed")
		return ClaimResult{OK: true}, nil
	}

	cur, err := c.Get(ctx, job, shard)
	if err != nil {
		return ClaimResult{}, err
	}
	if cur == nil {
		// Row vanished between the upsert and the read; treat as denied.
		return ClaimResult{OK: false}, nil
	}
	return ClaimResult{
		OK:             false,
		OwnerID:        cur.OwnerID,
		LeaseUntilMS:   cur.LeaseUntilMS,
		LastProgressMS: cur.LastProgressMS,
	}, nil
}

// Renew extends lease_until_ms. Succeeds only while owner still holds the
// row. Does not touch last_progress_ms: renewal is not liveness.
func (c *Coordinator) Renew(ctx context.Context, job string, shard int, owner string, leaseMS int64) (bool, error) {
	if leaseMS < MinLeaseMS || leaseMS > MaxLeaseMS {
		return false, fmt.Errorf("lease_ms %d outside [%d, %d]", leaseMS, MinLeaseMS, MaxLeaseMS)
	}

	now := c.nowMS()
	res, err := c.db.ExecContext(ctx, `
		UPDATE leases
		SET lease_until_ms = $4, updated_at = $5
		WHERE job = $1 AND shard = $2 AND owner_id = $3`,
		job, shard, owner, now+leaseMS, now)
	if err != nil {
		return false, fmt.Errorf("%w: renew: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReportProgress advances last_progress_ms to now. Succeeds only while owner
// still holds the row; a false return means ownership was lost and the
// worker must abandon the shard.
func (c *Coordinator) ReportProgress(ctx context.Context, job string, shard int, owner string, meta *string) (bool, error) {
	now := c.nowMS()
	res, err := c.db.ExecContext(ctx, `
		UPDATE leases
		SET last_progress_ms = $4, meta = COALESCE($5, meta), updated_at = $4
		WHERE job = $1 AND shard = $2 AND owner_id = $3`,
		job, shard, owner, now, meta)
	if err != nil {
		return false, fmt.Errorf("%w: report_progress: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get reads the current lease row; nil when absent.
func (c *Coordinator) Get(ctx context.Context, job string, shard int) (*Lease, error) {
	var l Lease
	err := c.db.GetContext(ctx, &l, `
		SELECT job, shard, owner_id, lease_until_ms, last_progress_ms, meta, updated_at
		FROM leases WHERE job = $1 AND shard = $2`, job, shard)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	return &l, nil
}
