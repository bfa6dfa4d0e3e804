package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Seed is one discovery seed: an RSS feed or category listing page.
type Seed struct {
	SeedURL   string `db:"seed_url"`
	ChannelID *int   `db:"channel_id"`
	Enabled   bool   `db:"enabled"`
}

// CrawlState tracks backfill pagination progress for one seed.
type CrawlState struct {
	SeedURL               string     `db:"seed_url"`
	NextPage              int        `db:"next_page"`
	Done                  bool       `db:"done"`
	NoNewPagesCount       int        `db:"no_new_pages_count"`
	OldestSeenPublishedAt *time.Time `db:"oldest_seen_published_at"`
	LastCrawledAt         *time.Time `db:"last_crawled_at"`
	LastError             *string    `db:"last_error"`
}

// ListFeeds returns registered RSS feed URLs.
func (w *Warehouse) ListFeeds(ctx context.Context) ([]string, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var out []string
	if err := w.db.SelectContext(ctx, &out, `SELECT feed_url FROM feeds ORDER BY feed_url`); err != nil {
		return nil, classify(fmt.Errorf("list feeds: %w", err))
	}
	return out, nil
}

// TouchFeed records a feed check and advances last_seen_published_at when a
// newer item was seen.
func (w *Warehouse) TouchFeed(ctx context.Context, feedURL string, newestPublishedAt *time.Time) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO feeds (feed_url, last_seen_published_at, last_checked_at)
		VALUES ($1, $2, now())
		ON CONFLICT (feed_url) DO UPDATE SET
			last_checked_at = now(),
			last_seen_published_at = GREATEST(
				COALESCE(feeds.last_seen_published_at, 'epoch'::timestamptz),
				COALESCE(EXCLUDED.last_seen_published_at, 'epoch'::timestamptz)),
			updated_at = now()`,
		feedURL, newestPublishedAt)
	if err != nil {
		return classify(fmt.Errorf("touch feed: %w", err))
	}
	return nil
}

// ListEnabledSeeds returns enabled seeds joined with their crawl state,
// never-crawled first. Crawl state rows are created lazily here.
func (w *Warehouse) ListEnabledSeeds(ctx context.Context) ([]Seed, map[string]CrawlState, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	if _, err := w.db.ExecContext(ctx, `
		INSERT INTO crawl_state (seed_url)
		SELECT seed_url FROM seeds WHERE enabled = true
		ON CONFLICT (seed_url) DO NOTHING`); err != nil {
		return nil, nil, classify(fmt.Errorf("seed crawl state: %w", err))
	}

	type joined struct {
		Seed
		CrawlState
	}
	var rows []joined
	err := w.db.SelectContext(ctx, &rows, `
		SELECT s.seed_url, s.channel_id, s.enabled,
		       cs.next_page, cs.done, cs.no_new_pages_count,
		       cs.oldest_seen_published_at, cs.last_crawled_at, cs.last_error
		FROM seeds s
		JOIN crawl_state cs ON cs.seed_url = s.seed_url
		WHERE s.enabled = true AND cs.done = false
		ORDER BY cs.last_crawled_at ASC NULLS FIRST, s.seed_url`)
	if err != nil {
		return nil, nil, classify(fmt.Errorf("list seeds: %w", err))
	}

	seeds := make([]Seed, 0, len(rows))
	states := make(map[string]CrawlState, len(rows))
	for _, r := range rows {
		s := r.Seed
		cs := r.CrawlState
		cs.SeedURL = s.SeedURL
		seeds = append(seeds, s)
		states[s.SeedURL] = cs
	}
	return seeds, states, nil
}

// UpdateCrawlState writes pagination progress for one seed.
func (w *Warehouse) UpdateCrawlState(ctx context.Context, cs CrawlState) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		UPDATE crawl_state
		SET next_page = $2,
		    done = $3,
		    no_new_pages_count = $4,
		    oldest_seen_published_at = COALESCE($5, oldest_seen_published_at),
		    last_crawled_at = now(),
		    last_error = $6
		WHERE seed_url = $1`,
		cs.SeedURL, cs.NextPage, cs.Done, cs.NoNewPagesCount,
		cs.OldestSeenPublishedAt, cs.LastError)
	if err != nil {
		return classify(fmt.Errorf("update crawl state: %w", err))
	}
	return nil
}

// CountUnfinishedSeeds reports enabled seeds not yet done; zero means the
// backfill is complete.
func (w *Warehouse) CountUnfinishedSeeds(ctx context.Context) (int, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var n int
	err := w.db.GetContext(ctx, &n, `
		SELECT count(*)
		FROM crawl_state cs
		JOIN seeds s ON s.seed_url = cs.seed_url
		WHERE s.enabled = true AND cs.done = false`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, classify(fmt.Errorf("count unfinished seeds: %w", err))
	}
	return n, nil
}
