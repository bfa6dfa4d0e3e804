package warehouse

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// migrations compose: every statement is IF NOT EXISTS so re-running against
// a live warehouse is safe. Timescale-specific statements are applied
// best-effort below, so the schema also works on plain Postgres in tests.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		ticker text NOT NULL,
		tf text NOT NULL,
		ts bigint NOT NULL,
		o double precision NOT NULL,
		h double precision NOT NULL,
		l double precision NOT NULL,
		c double precision NOT NULL,
		v double precision,
		source text,
		ingested_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (ticker, tf, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS candles_ticker_tf_ts_desc ON candles (ticker, tf, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS candles_tf_ts_desc ON candles (tf, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS candles_latest (
		ticker text NOT NULL,
		tf text NOT NULL,
		ts bigint NOT NULL,
		o double precision NOT NULL,
		h double precision NOT NULL,
		l double precision NOT NULL,
		c double precision NOT NULL,
		v double precision,
		source text,
		ingested_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (ticker, tf)
	)`,
	`CREATE INDEX IF NOT EXISTS candles_latest_tf_ts_desc ON candles_latest (tf, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS leases (
		job text NOT NULL,
		shard int NOT NULL,
		owner_id text NOT NULL,
		lease_until_ms bigint NOT NULL,
		last_progress_ms bigint NOT NULL,
		meta text,
		updated_at bigint NOT NULL,
		PRIMARY KEY (job, shard)
	)`,

	`CREATE TABLE IF NOT EXISTS shard_cursors (
		job text NOT NULL,
		shard int NOT NULL,
		next_index int NOT NULL DEFAULT 0,
		last_batch text,
		batch_size int,
		universe_count int,
		updated_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (job, shard)
	)`,

	`CREATE TABLE IF NOT EXISTS candle_repair_queue (
		id bigserial PRIMARY KEY,
		ticker text NOT NULL,
		tf text NOT NULL,
		window_start_ts bigint NOT NULL,
		window_end_ts bigint NOT NULL,
		expected_bars int NOT NULL DEFAULT 0,
		note text,
		status text NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','running','done','error')),
		attempts int NOT NULL DEFAULT 0,
		last_error text,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		UNIQUE (ticker, tf, window_start_ts, window_end_ts)
	)`,

	`CREATE TABLE IF NOT EXISTS candle_repairs (
		id bigserial PRIMARY KEY,
		ticker text NOT NULL,
		tf text NOT NULL,
		window_start_ts bigint NOT NULL,
		window_end_ts bigint NOT NULL,
		missing_count int NOT NULL DEFAULT 0,
		note text,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS symbols (
		ticker text PRIMARY KEY,
		name text,
		exchange text,
		active boolean,
		updated_at bigint
	)`,

	`CREATE TABLE IF NOT EXISTS articles (
		url text PRIMARY KEY,
		canonical_url text,
		source text NOT NULL,
		title text NOT NULL,
		published_at timestamptz,
		feed_url text,
		discovered_at timestamptz NOT NULL DEFAULT now(),
		fetched_at timestamptz,
		fetch_status text NOT NULL DEFAULT 'pending',
		fetch_method text,
		fetch_error text,
		text text,
		content_sha256 text,
		word_count int,
		lang text,
		ingested_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS articles_published_desc ON articles (published_at DESC, url DESC)`,
	`CREATE INDEX IF NOT EXISTS articles_fetch_status ON articles (fetch_status, discovered_at)`,
	`CREATE INDEX IF NOT EXISTS articles_fulltext ON articles
		USING GIN (to_tsvector('simple', coalesce(title,'') || ' ' || coalesce(text,'')))`,

	`CREATE TABLE IF NOT EXISTS article_symbols (
		article_url text NOT NULL REFERENCES articles(url),
		ticker text NOT NULL,
		confidence double precision NOT NULL,
		method text NOT NULL,
		PRIMARY KEY (article_url, ticker)
	)`,
	`CREATE INDEX IF NOT EXISTS article_symbols_ticker ON article_symbols (ticker)`,

	`CREATE TABLE IF NOT EXISTS fi_latest (
		ticker text NOT NULL,
		period text NOT NULL,
		statement text NOT NULL,
		period_date date,
		metric text NOT NULL,
		value double precision,
		fetched_at timestamptz,
		ingested_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (ticker, period, statement, metric)
	)`,
	`CREATE INDEX IF NOT EXISTS fi_latest_metric_value ON fi_latest (period, metric, value DESC NULLS LAST)`,

	`CREATE TABLE IF NOT EXISTS fi_points (
		ticker text NOT NULL,
		period text NOT NULL,
		statement text NOT NULL,
		period_date date NOT NULL,
		period_date_name text,
		metric text NOT NULL,
		value double precision,
		fetched_at timestamptz,
		PRIMARY KEY (ticker, period, statement, period_date, metric)
	)`,

	`CREATE TABLE IF NOT EXISTS feeds (
		feed_url text PRIMARY KEY,
		last_seen_published_at timestamptz,
		last_checked_at timestamptz,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS seeds (
		seed_url text PRIMARY KEY,
		channel_id int,
		enabled boolean NOT NULL DEFAULT true
	)`,

	`CREATE TABLE IF NOT EXISTS crawl_state (
		seed_url text PRIMARY KEY,
		next_page int NOT NULL DEFAULT 1,
		done boolean NOT NULL DEFAULT false,
		no_new_pages_count int NOT NULL DEFAULT 0,
		oldest_seen_published_at timestamptz,
		last_crawled_at timestamptz,
		last_error text
	)`,

	`CREATE TABLE IF NOT EXISTS corporate_actions (
		id text PRIMARY KEY,
		ticker text NOT NULL,
		exchange text,
		ex_date date,
		record_date date,
		pay_date date,
		event_type text,
		headline text,
		source text NOT NULL,
		source_url text,
		ingested_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS corporate_actions_ex_desc ON corporate_actions (ex_date DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS corporate_actions_ticker ON corporate_actions (ticker, ex_date DESC)`,

	`CREATE TABLE IF NOT EXISTS control_kv (
		key text PRIMARY KEY,
		value text NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS market_stats (
		metric text PRIMARY KEY,
		value double precision,
		detail text,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS symbol_context_latest (
		ticker text PRIMARY KEY,
		article_count int NOT NULL DEFAULT 0,
		last_article_at timestamptz,
		candle_latest_ts bigint,
		fi_metric_count int NOT NULL DEFAULT 0,
		rebuilt_at timestamptz NOT NULL DEFAULT now()
	)`,
}

// timescale statements are applied after the plain-SQL migrations and are
// allowed to fail when the extension is not installed.
var timescale = []string{
	// 30 days in ms.
	`SELECT create_hypertable('candles', 'ts',
		chunk_time_interval => 2592000000, if_not_exists => TRUE, migrate_data => TRUE)`,
	`ALTER TABLE candles SET (
		timescaledb.compress,
		timescaledb.compress_segmentby = 'ticker,tf',
		timescaledb.compress_orderby = 'ts')`,
	// 14 days in ms.
	`SELECT add_compression_policy('candles', compress_after => 1209600000, if_not_exists => TRUE)`,
}

// Migrate applies the schema. Safe to run on every worker start.
func (w *Warehouse) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return classify(fmt.Errorf("migrate: %w", err))
		}
	}

	for _, stmt := range timescale {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			log.Debug().Err(err).Msg("timescale statement skipped")
		}
	}
	return nil
}
