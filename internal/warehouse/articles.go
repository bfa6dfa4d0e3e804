package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Article fetch lifecycle states.
const (
	FetchPending = "pending"
	FetchRunning = "running"
	FetchFetched = "fetched"
	FetchFailed  = "failed"
)

// Article is one discovered news item keyed by URL.
type Article struct {
	URL           string     `db:"url" json:"url"`
	CanonicalURL  *string    `db:"canonical_url" json:"canonical_url,omitempty"`
	Source        string     `db:"source" json:"source"`
	Title         string     `db:"title" json:"title"`
	PublishedAt   *time.Time `db:"published_at" json:"published_at,omitempty"`
	FeedURL       *string    `db:"feed_url" json:"feed_url,omitempty"`
	DiscoveredAt  time.Time  `db:"discovered_at" json:"discovered_at"`
	FetchedAt     *time.Time `db:"fetched_at" json:"fetched_at,omitempty"`
	FetchStatus   string     `db:"fetch_status" json:"fetch_status"`
	FetchMethod   *string    `db:"fetch_method" json:"fetch_method,omitempty"`
	FetchError    *string    `db:"fetch_error" json:"fetch_error,omitempty"`
	Text          *string    `db:"text" json:"text,omitempty"`
	ContentSHA256 *string    `db:"content_sha256" json:"content_sha256,omitempty"`
	WordCount     *int       `db:"word_count" json:"word_count,omitempty"`
	Lang          *string    `db:"lang" json:"lang,omitempty"`
	IngestedAt    time.Time  `db:"ingested_at" json:"ingested_at"`
}

// NewsRow is a query-service article row: metadata plus snippet and the
// tickers linked to the article.
type NewsRow struct {
	URL         string         `db:"url" json:"url"`
	Title       string         `db:"title" json:"title"`
	Source      string         `db:"source" json:"source"`
	PublishedAt *time.Time     `db:"published_at" json:"published_at"`
	Snippet     *string        `db:"snippet" json:"snippet"`
	Tickers     pq.StringArray `db:"tickers" json:"tickers"`
}

// UpsertArticle records a discovered article as pending. On conflict only
// metadata is refreshed; fetch state and text are preserved so a re-discovery
// never clobbers an already-fetched body.
func (w *Warehouse) UpsertArticle(ctx context.Context, url, source, title string, publishedAt *time.Time, feedURL *string) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO articles (url, source, title, published_at, feed_url, fetch_status, discovered_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', now())
		ON CONFLICT (url) DO UPDATE SET
			title = CASE WHEN EXCLUDED.title <> EXCLUDED.url THEN EXCLUDED.title ELSE articles.title END,
			published_at = COALESCE(EXCLUDED.published_at, articles.published_at),
			feed_url = COALESCE(EXCLUDED.feed_url, articles.feed_url),
			ingested_at = now()`,
		url, source, title, publishedAt, feedURL)
	if err != nil {
		return classify(fmt.Errorf("upsert article: %w", err))
	}
	return nil
}

// ArticleExists reports whether a URL is already known, so listing crawls
// can tell a no-new page from a new one without re-upserting every link.
func (w *Warehouse) ArticleExists(ctx context.Context, url string) (bool, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var one int
	err := w.db.GetContext(ctx, &one, `SELECT 1 FROM articles WHERE url = $1`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(fmt.Errorf("article exists: %w", err))
	}
	return true, nil
}

// ListRecentFetched returns fetched articles newest-first for re-linking.
func (w *Warehouse) ListRecentFetched(ctx context.Context, limit int) ([]Article, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var out []Article
	err := w.db.SelectContext(ctx, &out, `
		SELECT url, canonical_url, source, title, published_at, feed_url,
		       discovered_at, fetched_at, fetch_status, fetch_method, fetch_error,
		       text, content_sha256, word_count, lang, ingested_at
		FROM articles
		WHERE fetch_status = 'fetched'
		ORDER BY fetched_at DESC NULLS LAST
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list recent fetched: %w", err))
	}
	return out, nil
}

// ClaimPendingArticles marks up to limit pending articles running and returns
// them, oldest discovery first. FOR UPDATE SKIP LOCKED lets concurrent
// fetchers split the backlog without stepping on each other.
func (w *Warehouse) ClaimPendingArticles(ctx context.Context, limit int) ([]Article, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var out []Article
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("claim pending: %w", err))
	}
	defer tx.Rollback()

	if err := tx.SelectContext(ctx, &out, `
		SELECT url, canonical_url, source, title, published_at, feed_url,
		       discovered_at, fetched_at, fetch_status, fetch_method, fetch_error,
		       text, content_sha256, word_count, lang, ingested_at
		FROM articles
		WHERE fetch_status = 'pending'
		ORDER BY discovered_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit); err != nil {
		return nil, classify(fmt.Errorf("claim pending: %w", err))
	}
	if len(out) == 0 {
		return nil, tx.Commit()
	}

	urls := make([]string, len(out))
	for i, a := range out {
		urls[i] = a.URL
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE articles SET fetch_status = 'running' WHERE url = ANY($1)`,
		pq.Array(urls)); err != nil {
		return nil, classify(fmt.Errorf("mark running: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("claim pending commit: %w", err))
	}
	return out, nil
}

// MarkArticleFetched stores the extracted text and derived fields.
func (w *Warehouse) MarkArticleFetched(ctx context.Context, url, text, sha256Hex string, wordCount int, lang *string, method string) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		UPDATE articles
		SET fetch_status = 'fetched',
		    fetched_at = now(),
		    text = $2,
		    content_sha256 = $3,
		    word_count = $4,
		    lang = $5,
		    fetch_method = $6,
		    fetch_error = NULL
		WHERE url = $1`,
		url, text, sha256Hex, wordCount, lang, method)
	if err != nil {
		return classify(fmt.Errorf("mark fetched: %w", err))
	}
	return nil
}

// MarkArticleFailed records a fetch failure with a truncated error message.
func (w *Warehouse) MarkArticleFailed(ctx context.Context, url, fetchErr string) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	if len(fetchErr) > 800 {
		fetchErr = fetchErr[:800]
	}
	_, err := w.db.ExecContext(ctx, `
		UPDATE articles
		SET fetch_status = 'failed', fetched_at = now(), fetch_error = $2
		WHERE url = $1`, url, fetchErr)
	if err != nil {
		return classify(fmt.Errorf("mark failed: %w", err))
	}
	return nil
}

// UpsertArticleSymbol links an article to a ticker. Confidence is
// monotonically non-decreasing: a weaker re-observation never lowers it.
func (w *Warehouse) UpsertArticleSymbol(ctx context.Context, articleURL, ticker string, confidence float64, method string) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO article_symbols (article_url, ticker, confidence, method)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (article_url, ticker) DO UPDATE SET
			confidence = GREATEST(article_symbols.confidence, EXCLUDED.confidence),
			method = CASE WHEN EXCLUDED.confidence > article_symbols.confidence
			              THEN EXCLUDED.method ELSE article_symbols.method END`,
		articleURL, ticker, confidence, method)
	if err != nil {
		return classify(fmt.Errorf("upsert article symbol: %w", err))
	}
	return nil
}

const newsRowSelect = `
	SELECT a.url,
	       a.title,
	       a.source,
	       a.published_at,
	       left(a.text, 220) AS snippet,
	       coalesce(array_agg(s.ticker ORDER BY s.confidence DESC, s.ticker)
	                FILTER (WHERE s.ticker IS NOT NULL), '{}') AS tickers
	FROM articles a
	LEFT JOIN article_symbols s ON s.article_url = a.url`

// QueryNewsLatest returns fetched articles newest-first with keyset paging
// on (published_at DESC, url DESC). NULL published_at coalesces to the
// epoch on both sides of the comparison, so undated articles sort last and
// stay reachable once a cursor is supplied.
func (w *Warehouse) QueryNewsLatest(ctx context.Context, limit int, beforePublishedAt *time.Time, beforeURL string) ([]NewsRow, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	q := newsRowSelect + `
	WHERE a.fetch_status = 'fetched'`
	args := []any{}
	if beforePublishedAt != nil {
		q += ` AND (coalesce(a.published_at, 'epoch'), a.url) < ($1, $2)`
		args = append(args, *beforePublishedAt, beforeURL)
	}
	q += fmt.Sprintf(`
	GROUP BY a.url
	ORDER BY coalesce(a.published_at, 'epoch') DESC, a.url DESC
	LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	var out []NewsRow
	if err := w.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, classify(fmt.Errorf("query news latest: %w", err))
	}
	return out, nil
}

// QueryNewsByTicker returns fetched articles linked to ticker, same keyset
// order as QueryNewsLatest.
func (w *Warehouse) QueryNewsByTicker(ctx context.Context, ticker string, limit int, beforePublishedAt *time.Time, beforeURL string) ([]NewsRow, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	q := newsRowSelect + `
	WHERE a.fetch_status = 'fetched'
	  AND a.url IN (SELECT article_url FROM article_symbols WHERE ticker = $1)`
	args := []any{ticker}
	if beforePublishedAt != nil {
		q += ` AND (coalesce(a.published_at, 'epoch'), a.url) < ($2, $3)`
		args = append(args, *beforePublishedAt, beforeURL)
	}
	q += fmt.Sprintf(`
	GROUP BY a.url
	ORDER BY coalesce(a.published_at, 'epoch') DESC, a.url DESC
	LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	var out []NewsRow
	if err := w.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, classify(fmt.Errorf("query news by ticker: %w", err))
	}
	return out, nil
}
