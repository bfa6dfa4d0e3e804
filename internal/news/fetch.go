package news

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/nkgotcode/vietmarket/internal/metrics"
	"github.com/nkgotcode/vietmarket/internal/news/linker"
	"github.com/nkgotcode/vietmarket/internal/source"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// BrowserUA is pinned for both the plain and headless fetch paths so the
// sites see one consistent client.
const BrowserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// minWords is the body size below which a page is treated as blocked or
// truncated and retried through the headless path.
const minWords = 80

// Fetcher downloads pending article bodies, extracts text, and links
// tickers inline.
type Fetcher struct {
	DB           *warehouse.Warehouse
	Client       *source.Client
	HeadlessBase string              // headless-browser render service; empty disables the retry path
	Rate         float64             // requests per second; 0 means 1
	Known        map[string]struct{} // known tickers for the linker
}

// FetchSummary is the structured result of one fetch run.
type FetchSummary struct {
	Claimed int `json:"claimed"`
	Fetched int `json:"fetched"`
	Failed  int `json:"failed"`
	Links   int `json:"links"`
}

// Run claims up to limit pending articles and fetches them under the
// configured rate.
func (f *Fetcher) Run(ctx context.Context, limit int) (FetchSummary, error) {
	var sum FetchSummary

	articles, err := f.DB.ClaimPendingArticles(ctx, limit)
	if err != nil {
		return sum, err
	}
	sum.Claimed = len(articles)

	rps := f.Rate
	if rps <= 0 {
		rps = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), 1)

	for _, a := range articles {
		if err := limiter.Wait(ctx); err != nil {
			return sum, err
		}
		links, err := f.fetchOne(ctx, a)
		if err != nil {
			sum.Failed++
			metrics.ArticlesFetched.WithLabelValues("failed", "http").Inc()
			if err := f.DB.MarkArticleFailed(ctx, a.URL, err.Error()); err != nil {
				return sum, err
			}
			continue
		}
		sum.Fetched++
		sum.Links += links
	}

	log.Info().Int("claimed", sum.Claimed).Int("fetched", sum.Fetched).
		Int("failed", sum.Failed).Int("links", sum.Links).Msg("fetch run complete")
	return sum, nil
}

// fetchOne downloads, extracts, stores, and links one article. It falls
// back to the headless path when the plain fetch looks blocked.
func (f *Fetcher) fetchOne(ctx context.Context, a warehouse.Article) (int, error) {
	text, method, err := f.download(ctx, a.URL)
	if err != nil {
		return 0, err
	}

	sum := sha256.Sum256([]byte(text))
	words := WordCount(text)
	if err := f.DB.MarkArticleFetched(ctx, a.URL, text, hex.EncodeToString(sum[:]),
		words, DetectLang(text), method); err != nil {
		return 0, err
	}
	metrics.ArticlesFetched.WithLabelValues("fetched", method).Inc()

	return f.link(ctx, a.URL, a.Title, text)
}

func (f *Fetcher) download(ctx context.Context, articleURL string) (text, method string, err error) {
	opts := source.Options{Headers: map[string]string{"User-Agent": BrowserUA}}

	res, err := f.Client.Get(ctx, articleURL, opts)
	blocked := false
	if err != nil {
		var se *source.Err
		if !errors.As(err, &se) || se.Status != 403 {
			return "", "", err
		}
		blocked = true
	}

	if !blocked {
		text, _ = ExtractText(string(res.Body))
		if WordCount(text) >= minWords {
			return text, "http", nil
		}
	}

	if f.HeadlessBase == "" {
		if blocked {
			return "", "", fmt.Errorf("fetch %s: blocked (403) and no headless path", articleURL)
		}
		return "", "", fmt.Errorf("fetch %s: body too short (%d words)", articleURL, WordCount(text))
	}

	renderURL := strings.TrimRight(f.HeadlessBase, "/") + "/render?url=" + url.QueryEscape(articleURL)
	res, err = f.Client.Get(ctx, renderURL, opts)
	if err != nil {
		return "", "", fmt.Errorf("headless fetch %s: %w", articleURL, err)
	}
	text, _ = ExtractText(string(res.Body))
	if WordCount(text) < minWords {
		return "", "", fmt.Errorf("fetch %s: body too short after headless retry (%d words)", articleURL, WordCount(text))
	}
	return text, "headless", nil
}

// link runs the ticker linker over title and body and upserts the results.
func (f *Fetcher) link(ctx context.Context, articleURL, title, body string) (int, error) {
	links := linker.FromTitle(title, f.Known)
	links = append(links, linker.FromBody(body, f.Known)...)

	n := 0
	for _, l := range links {
		if err := f.DB.UpsertArticleSymbol(ctx, articleURL, l.Ticker, l.Confidence, l.Method); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Relink re-runs the linker over recently fetched articles. Confidence
// upserts are monotone, so re-linking is always safe.
func Relink(ctx context.Context, db *warehouse.Warehouse, known map[string]struct{}, limit int) (int, error) {
	articles, err := db.ListRecentFetched(ctx, limit)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, a := range articles {
		body := ""
		if a.Text != nil {
			body = *a.Text
		}
		links := linker.FromTitle(a.Title, known)
		links = append(links, linker.FromBody(body, known)...)
		for _, l := range links {
			if err := db.UpsertArticleSymbol(ctx, a.URL, l.Ticker, l.Confidence, l.Method); err != nil {
				return total, err
			}
			total++
		}
	}
	log.Info().Int("articles", len(articles)).Int("links", total).Msg("relink complete")
	return total, nil
}
