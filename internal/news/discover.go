// Package news discovers articles from RSS feeds and category listings and
// fetches their bodies. Discovery runs against a local relay because the
// upstream sites block non-browser user agents; the relay caches feed XML.
package news

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nkgotcode/vietmarket/internal/source"
	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// A seed is retired after this many consecutive listing pages with no new
// URLs. The backfill flag flips once every enabled seed is retired.
const noNewPagesToDone = 3

// BackfillDoneKey is the control_kv flag set when all seeds are done.
const BackfillDoneKey = "backfill.done"

// Discoverer walks feeds and paginated category listings, recording every
// article URL as pending.
type Discoverer struct {
	DB        *warehouse.Warehouse
	Client    *source.Client
	RelayBase string // local relay; feed and listing URLs are fetched through it
	SiteBase  string // base for resolving relative article links
	MaxPages  int    // listing pages per seed per run; 0 means 10
}

// DiscoverSummary is the structured result of one discovery run.
type DiscoverSummary struct {
	FeedsChecked int  `json:"feeds_checked"`
	SeedsCrawled int  `json:"seeds_crawled"`
	NewArticles  int  `json:"new_articles"`
	SeedsDone    int  `json:"seeds_done"`
	BackfillDone bool `json:"backfill_done"`
}

// Run executes one discovery pass: every registered feed, then up to
// MaxPages listing pages for each unfinished seed.
func (d *Discoverer) Run(ctx context.Context) (DiscoverSummary, error) {
	var sum DiscoverSummary

	feeds, err := d.DB.ListFeeds(ctx)
	if err != nil {
		return sum, err
	}
	for _, feedURL := range feeds {
		n, err := d.checkFeed(ctx, feedURL)
		if err != nil {
			log.Warn().Str("feed", feedURL).Err(err).Msg("feed check failed")
			continue
		}
		sum.FeedsChecked++
		sum.NewArticles += n
	}

	seeds, states, err := d.DB.ListEnabledSeeds(ctx)
	if err != nil {
		return sum, err
	}
	for _, seed := range seeds {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		st := states[seed.SeedURL]
		added, done, err := d.crawlSeed(ctx, seed, st)
		if err != nil {
			log.Warn().Str("seed", seed.SeedURL).Err(err).Msg("seed crawl failed")
			continue
		}
		sum.SeedsCrawled++
		sum.NewArticles += added
		if done {
			sum.SeedsDone++
		}
	}

	unfinished, err := d.DB.CountUnfinishedSeeds(ctx)
	if err != nil {
		return sum, err
	}
	if unfinished == 0 {
		if err := d.DB.SetKV(ctx, BackfillDoneKey, "true"); err != nil {
			return sum, err
		}
		sum.BackfillDone = true
	}

	log.Info().Int("feeds", sum.FeedsChecked).Int("seeds", sum.SeedsCrawled).
		Int("new", sum.NewArticles).Bool("backfill_done", sum.BackfillDone).
		Msg("discovery run complete")
	return sum, nil
}

// checkFeed reads one cached feed through the relay and records its items.
func (d *Discoverer) checkFeed(ctx context.Context, feedURL string) (int, error) {
	res, err := d.Client.Get(ctx, d.relayURL(feedURL), source.Options{CacheTTL: 5 * time.Minute})
	if err != nil {
		return 0, err
	}
	items, err := ParseFeed(res.Body)
	if err != nil {
		return 0, err
	}

	added := 0
	var newest *time.Time
	for _, it := range items {
		if err := d.DB.UpsertArticle(ctx, it.Link, "rss", titleOr(it.Title, it.Link), it.PublishedAt, &feedURL); err != nil {
			return added, err
		}
		added++
		if it.PublishedAt != nil && (newest == nil || it.PublishedAt.After(*newest)) {
			newest = it.PublishedAt
		}
	}
	return added, d.DB.TouchFeed(ctx, feedURL, newest)
}

// crawlSeed walks listing pages for one seed from its saved next_page. A
// page is "new" when at least one of its article URLs was not yet known;
// three no-new pages in a row retire the seed.
func (d *Discoverer) crawlSeed(ctx context.Context, seed warehouse.Seed, st warehouse.CrawlState) (added int, done bool, err error) {
	maxPages := d.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	for i := 0; i < maxPages; i++ {
		pageURL := d.listingURL(seed, st.NextPage)
		res, err := d.Client.Get(ctx, d.relayURL(pageURL), source.Options{})
		if err != nil {
			msg := err.Error()
			st.LastError = &msg
			_ = d.DB.UpdateCrawlState(ctx, st)
			return added, false, err
		}

		links := ExtractListingLinks(string(res.Body), d.SiteBase)
		pageNew := 0
		for _, link := range links {
			known, err := d.DB.ArticleExists(ctx, link)
			if err != nil {
				return added, false, err
			}
			if known {
				continue
			}
			if err := d.DB.UpsertArticle(ctx, link, "listing", link, nil, &seed.SeedURL); err != nil {
				return added, false, err
			}
			pageNew++
		}
		added += pageNew

		st.NextPage++
		st.LastError = nil
		if pageNew == 0 {
			st.NoNewPagesCount++
		} else {
			st.NoNewPagesCount = 0
		}
		if st.NoNewPagesCount >= noNewPagesToDone {
			st.Done = true
		}
		if err := d.DB.UpdateCrawlState(ctx, st); err != nil {
			return added, false, err
		}
		if st.Done {
			log.Info().Str("seed", seed.SeedURL).Int("pages", st.NextPage-1).Msg("seed backfill done")
			return added, true, nil
		}
	}
	return added, false, nil
}

func (d *Discoverer) relayURL(target string) string {
	if d.RelayBase == "" {
		return target
	}
	return strings.TrimRight(d.RelayBase, "/") + "/fetch?url=" + url.QueryEscape(target)
}

func (d *Discoverer) listingURL(seed warehouse.Seed, page int) string {
	if seed.ChannelID != nil {
		return fmt.Sprintf("%s?channel_id=%d&page=%d", seed.SeedURL, *seed.ChannelID, page)
	}
	return fmt.Sprintf("%s?page=%d", seed.SeedURL, page)
}

func titleOr(title, fallback string) string {
	if title != "" {
		return title
	}
	return fallback
}
