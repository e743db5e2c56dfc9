package microdata

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/pkg/errors"
)

var ErrAllPagesFailed = errors.New("no product page could be fetched")

const srcKey = "src"

// Client scrapes product pages directly and reads schema.org / OpenGraph price markup.
type Client struct {
	parallelism int
	userAgent   string
	timeout     time.Duration
}

func New(parallelism int) *Client {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Client{
		parallelism: parallelism,
		userAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
		timeout:     20 * time.Second,
	}
}

type item struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Price    string `json:"price,omitempty"`
	Currency string `json:"currency,omitempty"`
}

func (c *Client) FetchBatch(ctx context.Context, urls []string) ([]json.RawMessage, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	col := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(c.userAgent),
		colly.AllowURLRevisit(),
	)
	col.SetRequestTimeout(c.timeout)
	if err := col.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: c.parallelism}); err != nil {
		return nil, errors.Wrap(err, "collector limit")
	}

	var (
		mu    sync.Mutex
		found = make(map[string]item, len(urls))
	)

	col.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	col.OnHTML("html", func(e *colly.HTMLElement) {
		src := e.Request.Ctx.Get(srcKey)
		it := item{URL: src}

		it.Price = firstNonEmpty(
			e.ChildAttr(`meta[property="product:price:amount"]`, "content"),
			e.ChildAttr(`[itemprop=price]`, "content"),
			e.ChildText(`[itemprop=price]`),
		)
		it.Currency = firstNonEmpty(
			e.ChildAttr(`meta[property="product:price:currency"]`, "content"),
			e.ChildAttr(`[itemprop=priceCurrency]`, "content"),
		)
		it.Title = firstNonEmpty(
			e.ChildAttr(`meta[property="og:title"]`, "content"),
			e.ChildText("title"),
		)

		mu.Lock()
		found[src] = it
		mu.Unlock()
	})

	col.OnError(func(r *colly.Response, err error) {
		slog.Warn("product page fetch failed",
			"url", r.Request.Ctx.Get(srcKey), "status", r.StatusCode, "error", err.Error())
	})

	for _, u := range urls {
		rc := colly.NewContext()
		rc.Put(srcKey, u)
		if err := col.Request("GET", u, nil, rc, nil); err != nil {
			slog.Warn("product page request rejected", "url", u, "error", err.Error())
		}
	}
	col.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(found))
	for _, u := range urls {
		it, ok := found[u]
		if !ok {
			continue
		}
		b, err := json.Marshal(it)
		if err != nil {
			return nil, errors.Wrap(err, "encode item")
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, ErrAllPagesFailed
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
