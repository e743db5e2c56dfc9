package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// FakeClient answers every URL with a deterministic price derived from the URL hash.
// Roughly one URL in ten gets no price, so callers see partial batches.
type FakeClient struct {
	latency time.Duration
}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) WithLatency(d time.Duration) *FakeClient {
	f.latency = d
	return f
}

type item struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Price string `json:"price,omitempty"`
}

func (f *FakeClient) FetchBatch(ctx context.Context, urls []string) ([]json.RawMessage, error) {
	if f.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.latency):
		}
	}

	out := make([]json.RawMessage, 0, len(urls))
	for _, u := range urls {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.TrimSpace(u)))
		v := h.Sum32()

		it := item{URL: u, Title: fmt.Sprintf("fake product %08x", v)}
		if v%10 != 0 {
			cents := 500 + v%200000
			it.Price = fmt.Sprintf("%d.%02d", cents/100, cents%100)
		}
		b, err := json.Marshal(it)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
