package pricefetch

import (
	"context"
	"encoding/json"
)

// Client is the price fetch gateway: one call fetches every URL of a batch. Results are
// best-effort and come back as raw items; run them through ParseResults before use.
type Client interface {
	FetchBatch(ctx context.Context, urls []string) ([]json.RawMessage, error)
}
