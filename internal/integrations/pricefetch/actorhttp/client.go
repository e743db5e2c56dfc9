package actorhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrRateLimited   = errors.New("actor api rate limited")
	ErrBudgetExpired = errors.New("actor run did not finish within wait budget")
)

const (
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
	statusAborted   = "ABORTED"
	statusTimedOut  = "TIMED-OUT"
)

// Client starts a hosted scraping actor run per batch, waits for it and reads its dataset.
type Client struct {
	baseURL    string
	actorID    string
	token      string
	waitBudget time.Duration
	pollEvery  time.Duration
	httpc      *http.Client
}

func New(baseURL, actorID, token string) *Client {
	if baseURL == "" {
		baseURL = "https://api.apify.com"
	}
	return &Client{
		baseURL:    baseURL,
		actorID:    actorID,
		token:      token,
		waitBudget: 5 * time.Minute,
		pollEvery:  5 * time.Second,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) WithWait(budget, pollEvery time.Duration) *Client {
	if budget > 0 {
		c.waitBudget = budget
	}
	if pollEvery > 0 {
		c.pollEvery = pollEvery
	}
	return c
}

type startURL struct {
	URL string `json:"url"`
}

type runInput struct {
	StartURLs []startURL `json:"startUrls"`
}

type runResp struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"data"`
}

func (c *Client) FetchBatch(ctx context.Context, urls []string) ([]json.RawMessage, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	in := runInput{StartURLs: make([]startURL, 0, len(urls))}
	for _, u := range urls {
		in.StartURLs = append(in.StartURLs, startURL{URL: u})
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, "encode run input")
	}

	var run runResp
	if err := c.do(ctx, http.MethodPost, "/v2/acts/"+url.PathEscape(c.actorID)+"/runs", body, &run); err != nil {
		return nil, errors.Wrap(err, "start run")
	}

	run, err = c.waitRun(ctx, run)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v2/datasets/"+url.PathEscape(run.Data.DefaultDatasetID)+"/items", nil, &items); err != nil {
		return nil, errors.Wrap(err, "read dataset")
	}
	return items, nil
}

func (c *Client) waitRun(ctx context.Context, run runResp) (runResp, error) {
	ctx, cancel := context.WithTimeout(ctx, c.waitBudget)
	defer cancel()

	t := time.NewTicker(c.pollEvery)
	defer t.Stop()

	for {
		switch run.Data.Status {
		case statusSucceeded:
			return run, nil
		case statusFailed, statusAborted, statusTimedOut:
			return run, fmt.Errorf("actor run %s ended with status %s", run.Data.ID, run.Data.Status)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return run, ErrBudgetExpired
			}
			return run, ctx.Err()
		case <-t.C:
		}

		id := run.Data.ID
		if err := c.do(ctx, http.MethodGet, "/v2/actor-runs/"+url.PathEscape(id), nil, &run); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return run, ErrBudgetExpired
			}
			return run, errors.Wrap(err, "poll run")
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = path
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("actor api http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}
