package netskope

import (
	"context"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/polling"
)

// Client fetches one category for one run window. It owns the result set
// of that category; nothing else writes to it.
type Client struct {
	cfg     CategoryConfig
	window  platforms.TimeWindow
	fetcher *Fetcher

	results   []platforms.SubtypeResult
	resultSet platforms.ResultSet
}

var _ platforms.LogSource = (*Client)(nil)

func NewClient(cfg CategoryConfig, window platforms.TimeWindow, fetcher *Fetcher) *Client {
	return &Client{cfg: cfg, window: window, fetcher: fetcher}
}

func (c *Client) Name() string { return c.cfg.Category.String() }

// FetchAll fetches every configured type concurrently. There are no retries
// at this level.
func (c *Client) FetchAll(ctx context.Context) (platforms.ResultSet, error) {
	results, err := polling.FetchSubtypes(ctx, c.cfg.Subtypes(), func(ctx context.Context, subtype string) (platforms.SubtypeResult, error) {
		return c.fetcher.FetchSubtype(ctx, c.cfg.URL, subtype, c.window)
	}, c.fetcher.log)

	c.results = results
	if err != nil {
		return nil, err
	}
	c.resultSet = polling.ResultSetFrom(results)
	return c.resultSet, nil
}

func (c *Client) Summary() []platforms.SubtypeResult {
	return c.results
}

// Results returns the result set of the last successful FetchAll.
func (c *Client) Results() platforms.ResultSet {
	return c.resultSet
}
