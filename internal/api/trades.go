package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/coupon-exchange/internal/model"
)

// ListTradesOptions filters GET /api/trades/history.
type ListTradesOptions struct {
	Page   int    // zero-based
	Size   int    // default: server-chosen
	Status string // optional status filter
}

// ListTrades fetches one page of the user's trade history.
func (c *Client) ListTrades(ctx context.Context, opts ListTradesOptions) (*TradePage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(opts.Page))
	if opts.Size > 0 {
		query.Set("size", strconv.Itoa(opts.Size))
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}

	var page TradePage
	if err := c.get(ctx, "/api/trades/history", query, &page); err != nil {
		return nil, fmt.Errorf("list trades page %d: %w", opts.Page, err)
	}
	return &page, nil
}

// Trades converts the page content, skipping rows ToModel rejects.
func (p *TradePage) Trades() []model.Trade {
	out := make([]model.Trade, 0, len(p.Content))
	for i := range p.Content {
		if tr, ok := p.Content[i].ToModel(); ok {
			out = append(out, tr)
		}
	}
	return out
}

// HasMore reports whether a later page exists.
func (p *TradePage) HasMore() bool {
	if p.Last {
		return false
	}
	return p.Page+1 < p.TotalPages
}
