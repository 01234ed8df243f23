package emagsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/lumisoft/seller_backend/models"
	"github.com/sirupsen/logrus"
)

// FetchOptions tune one pagination walk. Zero values fall back to the
// fetcher's defaults.
type FetchOptions struct {
	PageSize  int
	StartPage int
	// MaxPages is the safety valve against a remote endpoint that never
	// returns an empty page.
	MaxPages  int
	PageDelay time.Duration

	// UpdatedSince narrows the listing to recently modified items
	// (incremental mode).
	UpdatedSince *time.Time
	// ExternalIds restricts the listing to explicit ids (selective mode).
	ExternalIds []string
}

// PageFetchError is surfaced when one page could not be fetched after the
// client exhausted its own retries. LastGoodPage lets the orchestrator record
// a resume offset instead of discarding the pages already persisted.
type PageFetchError struct {
	Page         int
	LastGoodPage int
	Err          error
}

func (e *PageFetchError) Error() string {
	return fmt.Sprintf("page %d fetch failed (last good page %d): %v", e.Page, e.LastGoodPage, e.Err)
}

func (e *PageFetchError) Unwrap() error { return e.Err }

// Fetcher flattens a paginated listing endpoint into per-page item slices.
// Pages are fetched sequentially per account, which keeps the token-bucket
// consumption deterministic.
type Fetcher struct {
	client *Client
	cfg    SyncConfig
	logger *logrus.Logger
}

func NewFetcher(client *Client, cfg SyncConfig, logger *logrus.Logger) *Fetcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Fetcher{client: client, cfg: cfg, logger: logger}
}

func kindPath(kind models.MarketplaceItemKind) string {
	switch kind {
	case models.ItemKindOrder:
		return "order/read"
	case models.ItemKindProduct:
		return "product/read"
	default:
		return "product_offer/read"
	}
}

func kindClass(kind models.MarketplaceItemKind) ResourceClass {
	if kind == models.ItemKindOrder {
		return ResourceClassOrders
	}
	return ResourceClassDefault
}

// FetchAll walks the listing sequentially from opts.StartPage, invoking fn
// once per page with parsed, run-deduplicated items. It stops at the first
// empty page or at the page cap. Errors from fn propagate unchanged; fetch
// failures come back as *PageFetchError.
func (f *Fetcher) FetchAll(ctx context.Context, account models.MarketplaceAccount, kind models.MarketplaceItemKind, opts FetchOptions, fn func(page int, items []RemoteItem) error) error {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = f.cfg.PageSize
	}
	pageSize = clampPageSize(pageSize)

	startPage := opts.StartPage
	if startPage <= 0 {
		startPage = 1
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = f.cfg.MaxPages
	}
	pageDelay := opts.PageDelay
	if pageDelay <= 0 {
		pageDelay = f.cfg.PageDelay
	}

	path := kindPath(kind)
	class := kindClass(kind)
	lastGoodPage := startPage - 1
	seen := make(map[string]bool)

	for page, fetched := startPage, 0; fetched < maxPages; page, fetched = page+1, fetched+1 {
		if fetched > 0 && pageDelay > 0 {
			// Some endpoint families rate-limit on wall-clock spacing in
			// addition to burst count; the bucket alone is not enough.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pageDelay):
			}
		}

		body := f.listRequestBody(page, pageSize, opts)
		resp, err := f.client.Do(ctx, account, http.MethodPost, path, body, class)
		if err != nil {
			return &PageFetchError{Page: page, LastGoodPage: lastGoodPage, Err: err}
		}

		var rawItems []json.RawMessage
		if len(resp.Results) > 0 {
			if err := json.Unmarshal(resp.Results, &rawItems); err != nil {
				return &PageFetchError{Page: page, LastGoodPage: lastGoodPage, Err: fmt.Errorf("decode results: %w", err)}
			}
		}
		if len(rawItems) == 0 {
			return nil
		}

		items := make([]RemoteItem, 0, len(rawItems))
		for _, raw := range rawItems {
			item := parseRemoteItem(account, kind, raw)
			if item.ExternalId != "" {
				if seen[item.ExternalId] {
					continue
				}
				seen[item.ExternalId] = true
			}
			items = append(items, item)
		}

		if err := fn(page, items); err != nil {
			return err
		}
		lastGoodPage = page

		if len(rawItems) < pageSize {
			return nil
		}
	}

	f.logger.WithFields(logrus.Fields{
		"module":    "emagsync",
		"account":   account,
		"item_kind": kind,
		"max_pages": maxPages,
	}).Warn("page cap reached before an empty page; stopping listing walk")
	return nil
}

func (f *Fetcher) listRequestBody(page, pageSize int, opts FetchOptions) map[string]interface{} {
	body := map[string]interface{}{
		"currentPage":  page,
		"itemsPerPage": pageSize,
	}
	if opts.UpdatedSince != nil {
		body["modifiedAfter"] = formatRemoteTime(*opts.UpdatedSince)
	}
	if len(opts.ExternalIds) > 0 {
		ids := make([]interface{}, 0, len(opts.ExternalIds))
		for _, id := range opts.ExternalIds {
			if n, ok := externalIdInt(id); ok {
				ids = append(ids, n)
			} else {
				ids = append(ids, id)
			}
		}
		body["id"] = ids
	}
	return body
}
