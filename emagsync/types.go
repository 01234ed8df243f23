package emagsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/lumisoft/seller_backend/models"
	"github.com/shopspring/decimal"
)

// RemoteItem is one entity received from a marketplace listing endpoint.
// Raw always holds the original payload; the typed fields are best-effort
// parsed, and ParseErr carries whatever went wrong so the upsert layer can
// isolate the item instead of the fetcher aborting the page.
type RemoteItem struct {
	ExternalId string
	Account    models.MarketplaceAccount
	Kind       models.MarketplaceItemKind

	Name            string
	Sku             string
	Price           decimal.Decimal
	Stock           int
	StatusCode      string
	RemoteUpdatedAt *time.Time

	Raw      json.RawMessage
	ParseErr error
}

// apiEnvelope is the wire shape every marketplace response must carry:
// {"isError": bool, "messages": [...], "results": ...}. IsError is a pointer
// so that a structurally missing envelope is distinguishable from isError=false.
type apiEnvelope struct {
	IsError  *bool             `json:"isError"`
	Messages []json.RawMessage `json:"messages"`
	Results  json.RawMessage   `json:"results"`
}

// messageText extracts human-readable text from a messages entry, which the
// marketplace serves either as a bare string or as {"text": "..."}.
func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Text    string `json:"text"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Text != "" {
			return obj.Text
		}
		if obj.Message != "" {
			return obj.Message
		}
	}
	return string(raw)
}

func (e *apiEnvelope) messageTexts() []string {
	out := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		out = append(out, messageText(m))
	}
	return out
}

// remoteItemPayload is the lenient superset of fields the listing endpoints
// serve across products, offers and orders. Numeric ids and statuses arrive
// as either numbers or strings depending on endpoint version.
type remoteItemPayload struct {
	Id         json.RawMessage `json:"id"`
	Name       string          `json:"name"`
	PartNumber string          `json:"part_number"`
	Sku        string          `json:"sku"`
	SalePrice  json.RawMessage `json:"sale_price"`
	Price      json.RawMessage `json:"price"`
	Status     json.RawMessage `json:"status"`
	Stock      json.RawMessage `json:"stock"`
	Modified   string          `json:"modified"`
	UpdatedAt  string          `json:"updated_at"`
}

type stockEntry struct {
	Value int `json:"value"`
}

// parseRemoteItem decodes one raw listing entry. It never returns an error:
// a malformed entry comes back with ParseErr set, preserving per-item failure
// isolation downstream.
func parseRemoteItem(account models.MarketplaceAccount, kind models.MarketplaceItemKind, raw json.RawMessage) RemoteItem {
	item := RemoteItem{Account: account, Kind: kind, Raw: raw}

	var payload remoteItemPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		item.ParseErr = fmt.Errorf("decode item payload: %w", err)
		return item
	}

	item.ExternalId = rawScalarString(payload.Id)
	if item.ExternalId == "" {
		item.ParseErr = fmt.Errorf("item id missing")
		return item
	}

	item.Name = strings.TrimSpace(payload.Name)
	item.Sku = strings.TrimSpace(payload.PartNumber)
	if item.Sku == "" {
		item.Sku = strings.TrimSpace(payload.Sku)
	}

	priceStr := rawScalarString(payload.SalePrice)
	if priceStr == "" {
		priceStr = rawScalarString(payload.Price)
	}
	if priceStr != "" {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			item.ParseErr = fmt.Errorf("invalid price %q: %w", priceStr, err)
			return item
		}
		item.Price = price
	}

	item.StatusCode = rawScalarString(payload.Status)
	item.Stock = parseStock(payload.Stock)

	modified := payload.Modified
	if modified == "" {
		modified = payload.UpdatedAt
	}
	if ts := parseRemoteTime(modified); ts != nil {
		item.RemoteUpdatedAt = ts
	}

	return item
}

// rawScalarString renders a JSON scalar (string or number) as its string form.
func rawScalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// parseStock accepts both the flat numeric form and the per-warehouse array
// form ([{"warehouse_id":1,"value":3}]), summing the latter.
func parseStock(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var entries []stockEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		total := 0
		for _, e := range entries {
			total += e.Value
		}
		return total
	}
	return 0
}

func parseRemoteTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func formatRemoteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// externalIdInt is used when building selective-fetch filters: the listing
// endpoints expect numeric ids where the id is numeric.
func externalIdInt(id string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
