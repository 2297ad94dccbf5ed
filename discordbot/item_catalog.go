package discordbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

const maxItemCatalogSize = 64 << 20

// ItemNames holds an item's name in each supported language. Missing
// locales are empty.
type ItemNames struct {
	En string `json:"en"`
	De string `json:"de,omitempty"`
	Fr string `json:"fr,omitempty"`
	Ja string `json:"ja,omitempty"`
	Ko string `json:"ko,omitempty"`
	Zh string `json:"zh,omitempty"`
}

// Localized returns the name for locale, falling back to English
func (n ItemNames) Localized(locale string) string {
	var name string
	switch locale {
	case "de":
		name = n.De
	case "fr":
		name = n.Fr
	case "ja":
		name = n.Ja
	case "ko":
		name = n.Ko
	case "zh":
		name = n.Zh
	}
	if name == "" {
		return n.En
	}
	return name
}

// ItemCatalog resolves item IDs to display names. It's read-only after
// construction, so it's safe for concurrent use.
type ItemCatalog struct {
	items  map[int]ItemNames
	locale string
}

func NewItemCatalog(items map[int]ItemNames, locale string) *ItemCatalog {
	if items == nil {
		items = map[int]ItemNames{}
	}
	if locale == "" {
		locale = DefaultItemCatalogLocale
	}
	return &ItemCatalog{items: items, locale: locale}
}

// Name returns the item's name in the catalog's locale, and false if the
// item is unknown
func (c *ItemCatalog) Name(id int) (string, bool) {
	names, ok := c.items[id]
	if !ok {
		return "", false
	}
	name := names.Localized(c.locale)
	return name, name != ""
}

func (c *ItemCatalog) Len() int {
	return len(c.items)
}

// LoadItemCatalog reads a JSON object of `{"<id>": {"en": "...", ...}}`
// from a file path or an http(s) URL.
func LoadItemCatalog(
	ctx context.Context,
	client *http.Client,
	cfg ItemCatalogConfig,
) (*ItemCatalog, error) {
	var r io.ReadCloser

	if strings.HasPrefix(cfg.Source, "http://") || strings.HasPrefix(cfg.Source, "https://") {
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("error fetching item catalog: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("error fetching item catalog: %s", resp.Status)
		}
		r = resp.Body
	} else {
		f, err := os.Open(cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("error opening item catalog: %w", err)
		}
		r = f
	}
	defer func() {
		_ = r.Close()
	}()

	return decodeItemCatalog(io.LimitReader(r, maxItemCatalogSize), cfg.Locale)
}

func decodeItemCatalog(r io.Reader, locale string) (*ItemCatalog, error) {
	var raw map[string]ItemNames
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("error decoding item catalog: %w", err)
	}

	items := make(map[int]ItemNames, len(raw))
	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid item id %q: %w", k, err)
		}
		items[id] = v
	}
	return NewItemCatalog(items, locale), nil
}
