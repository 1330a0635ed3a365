package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// Catalog is the source catalog file: a top-level `sources:` list.
type Catalog struct {
	Sources []CatalogEntry `yaml:"sources"`
}

// CatalogEntry is one source as written in the catalog. Both listing_url and
// listing_urls are accepted; active defaults to true.
type CatalogEntry struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	BaseURL     string   `yaml:"base_url"`
	ListingURL  string   `yaml:"listing_url"`
	ListingURLs []string `yaml:"listing_urls"`
	CMS         string   `yaml:"cms"`
	Active      *bool    `yaml:"active"`
	RenderJS    bool     `yaml:"render_js"`
	MaxPages    int      `yaml:"max_pages"`
}

// LoadSources reads and validates a catalog file.
func LoadSources(path string) ([]crawler.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(bytes.NewReader(data))
}

// ParseSources decodes a catalog and converts it to sources. Duplicate ids
// and entries without an id or URL are rejected.
func ParseSources(r io.Reader) ([]crawler.Source, error) {
	var cat Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	seen := make(map[string]struct{}, len(cat.Sources))
	out := make([]crawler.Source, 0, len(cat.Sources))
	for i, e := range cat.Sources {
		src, err := e.toSource()
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if _, dup := seen[src.ID]; dup {
			return nil, fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = struct{}{}
		out = append(out, src)
	}
	return out, nil
}

func (e CatalogEntry) toSource() (crawler.Source, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return crawler.Source{}, errors.New("id is required")
	}
	var listings []string
	for _, raw := range append([]string{e.ListingURL}, e.ListingURLs...) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := checkURL(raw); err != nil {
			return crawler.Source{}, fmt.Errorf("%s: listing url: %w", id, err)
		}
		listings = append(listings, raw)
	}
	base := strings.TrimSpace(e.BaseURL)
	if base == "" && len(listings) == 0 {
		return crawler.Source{}, fmt.Errorf("%s: base_url or a listing url is required", id)
	}
	if base != "" {
		if err := checkURL(base); err != nil {
			return crawler.Source{}, fmt.Errorf("%s: base url: %w", id, err)
		}
	}
	if e.MaxPages < 0 {
		return crawler.Source{}, fmt.Errorf("%s: max_pages must be >= 0", id)
	}
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	name := strings.TrimSpace(e.Name)
	if name == "" {
		name = id
	}
	return crawler.Source{
		ID:          id,
		Name:        name,
		BaseURL:     base,
		ListingURLs: listings,
		CMS:         crawler.ParseCMSHint(strings.ToLower(strings.TrimSpace(e.CMS))),
		Active:      active,
		RenderJS:    e.RenderJS,
		MaxPages:    e.MaxPages,
	}, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
