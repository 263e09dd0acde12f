// Package dcat harvests catalogs published as paginated DCAT JSON documents
// (data.json style): a top-level dataset array plus an optional next-page link.
package dcat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest/backend"
)

const (
	requestTimeout = 30 * time.Second

	// maxPages bounds catalog walking so a cyclic next-link cannot spin a job
	// forever.
	maxPages = 1000
)

func init() {
	backend.Register(backend.Descriptor{
		Name:        "dcat",
		DisplayName: "DCAT",
		Filters: []backend.Filter{
			{Key: "keyword", Type: "string", Description: "Only harvest datasets carrying this keyword"},
		},
		Features: []backend.Feature{
			{Key: "remote_license", Description: "Keep the remote license identifier instead of leaving it unset", Default: false},
		},
		New: New,
	})
}

// Backend harvests one DCAT catalog for one run.
type Backend struct {
	source *domain.HarvestSource
	opts   backend.Options
	client *resty.Client
}

// New constructs a run-scoped DCAT backend for the given source.
func New(source *domain.HarvestSource, opts backend.Options) (backend.Backend, error) {
	if _, err := url.ParseRequestURI(source.URL); err != nil {
		return nil, fmt.Errorf("invalid catalog URL %q: %w", source.URL, err)
	}

	client := resty.New()
	client.SetTimeout(requestTimeout)
	client.SetHeader("Accept", "application/json")

	return &Backend{source: source, opts: opts, client: client}, nil
}

type catalogPage struct {
	Dataset []dcatDataset `json:"dataset"`
	Next    string        `json:"next,omitempty"`
}

type dcatDataset struct {
	Identifier   string   `json:"identifier"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	License      string   `json:"license"`
	Modified     string   `json:"modified"`
	LandingPage  string   `json:"landingPage"`
	Keyword      []string `json:"keyword"`
	Distribution []struct {
		Title       string `json:"title"`
		DownloadURL string `json:"downloadURL"`
		AccessURL   string `json:"accessURL"`
		Format      string `json:"format"`
		MediaType   string `json:"mediaType"`
		ByteSize    int64  `json:"byteSize"`
	} `json:"distribution"`
}

// Harvest walks the catalog page chain and reports every dataset through the
// tracker. A malformed dataset entry fails that item only; a page that cannot
// be fetched or decoded is job-fatal.
func (b *Backend) Harvest(ctx context.Context, t backend.Tracker) error {
	keywords := b.keywordFilter()

	// Synthetic ids for identifier-less entries must stay unique across the
	// whole run, not per page.
	unidentified := 0

	next := b.source.URL
	for page := 0; next != "" && page < maxPages; page++ {
		var doc catalogPage
		httpResp, err := b.client.R().
			SetContext(ctx).
			SetResult(&doc).
			Get(next)
		if err != nil {
			return fmt.Errorf("failed to fetch catalog page: %w", err)
		}
		if httpResp.StatusCode() != 200 {
			return fmt.Errorf("catalog page returned status %d", httpResp.StatusCode())
		}

		for i := range doc.Dataset {
			ds := &doc.Dataset[i]
			if !matchesKeywords(ds.Keyword, keywords) {
				continue
			}

			remoteID := ds.Identifier
			if remoteID == "" {
				// An identifier-less entry cannot be tracked across runs.
				t.FailItem(ctx, fmt.Sprintf("unidentified-%d", unidentified), errors.New("dataset has no identifier"))
				unidentified++
				continue
			}
			if err := t.StartItem(ctx, remoteID); err != nil {
				if errors.Is(err, backend.ErrMaxItemsReached) {
					return nil
				}
				return err
			}

			dataset, err := b.normalize(ds)
			if err != nil {
				t.FailItem(ctx, remoteID, err)
				continue
			}
			if err := t.CompleteItem(ctx, remoteID, dataset); err != nil {
				return err
			}
		}

		next = resolveNext(b.source.URL, doc.Next)
	}
	return nil
}

func (b *Backend) keywordFilter() []string {
	var keywords []string
	for _, v := range b.source.Config.FilterValues("keyword") {
		keywords = append(keywords, fmt.Sprintf("%v", v))
	}
	return keywords
}

func matchesKeywords(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

func (b *Backend) normalize(ds *dcatDataset) (*domain.Dataset, error) {
	if ds.Title == "" {
		return nil, fmt.Errorf("dataset %s has no title", ds.Identifier)
	}

	dataset := &domain.Dataset{
		Title:       ds.Title,
		Description: ds.Description,
		Tags:        domain.StringArray(ds.Keyword),
		Resources:   make(domain.Resources, 0, len(ds.Distribution)),
		Harvest: domain.HarvestInfo{
			RemoteURL: ds.LandingPage,
		},
	}
	if b.source.Config.FeatureEnabled("remote_license", false) {
		dataset.License = ds.License
	}
	if ds.Modified != "" {
		dataset.Extras = domain.JSONMap{"remote:modified": ds.Modified}
	}

	for _, dist := range ds.Distribution {
		resURL := dist.DownloadURL
		if resURL == "" {
			resURL = dist.AccessURL
		}
		if resURL == "" {
			continue
		}
		title := dist.Title
		if title == "" {
			title = "Nameless resource"
		}
		dataset.Resources = append(dataset.Resources, domain.Resource{
			ID:       uuid.New().String(),
			Title:    title,
			URL:      resURL,
			Format:   strings.ToLower(dist.Format),
			Mime:     dist.MediaType,
			FileSize: dist.ByteSize,
		})
	}
	return dataset, nil
}

// resolveNext makes a relative next link absolute against the catalog URL and
// drops self-references.
func resolveNext(base, next string) string {
	if next == "" || next == base {
		return ""
	}
	nextURL, err := url.Parse(next)
	if err != nil {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return next
	}
	resolved := baseURL.ResolveReference(nextURL).String()
	if resolved == base {
		return ""
	}
	return resolved
}
