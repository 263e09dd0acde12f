// Package ckan harvests remote CKAN catalogs through their action API.
package ckan

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest/backend"
)

const (
	// pageSize is the number of packages requested per search page.
	pageSize = 100

	requestTimeout = 30 * time.Second
	maxRetryTime   = 2 * time.Minute
)

// ckanTimeFormats covers the timestamp renderings CKAN instances emit.
var ckanTimeFormats = []string{
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

func init() {
	backend.Register(backend.Descriptor{
		Name:        "ckan",
		DisplayName: "CKAN",
		Filters: []backend.Filter{
			{Key: "organization", Type: "string", Description: "Only harvest packages owned by this organization"},
			{Key: "tags", Type: "string", Description: "Only harvest packages carrying this tag"},
		},
		Features: []backend.Feature{
			{Key: "remote_license", Description: "Keep the remote license identifier instead of leaving it unset", Default: false},
		},
		New: New,
	})
}

// Backend harvests one CKAN instance for one run.
type Backend struct {
	source *domain.HarvestSource
	opts   backend.Options
	client *resty.Client
}

// New constructs a run-scoped CKAN backend for the given source.
func New(source *domain.HarvestSource, opts backend.Options) (backend.Backend, error) {
	base := strings.TrimSuffix(source.URL, "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid CKAN URL %q: %w", source.URL, err)
	}

	client := resty.New()
	client.SetBaseURL(base)
	client.SetTimeout(requestTimeout)
	client.SetHeader("Accept", "application/json")

	return &Backend{source: source, opts: opts, client: client}, nil
}

// CKAN action API response envelopes.

type searchResponse struct {
	Success bool `json:"success"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
	Result struct {
		Count   int           `json:"count"`
		Results []ckanPackage `json:"results"`
	} `json:"result"`
}

type showResponse struct {
	Success bool `json:"success"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
	Result ckanPackage `json:"result"`
}

type ckanPackage struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Title            string `json:"title"`
	Notes            string `json:"notes"`
	LicenseID        string `json:"license_id"`
	MetadataModified string `json:"metadata_modified"`
	Tags             []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Resources []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		URL          string `json:"url"`
		Format       string `json:"format"`
		Mimetype     string `json:"mimetype"`
		Size         int64  `json:"size"`
		Created      string `json:"created"`
		LastModified string `json:"last_modified"`
	} `json:"resources"`
	Extras []struct {
		Key   string      `json:"key"`
		Value interface{} `json:"value"`
	} `json:"extras"`
}

// Harvest pages through package_search and reports each package through the
// tracker. Per-package failures are recorded and skipped; only transport-level
// breakdown of the listing itself aborts the run.
func (b *Backend) Harvest(ctx context.Context, t backend.Tracker) error {
	query := b.filterQuery()

	for start := 0; ; start += pageSize {
		page, err := b.searchPage(ctx, query, start)
		if err != nil {
			return fmt.Errorf("CKAN package_search failed: %w", err)
		}
		if len(page.Result.Results) == 0 {
			return nil
		}

		for i := range page.Result.Results {
			pkg := &page.Result.Results[i]
			remoteID := pkg.Name
			if remoteID == "" {
				remoteID = pkg.ID
			}

			if err := t.StartItem(ctx, remoteID); err != nil {
				if errors.Is(err, backend.ErrMaxItemsReached) {
					return nil
				}
				return err
			}

			dataset, err := b.process(ctx, pkg)
			if err != nil {
				t.FailItem(ctx, remoteID, err)
				continue
			}
			if err := t.CompleteItem(ctx, remoteID, dataset); err != nil {
				return err
			}
		}

		if start+pageSize >= page.Result.Count {
			return nil
		}
	}
}

// filterQuery renders the source's filters as a Solr fq expression.
func (b *Backend) filterQuery() string {
	var parts []string
	for _, v := range b.source.Config.FilterValues("organization") {
		parts = append(parts, fmt.Sprintf("organization:%v", v))
	}
	for _, v := range b.source.Config.FilterValues("tags") {
		parts = append(parts, fmt.Sprintf("tags:%v", v))
	}
	return strings.Join(parts, " AND ")
}

func (b *Backend) searchPage(ctx context.Context, query string, start int) (*searchResponse, error) {
	var resp searchResponse
	operation := func() error {
		httpResp, err := b.client.R().
			SetContext(ctx).
			SetQueryParam("rows", fmt.Sprintf("%d", pageSize)).
			SetQueryParam("start", fmt.Sprintf("%d", start)).
			SetQueryParam("fq", query).
			SetResult(&resp).
			Get("/api/3/action/package_search")
		if err != nil {
			return err
		}
		if httpResp.StatusCode() >= 500 {
			return fmt.Errorf("status %d", httpResp.StatusCode())
		}
		if httpResp.StatusCode() != 200 {
			return backoff.Permanent(fmt.Errorf("status %d", httpResp.StatusCode()))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(maxRetryTime)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := "unknown error"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return nil, fmt.Errorf("CKAN refused the search: %s", msg)
	}
	return &resp, nil
}

// process re-fetches the package through package_show so harvested metadata is
// authoritative, then normalizes it.
func (b *Backend) process(ctx context.Context, listed *ckanPackage) (*domain.Dataset, error) {
	var resp showResponse
	httpResp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("id", listed.ID).
		SetResult(&resp).
		Get("/api/3/action/package_show")
	if err != nil {
		return nil, fmt.Errorf("package_show failed: %w", err)
	}
	if httpResp.StatusCode() != 200 || !resp.Success {
		return nil, fmt.Errorf("package_show returned status %d", httpResp.StatusCode())
	}

	return b.normalize(&resp.Result), nil
}

func (b *Backend) normalize(pkg *ckanPackage) *domain.Dataset {
	dataset := &domain.Dataset{
		Title:       pkg.Title,
		Description: pkg.Notes,
		Tags:        make(domain.StringArray, 0, len(pkg.Tags)),
		Resources:   make(domain.Resources, 0, len(pkg.Resources)),
		Extras:      domain.JSONMap{},
		Harvest: domain.HarvestInfo{
			RemoteURL: fmt.Sprintf("%s/dataset/%s", strings.TrimSuffix(b.source.URL, "/"), pkg.Name),
		},
	}

	if b.source.Config.FeatureEnabled("remote_license", false) {
		dataset.License = pkg.LicenseID
	}
	if pkg.MetadataModified != "" {
		dataset.Extras["remote:metadata_modified"] = pkg.MetadataModified
	}
	for _, tag := range pkg.Tags {
		dataset.Tags = append(dataset.Tags, tag.Name)
	}
	for _, extra := range pkg.Extras {
		dataset.Extras[extra.Key] = extra.Value
	}
	for _, res := range pkg.Resources {
		id := res.ID
		if id == "" {
			id = uuid.New().String()
		}
		title := res.Name
		if title == "" {
			title = "Unnamed resource"
		}
		resource := domain.Resource{
			ID:       id,
			Title:    title,
			URL:      res.URL,
			Format:   strings.ToLower(res.Format),
			Mime:     res.Mimetype,
			FileSize: res.Size,
		}
		if created := parseCkanTime(res.Created); created != nil {
			resource.Created = *created
		}
		if modified := parseCkanTime(res.LastModified); modified != nil {
			resource.Modified = *modified
		}
		dataset.Resources = append(dataset.Resources, resource)
	}
	return dataset
}

func parseCkanTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range ckanTimeFormats {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts
		}
	}
	return nil
}
