package ckan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/civicdata/harvester/internal/domain"
	"github.com/civicdata/harvester/internal/harvest/backend"
)

// recorder is a minimal tracker implementation capturing backend reports.
type recorder struct {
	source    *domain.HarvestSource
	maxItems  int
	started   []string
	completed map[string]*domain.Dataset
	failed    map[string]error
}

func newRecorder(source *domain.HarvestSource) *recorder {
	return &recorder{
		source:    source,
		completed: map[string]*domain.Dataset{},
		failed:    map[string]error{},
	}
}

func (r *recorder) Source() *domain.HarvestSource { return r.source }
func (r *recorder) Dryrun() bool                  { return false }

func (r *recorder) StartItem(ctx context.Context, remoteID string, args ...string) error {
	if r.maxItems > 0 && len(r.started) >= r.maxItems {
		return backend.ErrMaxItemsReached
	}
	r.started = append(r.started, remoteID)
	return nil
}

func (r *recorder) CompleteItem(ctx context.Context, remoteID string, dataset *domain.Dataset) error {
	r.completed[remoteID] = dataset
	return nil
}

func (r *recorder) FailItem(ctx context.Context, remoteID string, err error) {
	r.failed[remoteID] = err
}

// fixture packages served by the fake CKAN instance.
var packages = []map[string]interface{}{
	{
		"id":                "pkg-1",
		"name":              "budget-2026",
		"title":             "City budget 2026",
		"notes":             "Yearly budget",
		"license_id":        "cc-by",
		"metadata_modified": "2026-01-15T10:00:00.000000",
		"tags":              []map[string]string{{"name": "finance"}, {"name": "budget"}},
		"resources": []map[string]interface{}{
			{
				"id":       "res-1",
				"name":     "budget.csv",
				"url":      "https://remote.test/budget.csv",
				"format":   "CSV",
				"mimetype": "text/csv",
				"size":     1024,
				"created":  "2026-01-10T08:00:00",
			},
		},
		"extras": []map[string]interface{}{{"key": "theme", "value": "finance"}},
	},
	{
		"id":    "pkg-2",
		"name":  "streets",
		"title": "Street registry",
	},
	{
		"id":    "pkg-broken",
		"name":  "broken",
		"title": "Broken package",
	},
}

// newCkanServer serves package_search and package_show over the fixtures.
func newCkanServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/3/action/package_search", func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		results := []map[string]interface{}{}
		if start < len(packages) {
			results = packages[start:]
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"result": map[string]interface{}{
				"count":   len(packages),
				"results": results,
			},
		})
	})

	mux.HandleFunc("/api/3/action/package_show", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "pkg-broken" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		for _, pkg := range packages {
			if pkg["id"] == id {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": true,
					"result":  pkg,
				})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   map[string]string{"message": "not found"},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSource(url string) *domain.HarvestSource {
	return &domain.HarvestSource{
		ID:      "src-1",
		Name:    "test ckan",
		URL:     url,
		Backend: "ckan",
	}
}

func TestHarvestReportsEveryPackage(t *testing.T) {
	srv := newCkanServer(t)
	src := testSource(srv.URL)

	b, err := New(src, backend.Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tr := newRecorder(src)
	if err := b.Harvest(context.Background(), tr); err != nil {
		t.Fatalf("harvest: %v", err)
	}

	if len(tr.started) != 3 {
		t.Fatalf("expected 3 items started, got %d: %v", len(tr.started), tr.started)
	}
	if len(tr.completed) != 2 {
		t.Errorf("expected 2 items completed, got %d", len(tr.completed))
	}
	// The broken package fails its item without aborting the run.
	if _, ok := tr.failed["broken"]; !ok {
		t.Errorf("expected item failure for broken package, got %v", tr.failed)
	}

	ds := tr.completed["budget-2026"]
	if ds == nil {
		t.Fatal("expected budget-2026 completed")
	}
	if ds.Title != "City budget 2026" || ds.Description != "Yearly budget" {
		t.Errorf("unexpected dataset %+v", ds)
	}
	if len(ds.Tags) != 2 || ds.Tags[0] != "finance" {
		t.Errorf("unexpected tags %v", ds.Tags)
	}
	if len(ds.Resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(ds.Resources))
	}
	res := ds.Resources[0]
	if res.Format != "csv" || res.Mime != "text/csv" || res.FileSize != 1024 {
		t.Errorf("unexpected resource %+v", res)
	}
	if res.Created.IsZero() {
		t.Error("expected resource created time parsed")
	}
	if ds.Extras["theme"] != "finance" {
		t.Errorf("expected extras carried over, got %v", ds.Extras)
	}
	if ds.Extras["remote:metadata_modified"] != "2026-01-15T10:00:00.000000" {
		t.Errorf("expected remote modified time in extras, got %v", ds.Extras)
	}
	if ds.Harvest.RemoteURL != srv.URL+"/dataset/budget-2026" {
		t.Errorf("unexpected remote URL %q", ds.Harvest.RemoteURL)
	}
}

func TestHarvestLicenseFeature(t *testing.T) {
	srv := newCkanServer(t)

	// Off by default: the remote license is dropped.
	src := testSource(srv.URL)
	b, _ := New(src, backend.Options{})
	tr := newRecorder(src)
	if err := b.Harvest(context.Background(), tr); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if got := tr.completed["budget-2026"].License; got != "" {
		t.Errorf("expected license dropped by default, got %q", got)
	}

	src = testSource(srv.URL)
	src.Config.Features = map[string]bool{"remote_license": true}
	b, _ = New(src, backend.Options{})
	tr = newRecorder(src)
	if err := b.Harvest(context.Background(), tr); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if got := tr.completed["budget-2026"].License; got != "cc-by" {
		t.Errorf("expected remote license kept, got %q", got)
	}
}

func TestHarvestStopsAtItemCap(t *testing.T) {
	srv := newCkanServer(t)
	src := testSource(srv.URL)

	b, _ := New(src, backend.Options{MaxItems: 1})
	tr := newRecorder(src)
	tr.maxItems = 1
	if err := b.Harvest(context.Background(), tr); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if len(tr.started) != 1 {
		t.Errorf("expected 1 item before the cap, got %d", len(tr.started))
	}
}

func TestHarvestRetriesServerErrors(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/3/action/package_search", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"result":  map[string]interface{}{"count": 0, "results": []interface{}{}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src := testSource(srv.URL)
	b, _ := New(src, backend.Options{})
	tr := newRecorder(src)
	if err := b.Harvest(context.Background(), tr); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Errorf("expected at least 2 search calls, got %d", calls)
	}
}

func TestHarvestSearchRefusalIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/3/action/package_search", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   map[string]string{"message": "search disabled"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src := testSource(srv.URL)
	b, _ := New(src, backend.Options{})
	if err := b.Harvest(context.Background(), newRecorder(src)); err == nil {
		t.Fatal("expected fatal error when the search is refused")
	}
}

func TestFilterQuery(t *testing.T) {
	src := testSource("https://example.test")
	src.Config.Filters = []domain.ConfigFilter{
		{Key: "organization", Value: "city-hall"},
		{Key: "tags", Value: "transport"},
	}
	b, err := New(src, backend.Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := b.(*Backend).filterQuery()
	want := "organization:city-hall AND tags:transport"
	if got != want {
		t.Errorf("filterQuery() = %q, want %q", got, want)
	}
}

func TestNewRejectsInvalidURL(t *testing.T) {
	if _, err := New(testSource("not a url"), backend.Options{}); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestParseCkanTime(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{"2026-01-15T10:00:00.000000", true},
		{"2026-01-15T10:00:00", true},
		{"2026-01-15T10:00:00Z", true},
		{"yesterday", false},
		{"", false},
	}
	for _, tc := range cases {
		got := parseCkanTime(tc.raw)
		if tc.ok && got == nil {
			t.Errorf("parseCkanTime(%q): expected a time", tc.raw)
		}
		if !tc.ok && got != nil {
			t.Errorf("parseCkanTime(%q): expected nil, got %v", tc.raw, got)
		}
	}
}
