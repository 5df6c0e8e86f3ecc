package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
)

// DefaultRegistryURL is the well-known index of the SPID federation
// registry.
const DefaultRegistryURL = "https://registry.spid.gov.it/assets/data/idp.json"

const refreshTimeout = 30 * time.Second

// registryIndex mirrors the registry's JSON document.
type registryIndex struct {
	Data []registryEntry `json:"data"`
}

type registryEntry struct {
	MetadataURL   string `json:"metadata_url"`
	IpaEntityCode string `json:"ipa_entity_code"`
}

// RefreshSummary reports the outcome of one registry refresh. A refresh is
// best-effort per entry: one provider's broken metadata endpoint must not
// keep the others stale.
type RefreshSummary struct {
	Updated  int               `json:"updated"`
	Failures map[string]string `json:"failures,omitempty"`
}

// OK reports whether every entry was written.
func (s *RefreshSummary) OK() bool {
	return len(s.Failures) == 0
}

// Refresher downloads IdP metadata documents from the federation registry
// into a directory, one <ipa_entity_code>.xml per provider.
type Refresher struct {
	indexURL string
	client   *http.Client
	logger   hclog.Logger
}

// NewRefresher builds a Refresher for the given index URL (empty means
// DefaultRegistryURL).
func NewRefresher(indexURL string, logger hclog.Logger) *Refresher {
	if indexURL == "" {
		indexURL = DefaultRegistryURL
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	client := cleanhttp.DefaultClient()
	client.Timeout = refreshTimeout
	return &Refresher{
		indexURL: indexURL,
		client:   client,
		logger:   logger.Named("registry"),
	}
}

// Refresh downloads the registry index and then every listed metadata
// document into dir. Per-entry failures are collected into the summary and
// do not abort the run; only an unreachable index is a hard error.
func (r *Refresher) Refresh(ctx context.Context, dir string) (*RefreshSummary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	raw, err := r.fetch(ctx, r.indexURL)
	if err != nil {
		return nil, fmt.Errorf("fetch registry index: %w", err)
	}
	var index registryIndex
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("decode registry index: %w", err)
	}

	summary := &RefreshSummary{Failures: make(map[string]string)}
	for _, entry := range index.Data {
		if entry.IpaEntityCode == "" || entry.MetadataURL == "" {
			continue
		}
		if err := r.download(ctx, entry, dir); err != nil {
			r.logger.Error("metadata download failed",
				"idp", entry.IpaEntityCode, "url", entry.MetadataURL, "error", err)
			summary.Failures[entry.IpaEntityCode] = err.Error()
			continue
		}
		summary.Updated++
	}
	r.logger.Info("registry refresh finished",
		"updated", summary.Updated, "failed", len(summary.Failures))
	return summary, nil
}

func (r *Refresher) download(ctx context.Context, entry registryEntry, dir string) error {
	raw, err := r.fetch(ctx, entry.MetadataURL)
	if err != nil {
		return err
	}
	file := filepath.Join(dir, entry.IpaEntityCode+".xml")
	if err := os.WriteFile(file, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

func (r *Refresher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", res.StatusCode, url)
	}
	return io.ReadAll(res.Body)
}
