package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"sketchd/pkg/types"
)

// connectivityProbeTimeout bounds the Online check; a slow probe is
// treated the same as no connectivity.
const connectivityProbeTimeout = 5 * time.Second

// HTTPSource fetches the library index and library archives over HTTP.
// It implements both the catalog Fetcher and the installer Downloader.
type HTTPSource struct {
	client   *http.Client
	indexURL string
}

// NewHTTPSource creates a source for the given index URL. The timeout
// bounds every outbound call (index fetch and archive download).
func NewHTTPSource(indexURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		client:   &http.Client{Timeout: timeout},
		indexURL: indexURL,
	}
}

// indexDocument is the wire shape of the remote library index.
type indexDocument struct {
	Libraries []types.CatalogEntry `json:"libraries"`
}

// FetchIndex downloads and decodes the library index document.
func (s *HTTPSource) FetchIndex(ctx context.Context) ([]types.CatalogEntry, error) {
	body, err := s.get(ctx, s.indexURL)
	if err != nil {
		return nil, err
	}

	var doc indexDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode library index: %w", err)
	}
	return doc.Libraries, nil
}

// Download fetches a library archive.
func (s *HTTPSource) Download(ctx context.Context, url string) ([]byte, error) {
	return s.get(ctx, url)
}

// Online probes the index URL for connectivity. Any response, even an
// error status, proves the network path; only transport failures count
// as offline.
func (s *HTTPSource) Online(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, connectivityProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, s.indexURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (s *HTTPSource) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: GET %s", types.ErrTimeout, url)
		}
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", url, err)
	}
	return body, nil
}
