package remote

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"
)

// Gateway reads objects back from the network's public HTTP gateways,
// independently of the ingestion path.
type Gateway struct {
	bases []string
	httpc *http.Client
}

func NewGateway(bases []string) *Gateway {
	return &Gateway{
		bases: bases,
		httpc: &http.Client{Timeout: 30 * time.Second},
	}
}

// Verify returns true on the first 200 for the fingerprint, false after
// exhausting attempts. Attempts rotate through the configured gateways;
// errors count as "not yet" rather than fatal.
func (g *Gateway) Verify(ctx context.Context, fingerprint string, attempts int, delay time.Duration) bool {
	if len(g.bases) == 0 {
		return false
	}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
		}

		base := g.bases[i%len(g.bases)]
		if g.probe(ctx, base+fingerprint) {
			return true
		}
	}
	return false
}

func (g *Gateway) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := g.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Download streams the object to destPath, trying each gateway in order and
// moving to the next on any failure. Returns false only when all are
// exhausted.
func (g *Gateway) Download(ctx context.Context, fingerprint, destPath string) bool {
	for _, base := range g.bases {
		if g.fetch(ctx, base+fingerprint, destPath) {
			return true
		}
	}
	return false
}

func (g *Gateway) fetch(ctx context.Context, url, destPath string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := g.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false
	}

	f, err := os.Create(destPath)
	if err != nil {
		return false
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(destPath)
		return false
	}
	return f.Close() == nil
}
