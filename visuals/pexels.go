package visuals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/truepast/truepast-backend/config"
)

// ErrNotFound means the provider answered but had no asset for the query.
// It is an expected condition the user can recover from by changing topic,
// distinct from the provider being down.
var ErrNotFound = errors.New("no visual found")

// ErrProvider wraps transport and upstream failures of the visual provider.
var ErrProvider = errors.New("visual provider failed")

// Visual is a downloaded background asset on disk.
type Visual struct {
	Path string
}

// Sourcer finds one background visual for a topic.
type Sourcer interface {
	SourceVisual(ctx context.Context, query string, outPath string) (*Visual, error)
}

// Pexels searches the Pexels photo API and downloads the top hit.
type Pexels struct {
	cfg        *config.Config
	baseURL    string
	httpClient *http.Client
}

func NewPexels(cfg *config.Config) *Pexels {
	return &Pexels{
		cfg:        cfg,
		baseURL:    "https://api.pexels.com",
		httpClient: &http.Client{Timeout: cfg.VisualTimeout()},
	}
}

// NewPexelsWithBaseURL is used by tests to point at a stub server.
func NewPexelsWithBaseURL(cfg *config.Config, baseURL string) *Pexels {
	p := NewPexels(cfg)
	p.baseURL = baseURL
	return p
}

type searchResponse struct {
	Photos []struct {
		ID  int64 `json:"id"`
		Src struct {
			Portrait string `json:"portrait"`
			Large2x  string `json:"large2x"`
			Original string `json:"original"`
		} `json:"src"`
	} `json:"photos"`
}

// SourceVisual searches for the query and saves the best-fitting photo to
// outPath. Zero hits is ErrNotFound; everything else that goes wrong is
// ErrProvider.
func (p *Pexels) SourceVisual(ctx context.Context, query string, outPath string) (*Visual, error) {
	apiKey := os.Getenv("PEXELS_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: PEXELS_API_KEY not set", ErrProvider)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.VisualTimeout())
	defer cancel()

	searchURL := fmt.Sprintf("%s/v1/search?query=%s&orientation=portrait&per_page=1", p.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	req.Header.Set("Authorization", apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: search status %d", ErrProvider, resp.StatusCode)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: parse search response: %v", ErrProvider, err)
	}

	if len(result.Photos) == 0 {
		return nil, fmt.Errorf("%w: query %q", ErrNotFound, query)
	}

	src := result.Photos[0].Src.Portrait
	if src == "" {
		src = result.Photos[0].Src.Large2x
	}
	if src == "" {
		src = result.Photos[0].Src.Original
	}
	if src == "" {
		return nil, fmt.Errorf("%w: photo %d has no downloadable source", ErrProvider, result.Photos[0].ID)
	}

	if err := p.download(ctx, src, outPath); err != nil {
		return nil, fmt.Errorf("%w: download: %v", ErrProvider, err)
	}
	return &Visual{Path: outPath}, nil
}

func (p *Pexels) download(ctx context.Context, srcURL, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", srcURL, nil)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	return out.Close()
}
