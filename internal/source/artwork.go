package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/multiroom/metacast/internal/state"
)

// maxArtworkBytes bounds a single cover image download.
const maxArtworkBytes = 8 << 20

var artworkClient = &http.Client{Timeout: 10 * time.Second}

// FetchArtwork downloads one cover image over HTTP. file:// URLs are not
// supported; backends that write images to disk hand the bytes over directly.
func FetchArtwork(ctx context.Context, url string) (*state.Artwork, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build artwork request: %w", err)
	}
	resp, err := artworkClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artwork request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artwork request returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtworkBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read artwork body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("artwork body empty")
	}
	if len(data) > maxArtworkBytes {
		return nil, fmt.Errorf("artwork larger than %d bytes", maxArtworkBytes)
	}

	format := "jpeg"
	if strings.Contains(resp.Header.Get("Content-Type"), "png") ||
		(len(data) >= 4 && data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G') {
		format = "png"
	}
	return &state.Artwork{Data: data, Format: format}, nil
}
