// Package eventdir fetches display fields for events from the service that
// owns them. The fields are opaque here and passed through as-is.
package eventdir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/models"
)

type Directory interface {
	Display(ctx context.Context, eventID string) (models.EventDisplay, error)
}

// HTTPDirectory reads GET {base}/events/{id} and returns the JSON object.
type HTTPDirectory struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 2 * time.Second},
	}
}

func (d *HTTPDirectory) Display(ctx context.Context, eventID string) (models.EventDisplay, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"/events/"+url.PathEscape(eventID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.NotFound("event %s", eventID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("event directory status %d", resp.StatusCode)
	}
	var out models.EventDisplay
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	return out, nil
}

// Static serves display fields from a fixed map. Unknown events yield an
// empty display, not an error.
type Static map[string]models.EventDisplay

func (s Static) Display(_ context.Context, eventID string) (models.EventDisplay, error) {
	if d, ok := s[eventID]; ok {
		return d, nil
	}
	return models.EventDisplay{}, nil
}
