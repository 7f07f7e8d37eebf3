package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/radieske/bet-line-platform/internal/shared/apperr"
	"github.com/radieske/bet-line-platform/pkg/contracts/events"
)

// Client reads the full catalog from line-provider.
type Client struct {
	URL   string // GET endpoint returning []Event
	Token string
	HTTP  *http.Client
}

// NewClient returns a client whose requests never outlive timeout.
func NewClient(url, token string, timeout time.Duration) *Client {
	return &Client{
		URL:   url,
		Token: token,
		HTTP:  &http.Client{Timeout: timeout},
	}
}

// FetchAll returns every event line-provider knows about. Connection
// failures and timeouts are ErrGatewayUnavailable; a bad status or body is
// ErrInternal.
func (c *Client) FetchAll(ctx context.Context) ([]events.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", apperr.ErrInternal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: line-provider: %v", apperr.ErrGatewayUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: line-provider http %d", apperr.ErrInternal, res.StatusCode)
	}
	var out []events.Event
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", apperr.ErrInternal, err)
	}
	return out, nil
}
