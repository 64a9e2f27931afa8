// Package billing talks to the upstream usage-billing API: account identity,
// consumed usage per period, and the OAuth token endpoints for linking and
// refreshing. It also derives the per-day usage report from the raw numbers.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// defaultTimeout bounds every outbound call. Timeouts classify as ErrNetwork.
const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Identity resolves the account id behind an access token.
func (c *Client) Identity(ctx context.Context, accessToken string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.get(ctx, accessToken, "/v1/account", nil, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("billing: account response missing id: %w", ErrNetwork)
	}
	return out.ID, nil
}

// Usage returns the total consumed quantity for an account between from
// (inclusive) and to (exclusive).
//
// Upstream reports line items in one of two shapes: an explicit gross
// "quantity", or a "discount_quantity"/"net_quantity" pair that sums to the
// gross amount. Items are decoded generically and the quantity extracted per
// that policy, rather than bound to a rigid schema.
func (c *Client) Usage(ctx context.Context, accessToken, accountID string, from, to time.Time) (float64, error) {
	q := url.Values{}
	q.Set("account_id", accountID)
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))

	var out struct {
		Items []map[string]any `json:"items"`
	}
	if err := c.get(ctx, accessToken, "/v1/usage", q, &out); err != nil {
		return 0, err
	}

	var total float64
	for _, item := range out.Items {
		total += itemQuantity(item)
	}
	return total, nil
}

// itemQuantity extracts the consumed quantity from one usage line item:
// prefer the gross "quantity" field, else derive it from discount + net.
func itemQuantity(item map[string]any) float64 {
	if v, ok := numField(item, "quantity"); ok {
		return v
	}
	discount, _ := numField(item, "discount_quantity")
	net, _ := numField(item, "net_quantity")
	return discount + net
}

func numField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

func (c *Client) get(ctx context.Context, accessToken, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("billing: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("billing: %s: %v: %w", path, err, ErrNetwork)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus("billing: "+path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("billing: %s: decode body: %v: %w", path, err, ErrNetwork)
	}
	return nil
}
