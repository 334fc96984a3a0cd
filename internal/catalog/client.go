package catalog

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crownacademy/api/internal/domain"
	"github.com/crownacademy/api/internal/platform/config"
)

const (
	defaultTimeout  = 5 * time.Second
	signatureHeader = "X-Signature"
	timestampHeader = "X-Signature-Timestamp"
	nonceHeader     = "X-Signature-Nonce"
)

var (
	// ErrItemNotFound is returned when the catalog does not list the item.
	ErrItemNotFound = errors.New("catalog: item not found")
	// ErrPlanNotFound is returned when the catalog does not list the plan.
	ErrPlanNotFound = errors.New("catalog: plan not found")
	// ErrUnavailable is returned for transient catalog failures.
	ErrUnavailable = errors.New("catalog: service unavailable")
)

// ItemPrice is the catalog's authoritative answer for a purchasable item.
type ItemPrice struct {
	ItemType  domain.CartItemType
	ItemID    string
	Title     string
	UnitPrice int64
	Currency  string
	Available bool
}

// Client issues signed price and plan lookups against the catalog service.
// Requests carry the shared HMAC signature scheme so the catalog can trust
// server-side callers without user credentials.
type Client struct {
	baseURL string
	secret  []byte
	http    *http.Client
	now     func() time.Time
}

// ClientOption customises the Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client, primarily for tests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithClock injects a custom clock for signature timestamps.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient constructs a catalog client from configuration.
func NewClient(cfg config.CatalogConfig, opts ...ClientOption) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("catalog: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &Client{
		baseURL: base,
		secret:  []byte(strings.TrimSpace(cfg.HMACSecret)),
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

type itemPayload struct {
	ItemType  string `json:"itemType"`
	ItemID    string `json:"itemId"`
	Title     string `json:"title"`
	UnitPrice int64  `json:"unitPrice"`
	Currency  string `json:"currency"`
	Available bool   `json:"available"`
}

type planPayload struct {
	Slug         string            `json:"slug"`
	Tier         string            `json:"tier"`
	Name         string            `json:"name"`
	MonthlyPrice int64             `json:"monthlyPrice"`
	YearlyPrice  int64             `json:"yearlyPrice"`
	Currency     string            `json:"currency"`
	StripePrices map[string]string `json:"stripePrices"`
	Active       bool              `json:"active"`
}

// GetPrice resolves the current price for a purchasable item.
func (c *Client) GetPrice(ctx context.Context, itemType domain.CartItemType, itemID string) (ItemPrice, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ItemPrice{}, fmt.Errorf("%w: empty item id", ErrItemNotFound)
	}

	endpoint, err := url.JoinPath(c.baseURL, "internal", "pricing", string(itemType), itemID)
	if err != nil {
		return ItemPrice{}, err
	}

	var payload itemPayload
	if err := c.getJSON(ctx, endpoint, &payload, ErrItemNotFound); err != nil {
		return ItemPrice{}, err
	}

	return ItemPrice{
		ItemType:  domain.CartItemType(payload.ItemType),
		ItemID:    payload.ItemID,
		Title:     payload.Title,
		UnitPrice: payload.UnitPrice,
		Currency:  strings.ToLower(payload.Currency),
		Available: payload.Available,
	}, nil
}

// GetPlan resolves a subscription plan definition by slug.
func (c *Client) GetPlan(ctx context.Context, slug string) (domain.SubscriptionPlan, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return domain.SubscriptionPlan{}, fmt.Errorf("%w: empty slug", ErrPlanNotFound)
	}

	endpoint, err := url.JoinPath(c.baseURL, "internal", "plans", slug)
	if err != nil {
		return domain.SubscriptionPlan{}, err
	}

	var payload planPayload
	if err := c.getJSON(ctx, endpoint, &payload, ErrPlanNotFound); err != nil {
		return domain.SubscriptionPlan{}, err
	}

	prices := make(map[domain.BillingFrequency]string, len(payload.StripePrices))
	for freq, id := range payload.StripePrices {
		prices[domain.BillingFrequency(strings.ToLower(freq))] = id
	}

	return domain.SubscriptionPlan{
		Slug:         payload.Slug,
		Tier:         domain.PlanTier(strings.ToUpper(payload.Tier)),
		Name:         payload.Name,
		MonthlyPrice: payload.MonthlyPrice,
		YearlyPrice:  payload.YearlyPrice,
		Currency:     strings.ToLower(payload.Currency),
		StripePrices: prices,
		Active:       payload.Active,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any, notFound error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if err := c.sign(req, nil); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return notFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("catalog: unexpected status %d: %s", resp.StatusCode, drainBody(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("catalog: decode response: %w", err)
	}
	return nil
}

// sign attaches the shared HMAC headers. The canonical string matches the
// validator on the catalog side: METHOD, path, timestamp, nonce, body hash.
func (c *Client) sign(req *http.Request, body []byte) error {
	if len(c.secret) == 0 {
		return nil
	}

	timestamp := c.now().UTC().Format(time.RFC3339)
	nonce, err := newNonce()
	if err != nil {
		return err
	}

	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	bodyHash := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(req.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(bodyHash[:]),
	}, "\n")

	mac := hmac.New(sha256.New, c.secret)
	_, _ = mac.Write([]byte(canonical))

	req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set(timestampHeader, timestamp)
	req.Header.Set(nonceHeader, nonce)
	return nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("catalog: generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func drainBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
