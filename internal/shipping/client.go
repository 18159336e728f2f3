// Package shipping re-prices shipping server-side against the configured
// quote providers. Client-declared prices are never trusted: checkout only
// matches the declared method name against a fresh quote.
package shipping

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/printaria/printaria-system/internal/cache"
	"github.com/printaria/printaria-system/internal/model"
)

// Parcel describes one cart line's shipping dimensions.
type Parcel struct {
	Quantity int32   `json:"quantity"`
	WeightKg float64 `json:"weightKg"`
	HeightCm float64 `json:"heightCm"`
	WidthCm  float64 `json:"widthCm"`
	LengthCm float64 `json:"lengthCm"`
}

// Option is one shipping method quoted by a provider.
type Option struct {
	Name         string `json:"name"`
	Carrier      string `json:"carrier"`
	PriceCents   int64  `json:"priceCents"`
	DeadlineDays int    `json:"deadlineDays"`
}

const quoteCacheTTL = 5 * time.Minute

// Client fans a quote request out to every configured provider.
type Client struct {
	providerURLs []string
	httpClient   *http.Client
	timeout      time.Duration
	quoteCache   *cache.Cache
	logger       *zap.Logger
}

// NewClient builds the quote client. quoteCache may be nil, in which case
// every call quotes live.
func NewClient(providerURLs []string, timeout time.Duration, quoteCache *cache.Cache, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout

	urls := make([]string, 0, len(providerURLs))
	for _, u := range providerURLs {
		urls = append(urls, strings.TrimRight(u, "/"))
	}

	return &Client{
		providerURLs: urls,
		httpClient:   rc.StandardClient(),
		timeout:      timeout,
		quoteCache:   quoteCache,
		logger:       logger,
	}
}

type quoteRequest struct {
	Destination model.Address `json:"destination"`
	Parcels     []Parcel      `json:"parcels"`
}

// Quote asks all providers for options covering the destination and
// parcels. A provider timing out or failing contributes no options rather
// than failing the whole call; an empty result is a valid answer.
func (c *Client) Quote(ctx context.Context, destination model.Address, parcels []Parcel) ([]Option, error) {
	if len(parcels) == 0 {
		return nil, fmt.Errorf("quote: no parcels")
	}

	body, err := json.Marshal(quoteRequest{Destination: destination, Parcels: parcels})
	if err != nil {
		return nil, fmt.Errorf("encode quote request: %w", err)
	}

	key := quoteCacheKey(body)
	if cached, ok := c.cachedOptions(ctx, key); ok {
		return cached, nil
	}

	var (
		mu      sync.Mutex
		options []Option
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, providerURL := range c.providerURLs {
		providerURL := providerURL
		g.Go(func() error {
			opts := c.quoteProvider(gctx, providerURL, body)
			if len(opts) > 0 {
				mu.Lock()
				options = append(options, opts...)
				mu.Unlock()
			}
			// A silent provider is not a hard failure.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.storeOptions(ctx, key, options)
	return options, nil
}

func (c *Client) quoteProvider(ctx context.Context, providerURL string, body []byte) []Option {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, providerURL+"/quotes", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("shipping provider unavailable",
			zap.String("provider", providerURL), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("shipping provider rejected quote",
			zap.String("provider", providerURL), zap.Int("status", resp.StatusCode))
		return nil
	}

	var opts []Option
	if err := json.NewDecoder(resp.Body).Decode(&opts); err != nil {
		c.logger.Warn("shipping provider returned malformed quote",
			zap.String("provider", providerURL), zap.Error(err))
		return nil
	}
	return opts
}

func (c *Client) cachedOptions(ctx context.Context, key string) ([]Option, bool) {
	if c.quoteCache == nil {
		return nil, false
	}
	raw, err := c.quoteCache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var opts []Option
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, false
	}
	return opts, true
}

func (c *Client) storeOptions(ctx context.Context, key string, options []Option) {
	if c.quoteCache == nil || len(options) == 0 {
		return
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return
	}
	if err := c.quoteCache.Set(ctx, key, string(raw), quoteCacheTTL); err != nil {
		c.logger.Warn("quote cache write failed", zap.Error(err))
	}
}

func quoteCacheKey(body []byte) string {
	sum := sha256.Sum256(body)
	return "shipping:quote:" + hex.EncodeToString(sum[:])
}
