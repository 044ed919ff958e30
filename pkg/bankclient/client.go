/**
 * @description
 * This package resolves an IFSC code to the numeric bank id embedded in account numbers.
 * Lookups go to the bank registry service and are cached in Redis, since bank ids change
 * on the order of days and account opening should not depend on the registry being up.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Shared lookup cache.
 */
package bankclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrBankNotFound        = errors.New("bank not found for ifsc")
	ErrRegistryUnavailable = errors.New("bank registry unavailable")
)

// Bank is the registry's view of a bank.
type Bank struct {
	BankID int64  `json:"bank_id"`
	Name   string `json:"name"`
	IFSC   string `json:"ifsc"`
}

// Client is a client for the bank registry.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	cache       redis.UniversalClient
	cachePrefix string
	cacheTTL    time.Duration
}

// NewClient creates a bank registry client. cache may be nil.
func NewClient(baseURL, apiKey string, cache redis.UniversalClient, cachePrefix string, cacheTTL time.Duration) *Client {
	prefix := strings.TrimSuffix(strings.TrimSpace(cachePrefix), ":")
	if prefix == "" {
		prefix = "ledger"
	}
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:      strings.TrimSpace(apiKey),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		cache:       cache,
		cachePrefix: prefix,
		cacheTTL:    cacheTTL,
	}
}

// LookupBankID returns the bank id for ifsc, consulting the cache first.
func (c *Client) LookupBankID(ctx context.Context, ifsc string) (int64, error) {
	code := strings.ToUpper(strings.TrimSpace(ifsc))
	if code == "" {
		return 0, ErrBankNotFound
	}

	if id, ok := c.cached(ctx, code); ok {
		return id, nil
	}

	bank, err := c.fetch(ctx, code)
	if err != nil {
		return 0, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, c.cacheKey(code), strconv.FormatInt(bank.BankID, 10), c.cacheTTL).Err(); err != nil {
			log.Printf("level=warn component=bank_client msg=\"cache write failed\" ifsc=%s err=%v", code, err)
		}
	}
	return bank.BankID, nil
}

func (c *Client) cached(ctx context.Context, code string) (int64, bool) {
	if c.cache == nil {
		return 0, false
	}
	raw, err := c.cache.Get(ctx, c.cacheKey(code)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("level=warn component=bank_client msg=\"cache read failed\" ifsc=%s err=%v", code, err)
		}
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (c *Client) fetch(ctx context.Context, code string) (*Bank, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: registry url is not configured", ErrRegistryUnavailable)
	}

	endpoint := fmt.Sprintf("%s/banks/%s", c.baseURL, url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrBankNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: registry returned status %d", ErrRegistryUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("bank registry returned error status %d", resp.StatusCode)
	}

	var bank Bank
	if err := json.NewDecoder(resp.Body).Decode(&bank); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if bank.BankID <= 0 {
		return nil, ErrBankNotFound
	}
	return &bank, nil
}

func (c *Client) cacheKey(code string) string {
	return fmt.Sprintf("%s:bank:%s", c.cachePrefix, code)
}

// StaticDirectory resolves banks from a fixed table keyed by the four-letter IFSC bank prefix.
// It backs local runs where no registry is deployed.
type StaticDirectory struct {
	banks map[string]int64
}

// NewStaticDirectory returns a directory over banks, or a small default table when banks is empty.
func NewStaticDirectory(banks map[string]int64) *StaticDirectory {
	if len(banks) == 0 {
		banks = map[string]int64{"SBIN": 1, "HDFC": 2, "ICIC": 3, "UTIB": 4}
	}
	normalized := make(map[string]int64, len(banks))
	for prefix, id := range banks {
		normalized[strings.ToUpper(strings.TrimSpace(prefix))] = id
	}
	return &StaticDirectory{banks: normalized}
}

func (d *StaticDirectory) LookupBankID(ctx context.Context, ifsc string) (int64, error) {
	code := strings.ToUpper(strings.TrimSpace(ifsc))
	if len(code) < 4 {
		return 0, ErrBankNotFound
	}
	id, ok := d.banks[code[:4]]
	if !ok {
		return 0, ErrBankNotFound
	}
	return id, nil
}
