package eveapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TheJokr/chatload/pkg/metrics"
)

const (
	characterIDPath  = "/eve/CharacterID.xml.aspx"
	affiliationPath  = "/eve/CharacterAffiliation.xml.aspx"
	maxResponseBytes = 8 << 20
)

// ErrUnexpectedStatus is returned for any non-200 response.
var ErrUnexpectedStatus = errors.New("unexpected status")

// APIError is an <error> element in an otherwise well-formed response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("eve api error %d: %s", e.Code, e.Message)
}

// Config holds client settings
type Config struct {
	BaseURL            string
	UserAgent          string
	NameTimeout        time.Duration
	AffiliationTimeout time.Duration
	HTTPClient         *http.Client
}

// Client talks to the EVE Online XML API.
type Client struct {
	baseURL            string
	userAgent          string
	nameTimeout        time.Duration
	affiliationTimeout time.Duration
	http               *http.Client
}

// New creates a Client. Zero timeouts fall back to 5s for name lookups and
// 10s for affiliation lookups.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:          cfg.UserAgent,
		nameTimeout:        cfg.NameTimeout,
		affiliationTimeout: cfg.AffiliationTimeout,
		http:               cfg.HTTPClient,
	}
	if c.nameTimeout <= 0 {
		c.nameTimeout = 5 * time.Second
	}
	if c.affiliationTimeout <= 0 {
		c.affiliationTimeout = 10 * time.Second
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// CharacterIDs resolves names to character ids. Names the API does not
// know are either absent from the result or map to 0.
func (c *Client) CharacterIDs(ctx context.Context, names []string) (map[string]int64, error) {
	body, err := c.post(ctx, "character_id", characterIDPath, c.nameTimeout,
		url.Values{"names": {strings.Join(names, ",")}})
	if err != nil {
		return nil, err
	}
	return ParseCharacterIDs(body)
}

// Affiliations looks up corporation, alliance and faction membership.
func (c *Client) Affiliations(ctx context.Context, ids []int64) (map[int64]Affiliation, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	body, err := c.post(ctx, "character_affiliation", affiliationPath, c.affiliationTimeout,
		url.Values{"ids": {strings.Join(parts, ",")}})
	if err != nil {
		return nil, err
	}
	return ParseAffiliations(body)
}

func (c *Client) post(ctx context.Context, endpoint, path string, timeout time.Duration, form url.Values) (body []byte, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.EVEAPIRequestDuration.WithLabelValues(endpoint, outcome).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/xml")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: %w %d: %s", endpoint, ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return body, nil
}
