package tdx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/metrics"
	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultRefreshMargin  = 60 * time.Second
	defaultMaxPages       = 100
	defaultUserAgent      = "metrobike-atlas/1.0"
)

type Config struct {
	BaseURL     string
	TokenURL    string
	Credentials models.Credentials

	HTTPClient *http.Client
	Logger     *slog.Logger
	Clock      clockwork.Clock

	// Timeout bounds every single HTTP exchange.
	Timeout time.Duration
	// MaxRetries is the number of resends after the first attempt on transient failures.
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RefreshMargin is how long before expiry the token is proactively replaced.
	RefreshMargin time.Duration
	// MinRequestInterval spaces consecutive requests; zero disables throttling.
	MinRequestInterval time.Duration
	MaxPages           int
	UserAgent          string
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base url is required")
	}
	if c.TokenURL == "" {
		return errors.New("token url is required")
	}
	if c.Credentials.ClientID == "" || c.Credentials.ClientSecret == "" {
		return errors.New("client credentials are required")
	}
	if c.MaxRetries < 0 {
		return errors.New("max retries must be non-negative")
	}
	if c.MinRequestInterval < 0 {
		return errors.New("min request interval must be non-negative")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = defaultRefreshMargin
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return nil
}

// Client talks to the provider with a cached bearer token. It is safe for concurrent use.
type Client struct {
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	token   models.AccessToken
	refresh singleflight.Group
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tdx config: %w", err)
	}
	c := &Client{cfg: cfg, log: cfg.Logger}
	if cfg.MinRequestInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.MinRequestInterval), 1)
	}
	return c, nil
}

// Authenticate exchanges the client credentials for a new access token and caches it.
func (c *Client) Authenticate(ctx context.Context) (models.AccessToken, error) {
	if err := c.wait(ctx); err != nil {
		return models.AccessToken{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.Credentials.ClientID},
		"client_secret": {c.cfg.Credentials.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return models.AccessToken{}, &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return models.AccessToken{}, &AuthError{Err: fmt.Errorf("token request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.AccessToken{}, &AuthError{Status: resp.StatusCode, Err: fmt.Errorf("read token response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.AccessToken{}, &AuthError{
			Status: resp.StatusCode,
			Body:   sanitizeBody(body, c.cfg.Credentials.ClientSecret),
		}
	}

	var payload struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.AccessToken{}, &AuthError{Status: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if payload.AccessToken == "" {
		return models.AccessToken{}, &AuthError{Status: resp.StatusCode, Err: errors.New("token response missing access_token")}
	}
	expiresIn, err := payload.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		return models.AccessToken{}, &AuthError{Status: resp.StatusCode, Err: errors.New("token response missing expires_in")}
	}

	tok := models.AccessToken{
		Value:     payload.AccessToken,
		ExpiresAt: c.cfg.Clock.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	c.log.Debug("tdx token refreshed", "expires_at", tok.ExpiresAt.UTC().Format(time.RFC3339))
	return tok, nil
}

// accessToken returns the cached token, refreshing it when it is close to expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if !tok.ExpiresWithin(c.cfg.Clock.Now(), c.cfg.RefreshMargin) {
		return tok.Value, nil
	}

	v, err, _ := c.refresh.Do("token", func() (any, error) {
		c.mu.Lock()
		cur := c.token
		c.mu.Unlock()
		if !cur.ExpiresWithin(c.cfg.Clock.Now(), c.cfg.RefreshMargin) {
			return cur.Value, nil
		}
		reason := "expiring"
		if cur.Value == "" {
			reason = "missing"
		}
		metrics.TokenRefreshes.WithLabelValues(reason).Inc()
		fresh, err := c.Authenticate(ctx)
		if err != nil {
			return "", err
		}
		return fresh.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidate drops the cached token if it is still the one that was rejected.
func (c *Client) invalidate(rejected string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Value == rejected {
		c.token = models.AccessToken{}
	}
}

// FetchJSON performs an authorized GET and returns the validated JSON body.
func (c *Client) FetchJSON(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	target, err := c.resolve(path, params)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffInitial
	bo.MaxInterval = c.cfg.BackoffMax
	policy := &retryAfterBackOff{BackOff: bo, max: c.cfg.BackoffMax}

	reauthed := false
	op := func() (json.RawMessage, error) {
		tok, err := c.accessToken(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		body, err := c.get(ctx, target, tok)
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Status == http.StatusUnauthorized {
			if reauthed {
				return nil, backoff.Permanent(&AuthError{Status: reqErr.Status, Body: reqErr.Body, Err: reqErr})
			}
			reauthed = true
			c.log.Info("tdx token rejected, re-authenticating", "url", target)
			c.invalidate(tok)
			metrics.TokenRefreshes.WithLabelValues("unauthorized").Inc()
			if tok, err = c.accessToken(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
			body, err = c.get(ctx, target, tok)
			if errors.As(err, &reqErr) && reqErr.Status == http.StatusUnauthorized {
				return nil, backoff.Permanent(&AuthError{Status: reqErr.Status, Body: reqErr.Body, Err: reqErr})
			}
		}
		if err == nil {
			return body, nil
		}
		if errors.As(err, &reqErr) && reqErr.Retryable() {
			policy.next = reqErr.retryAfter
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(1+c.cfg.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.ProviderRetries.Inc()
			c.log.Warn("tdx request failed, retrying", "url", target, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, target, token string) (json.RawMessage, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &RequestError{Method: http.MethodGet, URL: target, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(endpointLabel(target), "error").Inc()
		return nil, &RequestError{Method: http.MethodGet, URL: target, Err: fmt.Errorf("request: %w", err)}
	}
	defer resp.Body.Close()
	metrics.ProviderRequests.WithLabelValues(endpointLabel(target), strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Method: http.MethodGet, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			Method:     http.MethodGet,
			URL:        target,
			Status:     resp.StatusCode,
			Body:       sanitizeBody(body, token),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.cfg.Clock.Now()),
		}
	}
	if !json.Valid(body) {
		return nil, &RequestError{Method: http.MethodGet, URL: target, Status: resp.StatusCode, Body: sanitizeBody(body, token), Err: ErrInvalidJSON}
	}
	return json.RawMessage(body), nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// resolve joins a relative path onto the base URL; absolute URLs (next links) pass through.
func (c *Client) resolve(path string, params map[string]string) (string, error) {
	raw := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		raw = strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &RequestError{Method: http.MethodGet, URL: raw, Err: fmt.Errorf("parse url: %w", err)}
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func endpointLabel(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unknown"
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Drop the trailing city segment so label cardinality stays bounded.
	if len(parts) > 1 {
		parts = parts[:len(parts)-1]
	}
	return "/" + strings.Join(parts, "/")
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// retryAfterBackOff prefers a server-provided delay over the exponential schedule.
type retryAfterBackOff struct {
	backoff.BackOff
	max  time.Duration
	next time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if b.next > 0 {
		d := b.next
		b.next = 0
		if d > b.max {
			d = b.max
		}
		return d
	}
	return b.BackOff.NextBackOff()
}
