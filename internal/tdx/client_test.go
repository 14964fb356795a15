package tdx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type testProvider struct {
	tokenCalls atomic.Int32
	apiCalls   atomic.Int32
	expiresIn  int

	mu      sync.Mutex
	tokens  []string
	api     http.HandlerFunc
	tokenFn http.HandlerFunc
}

func newTestProvider(t *testing.T, api http.HandlerFunc) (*testProvider, *httptest.Server) {
	t.Helper()
	p := &testProvider{api: api, expiresIn: 3600}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if p.tokenFn != nil {
			p.tokenFn(w, r)
			return
		}
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, "id", r.PostForm.Get("client_id"))
		require.Equal(t, "secret", r.PostForm.Get("client_secret"))
		n := p.tokenCalls.Add(1)
		tok := fmt.Sprintf("tok-%d", n)
		p.mu.Lock()
		p.tokens = append(p.tokens, tok)
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"expires_in":%d,"token_type":"Bearer"}`, tok, p.expiresIn)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		p.apiCalls.Add(1)
		p.api(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

func newTestClient(t *testing.T, srv *httptest.Server, clock clockwork.Clock, maxRetries int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:        srv.URL + "/api",
		TokenURL:       srv.URL + "/auth/token",
		Credentials:    models.Credentials{ClientID: "id", ClientSecret: "secret"},
		Clock:          clock,
		MaxRetries:     maxRetries,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		Timeout:        2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestTDX_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	require.Error(t, cfg.Validate())

	cfg.BaseURL = "https://example.test/api"
	require.Error(t, cfg.Validate())

	cfg.TokenURL = "https://example.test/token"
	require.Error(t, cfg.Validate())

	cfg.Credentials = models.Credentials{ClientID: "id", ClientSecret: "secret"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultRefreshMargin, cfg.RefreshMargin)
	require.Equal(t, defaultMaxPages, cfg.MaxPages)
	require.NotNil(t, cfg.Clock)

	cfg.MaxRetries = -1
	require.Error(t, cfg.Validate())
}

func TestTDX_Client_FetchJSON_SendsBearerToken(t *testing.T) {
	t.Parallel()

	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		require.Equal(t, "JSON", r.URL.Query().Get("$format"))
		fmt.Fprint(w, `[{"StationUID":"A1"}]`)
	})
	c := newTestClient(t, srv, clockwork.NewFakeClock(), 0)

	body, err := c.FetchJSON(context.Background(), "v2/Bike/Station/City/Taipei", map[string]string{"$format": "JSON"})
	require.NoError(t, err)
	require.JSONEq(t, `[{"StationUID":"A1"}]`, string(body))

	_, err = c.FetchJSON(context.Background(), "v2/Bike/Station/City/Taipei", map[string]string{"$format": "JSON"})
	require.NoError(t, err)
	require.Equal(t, int32(1), p.tokenCalls.Load())
}

func TestTDX_Client_RetryBound(t *testing.T) {
	t.Parallel()

	for _, maxRetries := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("max_retries=%d", maxRetries), func(t *testing.T) {
			t.Parallel()

			p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, "upstream busy")
			})
			c := newTestClient(t, srv, clockwork.NewFakeClock(), maxRetries)

			_, err := c.FetchJSON(context.Background(), "v2/Bike/Availability/City/Taipei", nil)
			require.Error(t, err)

			var reqErr *RequestError
			require.True(t, errors.As(err, &reqErr))
			require.Equal(t, http.StatusServiceUnavailable, reqErr.Status)
			require.Equal(t, "upstream busy", reqErr.Body)
			require.Equal(t, int32(1+maxRetries), p.apiCalls.Load())
		})
	}
}

func TestTDX_Client_RecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	_, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			fmt.Fprint(w, `[]`)
		}
	})
	c := newTestClient(t, srv, clockwork.NewFakeClock(), 3)

	body, err := c.FetchJSON(context.Background(), "v2/Rail/Metro/Station/TRTC", nil)
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(body))
	require.Equal(t, int32(3), calls.Load())
}

func TestTDX_Client_ClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"no such city"}`)
	})
	c := newTestClient(t, srv, clockwork.NewFakeClock(), 5)

	_, err := c.FetchJSON(context.Background(), "v2/Bike/Station/City/Atlantis", nil)
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	require.Equal(t, http.StatusNotFound, reqErr.Status)
	require.False(t, reqErr.Retryable())
	require.Equal(t, int32(1), p.apiCalls.Load())
}

func TestTDX_Client_ReauthenticatesOnceOn401(t *testing.T) {
	t.Parallel()

	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `[{"ok":true}]`)
	})
	c := newTestClient(t, srv, clockwork.NewFakeClock(), 0)

	body, err := c.FetchJSON(context.Background(), "v2/Bike/Station/City/Taipei", nil)
	require.NoError(t, err)
	require.JSONEq(t, `[{"ok":true}]`, string(body))
	require.Equal(t, int32(2), p.tokenCalls.Load())
	require.Equal(t, int32(2), p.apiCalls.Load())
}

func TestTDX_Client_PersistentUnauthorizedIsAuthError(t *testing.T) {
	t.Parallel()

	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintf(w, "rejected %s", r.Header.Get("Authorization"))
	})
	c := newTestClient(t, srv, clockwork.NewFakeClock(), 3)

	_, err := c.FetchJSON(context.Background(), "v2/Bike/Station/City/Taipei", nil)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, http.StatusUnauthorized, authErr.Status)
	require.NotContains(t, err.Error(), "tok-2")
	require.Equal(t, int32(2), p.tokenCalls.Load())
	require.Equal(t, int32(2), p.apiCalls.Load())
}

func TestTDX_Client_ProactiveRefreshNearExpiry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	p.expiresIn = 120
	c := newTestClient(t, srv, clock, 0)

	_, err := c.FetchJSON(context.Background(), "v2/Bike/Station/City/Taipei", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), p.tokenCalls.Load())

	// 30s of validity left is inside the 60s margin.
	clock.Advance(90 * time.Second)
	_, err = c.FetchJSON(context.Background(), "v2/Bike/Station/City/Taipei", nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), p.tokenCalls.Load())
	require.Equal(t, int32(2), p.apiCalls.Load())
}

func TestTDX_Client_ConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()

	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	c := newTestClient(t, srv, clockwork.NewFakeClock(), 0)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.FetchJSON(context.Background(), "v2/Bike/Station/City/Taipei", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), p.tokenCalls.Load())
}

func TestTDX_Client_AuthenticateFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "rejected credentials", status: http.StatusBadRequest, body: `{"error":"invalid_client"}`},
		{name: "missing token", status: http.StatusOK, body: `{"expires_in":3600}`},
		{name: "missing expiry", status: http.StatusOK, body: `{"access_token":"abc"}`},
		{name: "not json", status: http.StatusOK, body: `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				t.Error("api must not be called without a token")
			})
			p.tokenFn = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}
			c := newTestClient(t, srv, clockwork.NewFakeClock(), 2)

			_, err := c.FetchJSON(context.Background(), "v2/Bike/Station/City/Taipei", nil)
			var authErr *AuthError
			require.True(t, errors.As(err, &authErr))
			require.NotContains(t, err.Error(), "secret")
		})
	}
}

func TestTDX_Client_InvalidJSONIsRequestError(t *testing.T) {
	t.Parallel()

	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	})
	c := newTestClient(t, srv, clockwork.NewFakeClock(), 3)

	_, err := c.FetchJSON(context.Background(), "v2/Bike/Station/City/Taipei", nil)
	require.ErrorIs(t, err, ErrInvalidJSON)
	require.Equal(t, int32(1), p.apiCalls.Load())
}

func TestTDX_Client_ErrorBodyTruncated(t *testing.T) {
	t.Parallel()

	_, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, strings.Repeat("x", 2000))
	})
	c := newTestClient(t, srv, clockwork.NewFakeClock(), 0)

	_, err := c.FetchJSON(context.Background(), "v2/Bike/Station/City/Taipei", nil)
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	require.Len(t, reqErr.Body, maxErrorBody)
}

func TestTDX_Client_FetchAll_FollowsNextLinks(t *testing.T) {
	t.Parallel()

	var srvURL string
	_, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("$skip") {
		case "":
			fmt.Fprintf(w, `{"value":[{"id":1},{"id":2}],"@odata.nextLink":"%s/api/v2/Bike/Station/City/Taipei?$skip=2"}`, srvURL)
		case "2":
			fmt.Fprintf(w, `{"value":[{"id":3}],"@odata.nextLink":"%s/api/v2/Bike/Station/City/Taipei?$skip=3"}`, srvURL)
		default:
			fmt.Fprint(w, `{"value":[]}`)
		}
	})
	srvURL = srv.URL
	c := newTestClient(t, srv, clockwork.NewFakeClock(), 0)

	body, err := c.FetchAll(context.Background(), "v2/Bike/Station/City/Taipei", map[string]string{"$format": "JSON"})
	require.NoError(t, err)

	var got []map[string]int
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, []map[string]int{{"id": 1}, {"id": 2}, {"id": 3}}, got)
}

func TestTDX_Client_FetchAll_PlainArrayAndEmpty(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	_, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `[{"id":1}]`)
			return
		}
		fmt.Fprint(w, `{"value":[]}`)
	})
	c := newTestClient(t, srv, clockwork.NewFakeClock(), 0)

	body, err := c.FetchAll(context.Background(), "v2/Bike/Station/City/Taipei", nil)
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":1}]`, string(body))

	body, err = c.FetchAll(context.Background(), "v2/Bike/Station/City/Taipei", nil)
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(body))
}

func TestTDX_Client_FetchAll_PageCap(t *testing.T) {
	t.Parallel()

	var srvURL string
	_, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"value":[{"id":1}],"@odata.nextLink":"%s/api/loop"}`, srvURL)
	})
	srvURL = srv.URL
	c, err := NewClient(Config{
		BaseURL:     srv.URL + "/api",
		TokenURL:    srv.URL + "/auth/token",
		Credentials: models.Credentials{ClientID: "id", ClientSecret: "secret"},
		Clock:       clockwork.NewFakeClock(),
		MaxPages:    3,
	})
	require.NoError(t, err)

	_, err = c.FetchAll(context.Background(), "loop", nil)
	require.ErrorIs(t, err, ErrTooManyPages)
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
}

func TestTDX_ParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	require.Zero(t, parseRetryAfter("", now))
	require.Zero(t, parseRetryAfter("-3", now))
	require.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}

func TestTDX_EndpointLabel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/api/v2/Bike/Station/City", endpointLabel("https://tdx.example/api/v2/Bike/Station/City/Taipei?$format=JSON"))
}
