// Package httpapi fetches character profiles from the remote JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fchat-tools/profilecache/internal/config"
	"github.com/fchat-tools/profilecache/internal/model"
	registryfetch "github.com/fchat-tools/profilecache/internal/registry/fetch"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 4 << 20

func init() {
	registryfetch.Register(registryfetch.Plugin{
		Name:   "http",
		Loader: load,
	})
}

func load(ctx context.Context) (registryfetch.Fetcher, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.FetchURL == "" {
		return nil, fmt.Errorf("http fetcher: PROFILECACHE_FETCH_URL is required")
	}
	ticket, err := ResolveTicket(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(Options{
		URL:     cfg.FetchURL,
		Account: cfg.FetchAccount,
		Ticket:  ticket,
		Rate:    cfg.FetchRate,
		Burst:   cfg.FetchBurst,
		Timeout: cfg.FetchTimeout,
	}), nil
}

// Options configures a Fetcher.
type Options struct {
	URL     string
	Account string
	Ticket  string
	// Rate is the sustained requests per second; zero or less disables limiting.
	Rate    float64
	Burst   int
	Timeout time.Duration
}

// Fetcher posts the character name to the API and returns the JSON body.
type Fetcher struct {
	url     string
	account string
	ticket  string
	client  *http.Client
	limiter *rate.Limiter
}

func New(opts Options) *Fetcher {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	return &Fetcher{
		url:     opts.URL,
		account: opts.Account,
		ticket:  opts.Ticket,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (f *Fetcher) FetchProfile(ctx context.Context, identity string) (model.Payload, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch %s: rate limit: %w", identity, err)
	}

	form := url.Values{"name": {identity}}
	if f.account != "" {
		form.Set("account", f.account)
		form.Set("ticket", f.ticket)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", identity, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read response: %w", identity, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", identity, resp.StatusCode)
	}

	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return nil, fmt.Errorf("fetch %s: parse response: %w", identity, err)
	}
	if apiErr.Error != "" {
		return nil, fmt.Errorf("fetch %s: remote error: %s", identity, apiErr.Error)
	}
	if _, err := model.PayloadName(body); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", identity, err)
	}
	return model.Payload(body), nil
}

var _ registryfetch.Fetcher = (*Fetcher)(nil)
