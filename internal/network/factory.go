package network

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Default API roots.
const (
	DefaultFacebookURL  = "https://graph.facebook.com"
	DefaultTwitterURL   = "https://api.twitter.com/1.1"
	DefaultTumblrURL    = "https://api.tumblr.com/v2"
	DefaultInstagramURL = "https://api.instagram.com/v1"
)

// AppCredentials are the application's consumer key and secret.
type AppCredentials struct {
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
}

// NetworkConfig holds the settings for one network.
type NetworkConfig struct {
	AppCredentials `mapstructure:",squash"`
	// Secure is used for profiles flagged secure (Instagram only).
	Secure            AppCredentials `mapstructure:"secure"`
	BaseURL           string         `mapstructure:"base_url"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int            `mapstructure:"burst" validate:"gte=0"`
}

// Config configures the Factory.
type Config struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxMediaPages caps photo and status paging for ranking.
	MaxMediaPages int           `mapstructure:"max_media_pages"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
	Facebook      NetworkConfig `mapstructure:"facebook"`
	Twitter       NetworkConfig `mapstructure:"twitter"`
	Tumblr        NetworkConfig `mapstructure:"tumblr"`
	Instagram     NetworkConfig `mapstructure:"instagram"`
}

func (c Config) network(n model.Network) NetworkConfig {
	switch n {
	case model.NetworkFacebook:
		return c.Facebook
	case model.NetworkTwitter:
		return c.Twitter
	case model.NetworkTumblr:
		return c.Tumblr
	default:
		return c.Instagram
	}
}

// Factory builds authenticated clients for stored profiles. Rate limiters
// and circuit breakers are shared by every client of the same network.
type Factory struct {
	cfg    Config
	base   http.RoundTripper
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[model.Network]*rate.Limiter
	breakers map[model.Network]*gobreaker.CircuitBreaker[[]byte]
}

// NewFactory creates a Factory.
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxMediaPages == 0 {
		cfg.MaxMediaPages = 4
	}
	return &Factory{
		cfg:      cfg,
		base:     http.DefaultTransport,
		logger:   logger,
		limiters: make(map[model.Network]*rate.Limiter),
		breakers: make(map[model.Network]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// SetTransport replaces the underlying HTTP transport.
func (f *Factory) SetTransport(rt http.RoundTripper) {
	f.base = rt
}

// ClientFor returns a client authenticated as p. The returned client may
// also implement MediaSource, TokenExchanger or PermissionChecker.
func (f *Factory) ClientFor(_ context.Context, p *model.Profile) (Client, error) {
	if p == nil {
		return nil, fmt.Errorf("client for nil profile")
	}
	if !p.Connected() {
		return nil, fmt.Errorf("%s profile %s has no credentials: %w", p.Network, p.ID, ErrAccessTokenInvalid)
	}
	nc := f.cfg.network(p.Network)
	app := f.AppCredentialsFor(p)
	logger := f.logger.With(zap.String("network", string(p.Network)), zap.String("uid", p.UID))

	switch p.Network {
	case model.NetworkFacebook:
		hc := &http.Client{Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.Token}),
			Base:   f.base,
		}}
		return &FacebookClient{
			api:           f.api(p.Network, nc, DefaultFacebookURL, hc, nil, translateFacebook),
			uid:           p.UID,
			page:          p.IsPage(),
			token:         p.Token,
			app:           app,
			maxMediaPages: f.cfg.MaxMediaPages,
			logger:        logger,
		}, nil

	case model.NetworkTwitter:
		signer := newOAuth1Signer(app.ConsumerKey, app.ConsumerSecret, p.Token, p.Secret)
		return &TwitterClient{
			api:    f.api(p.Network, nc, DefaultTwitterURL, &http.Client{Transport: f.base}, signer.authorize, translateTwitter),
			uid:    p.UID,
			logger: logger,
		}, nil

	case model.NetworkTumblr:
		signer := newOAuth1Signer(app.ConsumerKey, app.ConsumerSecret, p.Token, p.Secret)
		return &TumblrClient{
			api:    f.api(p.Network, nc, DefaultTumblrURL, &http.Client{Transport: f.base}, signer.authorize, translateTumblr),
			logger: logger,
		}, nil

	case model.NetworkInstagram:
		api := f.api(p.Network, nc, DefaultInstagramURL, &http.Client{Transport: f.base}, nil, translateInstagram)
		api.authorize = instagramAuth(p.Token, app.ConsumerSecret, basePath(api.baseURL))
		return &InstagramClient{
			api:    api,
			uid:    p.UID,
			logger: logger,
		}, nil
	}
	return nil, fmt.Errorf("network %q: %w", p.Network, ErrNotSupported)
}

// AppCredentialsFor returns the application credentials used for p, honouring
// the secure variant where the network has one.
func (f *Factory) AppCredentialsFor(p *model.Profile) AppCredentials {
	nc := f.cfg.network(p.Network)
	if p.Secure && p.Network == model.NetworkInstagram && nc.Secure.ConsumerKey != "" {
		return nc.Secure
	}
	return nc.AppCredentials
}

func (f *Factory) api(n model.Network, nc NetworkConfig, defaultURL string, hc *http.Client, auth authorizeFunc, translate translateFunc) *apiClient {
	base := nc.BaseURL
	if base == "" {
		base = defaultURL
	}
	limiter, breaker := f.shared(n, nc)
	return &apiClient{
		network:   n,
		baseURL:   base,
		http:      hc,
		timeout:   f.cfg.Timeout,
		limiter:   limiter,
		breaker:   breaker,
		authorize: auth,
		translate: translate,
	}
}

func (f *Factory) shared(n model.Network, nc NetworkConfig) (*rate.Limiter, *gobreaker.CircuitBreaker[[]byte]) {
	f.mu.Lock()
	defer f.mu.Unlock()

	limiter, ok := f.limiters[n]
	if !ok && nc.RequestsPerSecond > 0 {
		burst := nc.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(nc.RequestsPerSecond), burst)
		f.limiters[n] = limiter
	}
	breaker, ok := f.breakers[n]
	if !ok {
		breaker = newBreaker(n, f.cfg.Breaker, f.logger)
		f.breakers[n] = breaker
	}
	return limiter, breaker
}

func basePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimRight(u.Path, "/")
}
