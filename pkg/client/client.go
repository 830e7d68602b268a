package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response other than 404.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// Profile is a profile as returned by the API.
type Profile struct {
	ID              string     `json:"id"`
	PersonID        *int64     `json:"person_id,omitempty"`
	Network         string     `json:"network"`
	Type            string     `json:"type,omitempty"`
	Secure          bool       `json:"secure"`
	UID             string     `json:"uid"`
	Username        string     `json:"username,omitempty"`
	Name            string     `json:"name,omitempty"`
	Email           string     `json:"email,omitempty"`
	PhotoURL        string     `json:"photo_url,omitempty"`
	ProfileURL      string     `json:"profile_url,omitempty"`
	Scope           string     `json:"scope,omitempty"`
	OAuthExpiry     *time.Time `json:"oauth_expiry,omitempty"`
	APIFollowsCount int        `json:"api_follows_count,omitempty"`
	ConnectionCount int        `json:"connection_count,omitempty"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
}

// ConnectRequest is the payload for Connect.
type ConnectRequest struct {
	PersonID    *int64     `json:"person_id,omitempty"`
	Network     string     `json:"network"`
	UID         string     `json:"uid"`
	Type        string     `json:"type,omitempty"`
	Secure      bool       `json:"secure,omitempty"`
	Token       string     `json:"token,omitempty"`
	Secret      string     `json:"secret,omitempty"`
	Scope       string     `json:"scope,omitempty"`
	OAuthExpiry *time.Time `json:"oauth_expiry,omitempty"`
	Name        string     `json:"name,omitempty"`
	Username    string     `json:"username,omitempty"`
	Email       string     `json:"email,omitempty"`
}

// Follow is a follow edge. Rank holds the flat rank parameters when the
// edge is ranked.
type Follow struct {
	ID         string         `json:"id"`
	ProfileID  string         `json:"profile_id"`
	FollowerID string         `json:"follower_id"`
	Rank       map[string]any `json:"rank,omitempty"`
	RankValue  float64        `json:"rank_value,omitempty"`
}

// Invite is an invitation from one profile to another.
type Invite struct {
	ID        string    `json:"id"`
	InviteeID string    `json:"invitee_id"`
	InviterID string    `json:"inviter_id"`
	CreatedAt time.Time `json:"created_at"`
}

// FollowersOptions filters Followers.
type FollowersOptions struct {
	ByRank bool
	// OnboardedOnly keeps followers that have been synced at least once.
	OnboardedOnly bool
	// FollowerIDs restricts the result to these follower profile ids.
	FollowerIDs []string
	Limit       int
	Offset      int
}

// UninvitedOptions filters UninvitedFollowers.
type UninvitedOptions struct {
	Name   string
	Limit  int
	Offset int
	Random bool
}

// Client is the profilesync SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client
	token      string
	cache      *lookupCache // nil = FindProfile always hits the server
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a service token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithCacheTTL caches FindProfile results for ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl must be positive, got %s", ttl)
		}
		c.cache = newLookupCache(ttl)
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Profiles ─────────────────────────────────────────────────────────────────

// Connect creates or updates a profile. created reports whether the server
// created a new profile.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (p *Profile, created bool, err error) {
	var out struct {
		Profile Profile `json:"profile"`
	}
	status, err := c.call(ctx, http.MethodPost, "/profiles", nil, req, &out)
	if err != nil {
		return nil, false, err
	}
	return &out.Profile, status == http.StatusCreated, nil
}

// GetProfile fetches a profile by id.
func (c *Client) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return c.profile(ctx, "/profiles/"+url.PathEscape(id))
}

// GetProfileOnboarded fetches a profile whose ConnectionCount only counts
// followers that have been synced at least once.
func (c *Client) GetProfileOnboarded(ctx context.Context, id string) (*Profile, error) {
	var out struct {
		Profile Profile `json:"profile"`
	}
	q := url.Values{"onboarded_only": {"true"}}
	if _, err := c.call(ctx, http.MethodGet, "/profiles/"+url.PathEscape(id), q, nil, &out); err != nil {
		return nil, err
	}
	return &out.Profile, nil
}

// FindProfile fetches the personal profile for (network, uid).
func (c *Client) FindProfile(ctx context.Context, network, uid string) (*Profile, error) {
	key := network + "/" + uid
	if c.cache != nil {
		if p, ok := c.cache.get(key); ok {
			return p, nil
		}
	}
	p, err := c.profile(ctx, "/networks/"+url.PathEscape(network)+"/profiles/"+url.PathEscape(uid))
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(key, p)
	}
	return p, nil
}

// ListPersonProfiles lists every profile a person owns.
func (c *Client) ListPersonProfiles(ctx context.Context, personID int64) ([]Profile, error) {
	return c.profiles(ctx, "/people/"+strconv.FormatInt(personID, 10)+"/profiles", nil)
}

// UnregisterProfile drops a profile's credentials and personal data.
func (c *Client) UnregisterProfile(ctx context.Context, id string) error {
	_, err := c.call(ctx, http.MethodDelete, "/profiles/"+url.PathEscape(id)+"/registration", nil, nil, nil)
	return err
}

// UnregisterPerson unregisters every profile of a person.
func (c *Client) UnregisterPerson(ctx context.Context, personID int64) (int, error) {
	var out struct {
		Unregistered int `json:"unregistered"`
	}
	_, err := c.call(ctx, http.MethodDelete, "/people/"+strconv.FormatInt(personID, 10)+"/registration", nil, nil, &out)
	return out.Unregistered, err
}

// DeleteProfile removes a profile and its edges. Requires an admin token
// when the server enforces auth.
func (c *Client) DeleteProfile(ctx context.Context, id string) error {
	_, err := c.call(ctx, http.MethodDelete, "/profiles/"+url.PathEscape(id), nil, nil, nil)
	return err
}

// Enqueue schedules a task ("sync", "sync_attrs" or "extend_token_expiry")
// for a profile. It returns false when the same task is already pending.
func (c *Client) Enqueue(ctx context.Context, id, kind string) (bool, error) {
	var out struct {
		Queued bool `json:"queued"`
	}
	_, err := c.call(ctx, http.MethodPost, "/profiles/"+url.PathEscape(id)+"/tasks/"+url.PathEscape(kind), nil, nil, &out)
	return out.Queued, err
}

// ── Follows ──────────────────────────────────────────────────────────────────

// Followers lists the followers of a profile.
func (c *Client) Followers(ctx context.Context, id string, opts FollowersOptions) ([]Profile, error) {
	q := url.Values{}
	if opts.ByRank {
		q.Set("rank", "true")
	}
	if opts.OnboardedOnly {
		q.Set("onboarded_only", "true")
	}
	for _, fid := range opts.FollowerIDs {
		q.Add("follower_id", fid)
	}
	setInt(q, "limit", opts.Limit)
	setInt(q, "offset", opts.Offset)
	return c.profiles(ctx, "/profiles/"+url.PathEscape(id)+"/followers", q)
}

// UninvitedFollowers lists followers the profile has not invited yet.
func (c *Client) UninvitedFollowers(ctx context.Context, id string, opts UninvitedOptions) ([]Profile, error) {
	q := url.Values{}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if opts.Random {
		q.Set("random", "true")
	}
	setInt(q, "limit", opts.Limit)
	setInt(q, "offset", opts.Offset)
	return c.profiles(ctx, "/profiles/"+url.PathEscape(id)+"/followers/uninvited", q)
}

// Following lists the profiles a profile follows.
func (c *Client) Following(ctx context.Context, id string) ([]Profile, error) {
	return c.profiles(ctx, "/profiles/"+url.PathEscape(id)+"/following", nil)
}

// GetFollow fetches the edge from followerID to id.
func (c *Client) GetFollow(ctx context.Context, id, followerID string) (*Follow, error) {
	var out struct {
		Follow Follow `json:"follow"`
	}
	if _, err := c.call(ctx, http.MethodGet, followPath(id, followerID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Follow, nil
}

// PutFollow creates the edge from followerID to id. computeRank asks the
// server to rank the edge from live network data.
func (c *Client) PutFollow(ctx context.Context, id, followerID string, computeRank bool) (*Follow, error) {
	var out struct {
		Follow Follow `json:"follow"`
	}
	body := map[string]any{"compute_rank": computeRank}
	if _, err := c.call(ctx, http.MethodPut, followPath(id, followerID), nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Follow, nil
}

// DeleteFollow removes the edge from followerID to id.
func (c *Client) DeleteFollow(ctx context.Context, id, followerID string) error {
	_, err := c.call(ctx, http.MethodDelete, followPath(id, followerID), nil, nil, nil)
	return err
}

// ── Invites ──────────────────────────────────────────────────────────────────

// PutInvite records an invite from inviterID to inviteeID.
func (c *Client) PutInvite(ctx context.Context, inviteeID, inviterID string) (*Invite, error) {
	var out struct {
		Invite Invite `json:"invite"`
	}
	if _, err := c.call(ctx, http.MethodPut, invitePath(inviteeID, inviterID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Invite, nil
}

// DeleteInvite removes an invite.
func (c *Client) DeleteInvite(ctx context.Context, inviteeID, inviterID string) error {
	_, err := c.call(ctx, http.MethodDelete, invitePath(inviteeID, inviterID), nil, nil, nil)
	return err
}

// Inviters lists the profiles that invited id.
func (c *Client) Inviters(ctx context.Context, id string) ([]Profile, error) {
	return c.profiles(ctx, "/profiles/"+url.PathEscape(id)+"/inviters", nil)
}

// Inviting lists the profiles id has invited.
func (c *Client) Inviting(ctx context.Context, id string) ([]Profile, error) {
	return c.profiles(ctx, "/profiles/"+url.PathEscape(id)+"/inviting", nil)
}

// ── Transport ────────────────────────────────────────────────────────────────

func (c *Client) profile(ctx context.Context, path string) (*Profile, error) {
	var out struct {
		Profile Profile `json:"profile"`
	}
	if _, err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Profile, nil
}

func (c *Client) profiles(ctx context.Context, path string, q url.Values) ([]Profile, error) {
	var out struct {
		Profiles []Profile `json:"profiles"`
	}
	if _, err := c.call(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

// call sends a JSON request to /api/v1+path and decodes a 2xx body into out.
func (c *Client) call(ctx context.Context, method, path string, q url.Values, body, out any) (int, error) {
	target := c.base + "/api/v1" + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(raw)
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func followPath(id, followerID string) string {
	return "/profiles/" + url.PathEscape(id) + "/follows/" + url.PathEscape(followerID)
}

func invitePath(inviteeID, inviterID string) string {
	return "/profiles/" + url.PathEscape(inviteeID) + "/invites/from/" + url.PathEscape(inviterID)
}

func setInt(q url.Values, key string, v int) {
	if v > 0 {
		q.Set(key, strconv.Itoa(v))
	}
}

// --- simple in-memory lookup cache ---

type cacheEntry struct {
	profile   *Profile
	expiresAt time.Time
}

type lookupCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newLookupCache(ttl time.Duration) *lookupCache {
	return &lookupCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (lc *lookupCache) get(key string) (*Profile, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	e, ok := lc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.profile, true
}

func (lc *lookupCache) set(key string, p *Profile) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.entries[key] = &cacheEntry{profile: p, expiresAt: time.Now().Add(lc.ttl)}
}
