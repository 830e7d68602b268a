package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"go.uber.org/zap"
)

func testFactory(t *testing.T, h http.Handler, mutate func(*Config)) *Factory {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := Config{
		Timeout:   time.Second,
		Facebook:  NetworkConfig{BaseURL: srv.URL, AppCredentials: AppCredentials{ConsumerKey: "app", ConsumerSecret: "shh"}},
		Twitter:   NetworkConfig{BaseURL: srv.URL, AppCredentials: AppCredentials{ConsumerKey: "ck", ConsumerSecret: "cs"}},
		Tumblr:    NetworkConfig{BaseURL: srv.URL, AppCredentials: AppCredentials{ConsumerKey: "ck", ConsumerSecret: "cs"}},
		Instagram: NetworkConfig{BaseURL: srv.URL},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewFactory(cfg, zap.NewNop())
}

func testProfile(n model.Network, uid string) *model.Profile {
	return &model.Profile{ID: uuid.New(), Network: n, UID: uid, Token: "tok", Secret: "sec"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustClient(t *testing.T, f *Factory, p *model.Profile) Client {
	t.Helper()
	c, err := f.ClientFor(context.Background(), p)
	if err != nil {
		t.Fatalf("ClientFor: %v", err)
	}
	return c
}

// ── Facebook ─────────────────────────────────────────────────────────────────

func TestFacebook_FetchFollowersPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me/friends", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("after") == "" {
			writeJSON(w, 200, map[string]any{
				"data":   []map[string]string{{"id": "1", "name": "A"}, {"id": "2", "name": "B"}},
				"paging": map[string]any{"cursors": map[string]string{"after": "c1"}, "next": "more"},
			})
			return
		}
		writeJSON(w, 200, map[string]any{"data": []map[string]string{{"id": "3", "name": "C"}}})
	})
	c := mustClient(t, testFactory(t, mux, nil), testProfile(model.NetworkFacebook, "me"))

	got, err := c.FetchFollowers(context.Background())
	if err != nil {
		t.Fatalf("FetchFollowers: %v", err)
	}
	if len(got.ByUID) != 3 || got.Partial {
		t.Fatalf("got %d followers (partial=%v), want 3 complete", len(got.ByUID), got.Partial)
	}
	if model.Value(got.ByUID["3"].Name) != "C" {
		t.Errorf("follower 3 name = %q", model.Value(got.ByUID["3"].Name))
	}
}

func TestFacebook_PageFollowersNotSupported(t *testing.T) {
	p := testProfile(model.NetworkFacebook, "99")
	p.Type = model.ProfileTypePage
	c := mustClient(t, testFactory(t, http.NotFoundHandler(), nil), p)

	if _, err := c.FetchFollowers(context.Background()); !errors.Is(err, ErrNotSupported) {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
}

func TestFacebook_FetchCurrentUserErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, map[string]any{"error": map[string]any{
			"message": "Error validating access token: Session has expired",
			"type":    "OAuthException",
			"code":    190,
		}})
	})
	c := mustClient(t, testFactory(t, mux, nil), testProfile(model.NetworkFacebook, "me"))

	_, err := c.FetchCurrentUser(context.Background())
	if !errors.Is(err, ErrAccessTokenInvalid) {
		t.Fatalf("err = %v, want ErrAccessTokenInvalid", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 190 {
		t.Errorf("expected APIError code 190, got %v", err)
	}
}

func TestTranslateFacebook(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not authorized", 400, `{"error":{"message":"User 1 hasn't authorized the application to do this","type":"OAuthException","code":200}}`, ErrMissingPermission},
		{"password changed", 400, `{"error":{"message":"The session has been invalidated because the user has changed the password.","type":"OAuthException","code":190}}`, ErrInvalidSession},
		{"user not visible", 400, `{"error":{"message":"(#803) User not visible","type":"OAuthException","code":803}}`, ErrActionNotAllowed},
		{"feed limit", 400, `{"error":{"message":"Feed action request limit reached","type":"OAuthException","code":341}}`, ErrRateLimited},
		{"generic oauth", 400, `{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`, ErrAccessTokenInvalid},
		{"server error", 502, `<html>bad gateway</html>`, ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := translateFacebook(tc.status, []byte(tc.body))
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFacebook_PostAndExchange(t *testing.T) {
	var posted atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/friend-1/feed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		_ = r.ParseForm()
		posted.Store(r.PostForm.Get("message"))
		writeJSON(w, 200, map[string]string{"id": "post-1"})
	})
	mux.HandleFunc("/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("grant_type") != "fb_exchange_token" || q.Get("fb_exchange_token") != "tok" || q.Get("client_id") != "app" {
			t.Errorf("unexpected exchange query %v", q)
		}
		writeJSON(w, 200, map[string]any{"access_token": "long-lived", "expires_in": 3600})
	})
	c := mustClient(t, testFactory(t, mux, nil), testProfile(model.NetworkFacebook, "me"))

	if err := c.PostToFeed(context.Background(), "friend-1", Content{Message: "join me"}); err != nil {
		t.Fatalf("PostToFeed: %v", err)
	}
	if posted.Load() != "join me" {
		t.Errorf("posted message = %v", posted.Load())
	}
	if err := c.PostToFeed(context.Background(), "friend-1", Content{}); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("empty post err = %v", err)
	}

	token, expires, err := c.(TokenExchanger).ExchangeToken(context.Background())
	if err != nil {
		t.Fatalf("ExchangeToken: %v", err)
	}
	if token != "long-lived" || expires != time.Hour {
		t.Errorf("got %q %v", token, expires)
	}
}

func TestFacebook_MediaSource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me/photos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"p1","created_time":"2026-01-02T03:04:05+0000",
			"tags":{"data":[{"id":"f1"}]},"likes":{"data":[{"id":"f1"},{"id":"f2"}]},
			"comments":{"data":[{"from":{"id":"f2"}}]}}]}`)
	})
	mux.HandleFunc("/me/posts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"s1","created_time":"2026-01-03T00:00:00+0000","likes":{"data":[{"id":"f1"}]}}]}`)
	})
	c := mustClient(t, testFactory(t, mux, nil), testProfile(model.NetworkFacebook, "me"))
	media := c.(MediaSource)

	photos, err := media.Photos(context.Background())
	if err != nil {
		t.Fatalf("Photos: %v", err)
	}
	if len(photos) != 1 || len(photos[0].TagUIDs) != 1 || len(photos[0].LikeUIDs) != 2 || photos[0].CommentUIDs[0] != "f2" {
		t.Fatalf("unexpected photos %+v", photos)
	}
	if want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC); !photos[0].CreatedTime.Equal(want) {
		t.Errorf("created = %v", photos[0].CreatedTime)
	}

	statuses, err := media.Statuses(context.Background())
	if err != nil {
		t.Fatalf("Statuses: %v", err)
	}
	if len(statuses) != 1 || statuses[0].LikeUIDs[0] != "f1" {
		t.Errorf("unexpected statuses %+v", statuses)
	}
}

// ── Twitter ──────────────────────────────────────────────────────────────────

func TestTwitter_FetchFollowersSkipsFailedBatch(t *testing.T) {
	var lookups atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/followers/ids.json", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "OAuth ") {
			t.Errorf("request not signed")
		}
		ids := make([]string, 0, 150)
		if r.URL.Query().Get("cursor") == "-1" {
			for i := 0; i < 120; i++ {
				ids = append(ids, fmt.Sprint(i))
			}
			writeJSON(w, 200, map[string]any{"ids": ids, "next_cursor_str": "abc"})
			return
		}
		for i := 120; i < 150; i++ {
			ids = append(ids, fmt.Sprint(i))
		}
		writeJSON(w, 200, map[string]any{"ids": ids, "next_cursor_str": "0"})
	})
	mux.HandleFunc("/users/lookup.json", func(w http.ResponseWriter, r *http.Request) {
		if lookups.Add(1) == 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = r.ParseForm()
		var users []map[string]string
		for _, id := range strings.Split(r.PostForm.Get("user_id"), ",") {
			users = append(users, map[string]string{"id_str": id, "screen_name": "u" + id})
		}
		writeJSON(w, 200, users)
	})
	c := mustClient(t, testFactory(t, mux, nil), testProfile(model.NetworkTwitter, "7"))

	got, err := c.FetchFollowers(context.Background())
	if err != nil {
		t.Fatalf("FetchFollowers: %v", err)
	}
	if len(got.ByUID) != 100 {
		t.Errorf("got %d followers, want 100", len(got.ByUID))
	}
	if !got.Partial {
		t.Error("expected partial result after a failed lookup batch")
	}
}

func TestTwitter_RateLimitedPropagates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/followers/ids.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 429, map[string]any{"errors": []map[string]any{{"code": 88, "message": "Rate limit exceeded"}}})
	})
	c := mustClient(t, testFactory(t, mux, nil), testProfile(model.NetworkTwitter, "7"))

	if _, err := c.FetchFollowers(context.Background()); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestTwitter_PostRequiresMessage(t *testing.T) {
	var status atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/statuses/update.json", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		status.Store(r.PostForm.Get("status"))
		writeJSON(w, 200, map[string]string{"id_str": "1"})
	})
	c := mustClient(t, testFactory(t, mux, nil), testProfile(model.NetworkTwitter, "7"))

	if err := c.PostToFeed(context.Background(), "", Content{Link: "http://x"}); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("link-only err = %v", err)
	}
	if err := c.PostToFeed(context.Background(), "", Content{Message: "hi", Link: "http://x"}); err != nil {
		t.Fatalf("PostToFeed: %v", err)
	}
	if status.Load() != "hi http://x" {
		t.Errorf("status = %v", status.Load())
	}
}

func TestTwitter_NoSecretNotConnected(t *testing.T) {
	p := testProfile(model.NetworkTwitter, "7")
	p.Secret = ""
	if _, err := testFactory(t, http.NotFoundHandler(), nil).ClientFor(context.Background(), p); !errors.Is(err, ErrAccessTokenInvalid) {
		t.Errorf("err = %v, want ErrAccessTokenInvalid", err)
	}
}

// ── Tumblr ───────────────────────────────────────────────────────────────────

func TestTumblr_FetchFollowersByOffset(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"meta":     map[string]any{"status": 200, "msg": "OK"},
			"response": map[string]any{"user": map[string]any{"name": "bob", "blogs": []map[string]any{{"name": "bob", "primary": true}}}},
		})
	})
	mux.HandleFunc("/blog/bob.tumblr.com/followers", func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		if r.URL.Query().Get("limit") != "20" {
			t.Errorf("limit = %q", r.URL.Query().Get("limit"))
		}
		var n int
		switch offset {
		case "0":
			n = 20
		case "20":
			w.WriteHeader(http.StatusInternalServerError)
			return
		case "40":
			n = 5
		}
		users := make([]map[string]string, n)
		for i := range users {
			users[i] = map[string]string{"name": fmt.Sprintf("f%s-%d", offset, i)}
		}
		writeJSON(w, 200, map[string]any{"response": map[string]any{"total_users": 45, "users": users}})
	})
	c := mustClient(t, testFactory(t, mux, nil), testProfile(model.NetworkTumblr, "bob"))

	got, err := c.FetchFollowers(context.Background())
	if err != nil {
		t.Fatalf("FetchFollowers: %v", err)
	}
	if len(got.ByUID) != 25 || !got.Partial {
		t.Errorf("got %d followers (partial=%v), want 25 partial", len(got.ByUID), got.Partial)
	}
	if err := c.PostToFeed(context.Background(), "bob", Content{Message: "x"}); !errors.Is(err, ErrNotSupported) {
		t.Errorf("post err = %v", err)
	}
}

func TestTranslateTumblr(t *testing.T) {
	err := translateTumblr(401, []byte(`{"meta":{"status":401,"msg":"Not Authorized"}}`))
	if !errors.Is(err, ErrAccessTokenInvalid) {
		t.Errorf("got %v", err)
	}
}

// ── Instagram ────────────────────────────────────────────────────────────────

func TestInstagram_FetchFollowersStopsOnFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/55/followed-by", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("access_token") != "tok" {
			t.Errorf("access_token = %q", q.Get("access_token"))
		}
		sig := q.Get("sig")
		q.Del("sig")
		if want := instagramSig("igsecret", "/users/55/followed-by", q, nil); sig != want {
			t.Errorf("sig = %q, want %q", sig, want)
		}
		switch q.Get("cursor") {
		case "":
			writeJSON(w, 200, map[string]any{
				"data":       []map[string]string{{"id": "1", "username": "one"}, {"id": "2", "username": "two"}},
				"pagination": map[string]string{"next_cursor": "n1"},
			})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	})
	f := testFactory(t, mux, func(c *Config) { c.Instagram.ConsumerSecret = "igsecret" })
	c := mustClient(t, f, testProfile(model.NetworkInstagram, "55"))

	got, err := c.FetchFollowers(context.Background())
	if err != nil {
		t.Fatalf("FetchFollowers: %v", err)
	}
	if len(got.ByUID) != 2 || !got.Partial {
		t.Errorf("got %d followers (partial=%v)", len(got.ByUID), got.Partial)
	}
	if model.Value(got.ByUID["1"].Name) != "one" {
		t.Errorf("name fallback = %q", model.Value(got.ByUID["1"].Name))
	}
}

func TestInstagram_SecureCredentials(t *testing.T) {
	f := testFactory(t, http.NotFoundHandler(), func(c *Config) {
		c.Instagram.AppCredentials = AppCredentials{ConsumerKey: "plain", ConsumerSecret: "p"}
		c.Instagram.Secure = AppCredentials{ConsumerKey: "secure", ConsumerSecret: "s"}
	})
	p := testProfile(model.NetworkInstagram, "1")
	if got := f.AppCredentialsFor(p).ConsumerKey; got != "plain" {
		t.Errorf("insecure profile key = %q", got)
	}
	p.Secure = true
	if got := f.AppCredentialsFor(p).ConsumerKey; got != "secure" {
		t.Errorf("secure profile key = %q", got)
	}
}

func TestTranslateInstagram(t *testing.T) {
	cases := map[string]error{
		"OAuthAccessTokenException": ErrAccessTokenInvalid,
		"OAuthPermissionsException": ErrMissingPermission,
		"OAuthRateLimitException":   ErrRateLimited,
		"APINotAllowedError":        ErrActionNotAllowed,
	}
	for errType, want := range cases {
		body := fmt.Sprintf(`{"meta":{"code":400,"error_type":%q,"error_message":"nope"}}`, errType)
		if err := translateInstagram(400, []byte(body)); !errors.Is(err, want) {
			t.Errorf("%s: got %v, want %v", errType, err, want)
		}
	}
}

// ── Transport ────────────────────────────────────────────────────────────────

func TestTransport_Timeout(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	f := testFactory(t, h, func(c *Config) { c.Timeout = 20 * time.Millisecond })
	c := mustClient(t, f, testProfile(model.NetworkFacebook, "me"))

	_, err := c.FetchCurrentUser(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestTransport_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	f := testFactory(t, h, func(c *Config) {
		c.Breaker = BreakerConfig{MinRequests: 2, FailureRatio: 0.5, OpenTimeout: time.Minute}
	})
	c := mustClient(t, f, testProfile(model.NetworkFacebook, "me"))

	for i := 0; i < 4; i++ {
		if _, err := c.FetchCurrentUser(context.Background()); !errors.Is(err, ErrTransient) {
			t.Fatalf("call %d: err = %v, want ErrTransient", i, err)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hit %d times, want 2 before the breaker opened", got)
	}
}
