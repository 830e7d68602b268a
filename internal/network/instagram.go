package network

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"go.uber.org/zap"
)

const instagramFollowersPage = 20

// InstagramClient is a v1 API session. The token travels as a query
// parameter, which is what the v1 API expects.
type InstagramClient struct {
	api    *apiClient
	uid    string
	logger *zap.Logger
}

type instagramMeta struct {
	Code         int    `json:"code"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

type instagramEnvelope[T any] struct {
	Meta       instagramMeta `json:"meta"`
	Data       T             `json:"data"`
	Pagination struct {
		NextCursor string `json:"next_cursor"`
	} `json:"pagination"`
}

func (c *InstagramClient) Network() model.Network { return model.NetworkInstagram }

func (c *InstagramClient) FetchCurrentUser(ctx context.Context) (model.Attrs, error) {
	var env instagramEnvelope[InstagramUser]
	if err := c.api.get(ctx, "users/self", nil, &env); err != nil {
		return model.Attrs{}, fmt.Errorf("fetch instagram user: %w", err)
	}
	if env.Data.ID == "" {
		return model.Attrs{}, ErrMissingUserData
	}
	return InstagramAttributes(env.Data), nil
}

// FetchFollowers follows next_cursor. A transient failure after the first
// page stops paging and marks the result partial.
func (c *InstagramClient) FetchFollowers(ctx context.Context) (*Followers, error) {
	uid := c.uid
	if uid == "" {
		uid = "self"
	}
	path := "users/" + url.PathEscape(uid) + "/followed-by"
	q := url.Values{"count": {strconv.Itoa(instagramFollowersPage)}}

	out := newFollowers()
	for page := 0; ; page++ {
		var env instagramEnvelope[[]InstagramUser]
		if err := c.api.get(ctx, path, q, &env); err != nil {
			if page == 0 || !IsRetryable(err) {
				return nil, fmt.Errorf("fetch instagram followers: %w", err)
			}
			c.logger.Warn("instagram followers paging stopped early",
				zap.String("uid", uid), zap.Int("page", page), zap.Error(err))
			out.Partial = true
			return out, nil
		}
		for _, u := range env.Data {
			if u.ID != "" {
				out.ByUID[u.ID] = InstagramAttributes(u)
			}
		}
		if env.Pagination.NextCursor == "" || len(env.Data) == 0 {
			return out, nil
		}
		q.Set("cursor", env.Pagination.NextCursor)
	}
}

func (c *InstagramClient) PostToFeed(context.Context, string, Content) error {
	return fmt.Errorf("instagram feed post: %w", ErrNotSupported)
}

func translateInstagram(status int, body []byte) error {
	var env struct {
		Meta instagramMeta `json:"meta"`
	}
	_ = json.Unmarshal(body, &env)
	apiErr := &APIError{Network: model.NetworkInstagram, Status: status, Code: env.Meta.Code, Message: env.Meta.ErrorMessage}
	if apiErr.Message == "" {
		apiErr.Message = truncate(string(body))
	}
	switch env.Meta.ErrorType {
	case "OAuthAccessTokenException":
		apiErr.Kind = ErrAccessTokenInvalid
	case "OAuthPermissionsException":
		apiErr.Kind = ErrMissingPermission
	case "OAuthRateLimitException":
		apiErr.Kind = ErrRateLimited
	case "APINotAllowedError":
		apiErr.Kind = ErrActionNotAllowed
	default:
		apiErr.Kind = statusKind(status)
	}
	return apiErr
}

// instagramAuth appends the access token as a query parameter. When an
// application secret is configured every request also carries the "sig"
// parameter required by apps with signed requests enforced.
func instagramAuth(token, clientSecret, basePath string) authorizeFunc {
	return func(req *http.Request, form url.Values) error {
		q := req.URL.Query()
		q.Set("access_token", token)
		if clientSecret != "" {
			endpoint := "/" + strings.TrimPrefix(strings.TrimPrefix(req.URL.Path, basePath), "/")
			q.Set("sig", instagramSig(clientSecret, endpoint, q, form))
		}
		req.URL.RawQuery = q.Encode()
		return nil
	}
}

func instagramSig(secret, endpoint string, q, form url.Values) string {
	params := make(map[string]string, len(q)+len(form))
	for k := range q {
		params[k] = q.Get(k)
	}
	for k := range form {
		params[k] = form.Get(k)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "sig" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := []string{endpoint}
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}
