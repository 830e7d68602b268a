package network

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"go.uber.org/zap"
)

// twitterLookupBatch is the users/lookup id limit per call.
const twitterLookupBatch = 100

// TwitterClient is a v1.1 REST session signed with OAuth 1.0a.
type TwitterClient struct {
	api    *apiClient
	uid    string
	logger *zap.Logger
}

func (c *TwitterClient) Network() model.Network { return model.NetworkTwitter }

func (c *TwitterClient) FetchCurrentUser(ctx context.Context) (model.Attrs, error) {
	var u TwitterUser
	q := url.Values{"skip_status": {"true"}, "include_entities": {"false"}}
	if err := c.api.get(ctx, "account/verify_credentials.json", q, &u); err != nil {
		return model.Attrs{}, fmt.Errorf("verify twitter credentials: %w", err)
	}
	if u.IDStr == "" {
		return model.Attrs{}, ErrMissingUserData
	}
	return TwitterAttributes(u), nil
}

// FetchFollowers pages through follower ids, then hydrates them in batches.
// A batch that fails transiently is skipped and the result marked partial.
func (c *TwitterClient) FetchFollowers(ctx context.Context) (*Followers, error) {
	ids, err := c.followerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch twitter follower ids: %w", err)
	}

	out := newFollowers()
	for start := 0; start < len(ids); start += twitterLookupBatch {
		end := min(start+twitterLookupBatch, len(ids))
		var users []TwitterUser
		q := url.Values{"user_id": {strings.Join(ids[start:end], ",")}, "include_entities": {"false"}}
		if err := c.api.post(ctx, "users/lookup.json", q, &users); err != nil {
			if !IsRetryable(err) {
				return nil, fmt.Errorf("lookup twitter followers: %w", err)
			}
			c.logger.Warn("twitter follower lookup batch skipped",
				zap.String("uid", c.uid), zap.Int("offset", start), zap.Error(err))
			out.Partial = true
			continue
		}
		for _, u := range users {
			if u.IDStr != "" {
				out.ByUID[u.IDStr] = TwitterAttributes(u)
			}
		}
	}
	return out, nil
}

func (c *TwitterClient) followerIDs(ctx context.Context) ([]string, error) {
	q := url.Values{
		"stringify_ids": {"true"},
		"count":         {"5000"},
		"cursor":        {"-1"},
	}
	if c.uid != "" {
		q.Set("user_id", c.uid)
	}
	var ids []string
	for {
		var page struct {
			IDs        []string `json:"ids"`
			NextCursor string   `json:"next_cursor_str"`
		}
		if err := c.api.get(ctx, "followers/ids.json", q, &page); err != nil {
			return nil, err
		}
		ids = append(ids, page.IDs...)
		if page.NextCursor == "" || page.NextCursor == "0" {
			return ids, nil
		}
		q.Set("cursor", page.NextCursor)
	}
}

// PostToFeed tweets from the authenticated account. Twitter has no notion of
// posting to another user's timeline, so feedUID is ignored.
func (c *TwitterClient) PostToFeed(ctx context.Context, _ string, content Content) error {
	text := strings.TrimSpace(strings.Join([]string{content.Message, content.Link}, " "))
	if content.Message == "" || text == "" {
		return fmt.Errorf("twitter status needs a message: %w", ErrInvalidContent)
	}
	return c.api.post(ctx, "statuses/update.json", url.Values{"status": {text}}, nil)
}

func translateTwitter(status int, body []byte) error {
	var env struct {
		Errors []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &env)
	apiErr := &APIError{Network: model.NetworkTwitter, Status: status, Message: env.Error}
	if len(env.Errors) > 0 {
		apiErr.Code = env.Errors[0].Code
		apiErr.Message = env.Errors[0].Message
	}
	if apiErr.Message == "" {
		apiErr.Message = truncate(string(body))
	}

	switch apiErr.Code {
	case 88:
		apiErr.Kind = ErrRateLimited
	case 32, 89, 215:
		apiErr.Kind = ErrAccessTokenInvalid
	case 220, 261:
		apiErr.Kind = ErrMissingPermission
	case 64, 326:
		apiErr.Kind = ErrInvalidSession
	case 187, 179:
		apiErr.Kind = ErrActionNotAllowed
	default:
		apiErr.Kind = statusKind(status)
	}
	return apiErr
}
