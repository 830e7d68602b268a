package network

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"go.uber.org/zap"
)

const tumblrPageSize = 20

// TumblrClient is a v2 API session signed with OAuth 1.0a.
type TumblrClient struct {
	api    *apiClient
	logger *zap.Logger
}

type tumblrEnvelope[T any] struct {
	Meta struct {
		Status int    `json:"status"`
		Msg    string `json:"msg"`
	} `json:"meta"`
	Response T `json:"response"`
}

type tumblrFollowersPage struct {
	TotalUsers int              `json:"total_users"`
	Users      []TumblrFollower `json:"users"`
}

func (c *TumblrClient) Network() model.Network { return model.NetworkTumblr }

func (c *TumblrClient) userInfo(ctx context.Context) (TumblrUserInfo, error) {
	var env tumblrEnvelope[TumblrUserInfo]
	if err := c.api.get(ctx, "user/info", nil, &env); err != nil {
		return TumblrUserInfo{}, fmt.Errorf("fetch tumblr user info: %w", err)
	}
	if env.Response.User.Name == "" {
		return TumblrUserInfo{}, ErrMissingUserData
	}
	return env.Response, nil
}

func (c *TumblrClient) FetchCurrentUser(ctx context.Context) (model.Attrs, error) {
	info, err := c.userInfo(ctx)
	if err != nil {
		return model.Attrs{}, err
	}
	return TumblrAttributes(info), nil
}

// FetchFollowers lists the followers of the user's primary blog by offset.
// The first page establishes the total and must succeed; later pages that
// fail transiently are skipped and the result marked partial.
func (c *TumblrClient) FetchFollowers(ctx context.Context) (*Followers, error) {
	info, err := c.userInfo(ctx)
	if err != nil {
		return nil, err
	}
	blog, ok := info.PrimaryBlog()
	if !ok {
		return nil, fmt.Errorf("tumblr user %q has no primary blog: %w", info.User.Name, ErrMissingUserData)
	}
	path := "blog/" + url.PathEscape(blog.Name+".tumblr.com") + "/followers"

	out := newFollowers()
	first, err := c.followersPage(ctx, path, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch tumblr followers: %w", err)
	}
	c.add(out, first.Users)

	for offset := tumblrPageSize; offset < first.TotalUsers; offset += tumblrPageSize {
		page, err := c.followersPage(ctx, path, offset)
		if err != nil {
			if !IsRetryable(err) {
				return nil, fmt.Errorf("fetch tumblr followers: %w", err)
			}
			c.logger.Warn("tumblr followers page skipped",
				zap.String("blog", blog.Name), zap.Int("offset", offset), zap.Error(err))
			out.Partial = true
			continue
		}
		if len(page.Users) == 0 {
			break
		}
		c.add(out, page.Users)
	}
	return out, nil
}

func (c *TumblrClient) followersPage(ctx context.Context, path string, offset int) (tumblrFollowersPage, error) {
	var env tumblrEnvelope[tumblrFollowersPage]
	q := url.Values{"limit": {strconv.Itoa(tumblrPageSize)}, "offset": {strconv.Itoa(offset)}}
	if err := c.api.get(ctx, path, q, &env); err != nil {
		return tumblrFollowersPage{}, err
	}
	return env.Response, nil
}

func (c *TumblrClient) add(out *Followers, users []TumblrFollower) {
	for _, f := range users {
		if f.Name != "" {
			out.ByUID[f.Name] = TumblrFollowerAttributes(f)
		}
	}
}

func (c *TumblrClient) PostToFeed(context.Context, string, Content) error {
	return fmt.Errorf("tumblr feed post: %w", ErrNotSupported)
}

func translateTumblr(status int, body []byte) error {
	var env tumblrEnvelope[json.RawMessage]
	_ = json.Unmarshal(body, &env)
	apiErr := &APIError{Network: model.NetworkTumblr, Status: status, Code: env.Meta.Status, Message: env.Meta.Msg}
	if apiErr.Message == "" {
		apiErr.Message = truncate(string(body))
	}
	code := status
	if env.Meta.Status != 0 {
		code = env.Meta.Status
	}
	apiErr.Kind = statusKind(code)
	return apiErr
}
