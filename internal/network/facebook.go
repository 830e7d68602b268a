package network

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/rank"
	"go.uber.org/zap"
)

const (
	facebookUserFields   = "id,username,name,first_name,last_name,email,link,gender,location,birthday"
	facebookFriendFields = "id,username,name,first_name,last_name,link,gender"
	facebookPageFields   = "id,name,link,picture,fan_count"
	facebookPhotoFields  = "id,created_time,tags.limit(100){id},likes.limit(100){id},comments.limit(100){from}"
	facebookPostFields   = "id,created_time,likes.limit(100){id},comments.limit(100){from}"
)

// FacebookClient is a Graph API session for one user or page.
type FacebookClient struct {
	api           *apiClient
	uid           string
	page          bool
	token         string
	app           AppCredentials
	maxMediaPages int
	logger        *zap.Logger
}

func (c *FacebookClient) Network() model.Network { return model.NetworkFacebook }

// FetchCurrentUser fetches /me, or the page object for page profiles.
func (c *FacebookClient) FetchCurrentUser(ctx context.Context) (model.Attrs, error) {
	if c.page {
		var p FacebookPage
		if err := c.api.get(ctx, "/"+url.PathEscape(c.uid), url.Values{"fields": {facebookPageFields}}, &p); err != nil {
			return model.Attrs{}, fmt.Errorf("fetch facebook page: %w", err)
		}
		if p.ID == "" {
			return model.Attrs{}, ErrMissingUserData
		}
		return FacebookPageAttributes(p), nil
	}

	var u FacebookUser
	if err := c.api.get(ctx, "/me", url.Values{"fields": {facebookUserFields}}, &u); err != nil {
		return model.Attrs{}, fmt.Errorf("fetch facebook user: %w", err)
	}
	if u.ID == "" {
		return model.Attrs{}, ErrMissingUserData
	}
	return FacebookAttributes(u), nil
}

// FetchFollowers walks the friends list. Any page failure fails the fetch.
// Page profiles return ErrNotSupported: the Graph API no longer lists the
// fans of a page, so pages only get attribute syncs.
func (c *FacebookClient) FetchFollowers(ctx context.Context) (*Followers, error) {
	if c.page {
		return nil, fmt.Errorf("facebook page followers: %w", ErrNotSupported)
	}
	friends, err := fetchGraphList[FacebookUser](ctx, c.api, "/me/friends", url.Values{
		"fields": {facebookFriendFields},
		"limit":  {"100"},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch facebook friends: %w", err)
	}
	out := newFollowers()
	for _, u := range friends {
		if u.ID != "" {
			out.ByUID[u.ID] = FacebookAttributes(u)
		}
	}
	return out, nil
}

// PostToFeed posts to the feed of feedUID using this session's token.
func (c *FacebookClient) PostToFeed(ctx context.Context, feedUID string, content Content) error {
	if content.Message == "" && content.Link == "" {
		return fmt.Errorf("facebook post needs a message or link: %w", ErrInvalidContent)
	}
	form := url.Values{}
	for k, v := range map[string]string{
		"message":     content.Message,
		"link":        content.Link,
		"picture":     content.Picture,
		"name":        content.Name,
		"caption":     content.Caption,
		"description": content.Description,
	} {
		if v != "" {
			form.Set(k, v)
		}
	}
	return c.api.post(ctx, "/"+url.PathEscape(feedUID)+"/feed", form, nil)
}

// Photos returns the user's recent photos with tags, likes and comment authors.
func (c *FacebookClient) Photos(ctx context.Context) ([]rank.Photo, error) {
	items, err := fetchGraphList[facebookMedia](ctx, c.api, "/me/photos", url.Values{
		"fields": {facebookPhotoFields},
		"limit":  {"50"},
	}, c.maxMediaPages)
	if err != nil {
		return nil, fmt.Errorf("fetch facebook photos: %w", err)
	}
	photos := make([]rank.Photo, 0, len(items))
	for _, m := range items {
		photos = append(photos, rank.Photo{
			ID:          m.ID,
			CreatedTime: time.Time(m.CreatedTime),
			TagUIDs:     m.Tags.ids(),
			LikeUIDs:    m.Likes.ids(),
			CommentUIDs: m.Comments.authorIDs(),
		})
	}
	return photos, nil
}

// Statuses returns the user's recent posts with likes and comment authors.
func (c *FacebookClient) Statuses(ctx context.Context) ([]rank.Status, error) {
	items, err := fetchGraphList[facebookMedia](ctx, c.api, "/me/posts", url.Values{
		"fields": {facebookPostFields},
		"limit":  {"50"},
	}, c.maxMediaPages)
	if err != nil {
		return nil, fmt.Errorf("fetch facebook statuses: %w", err)
	}
	statuses := make([]rank.Status, 0, len(items))
	for _, m := range items {
		statuses = append(statuses, rank.Status{
			ID:          m.ID,
			CreatedTime: time.Time(m.CreatedTime),
			LikeUIDs:    m.Likes.ids(),
			CommentUIDs: m.Comments.authorIDs(),
		})
	}
	return statuses, nil
}

// ExchangeToken trades the session token for a long-lived one using the
// application credentials.
func (c *FacebookClient) ExchangeToken(ctx context.Context) (string, time.Duration, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		Expires     int64  `json:"expires"`
	}
	err := c.api.get(ctx, "/oauth/access_token", url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {c.app.ConsumerKey},
		"client_secret":     {c.app.ConsumerSecret},
		"fb_exchange_token": {c.token},
	}, &resp)
	if err != nil {
		return "", 0, fmt.Errorf("exchange facebook token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", 0, errors.New("exchange facebook token: no access token in response")
	}
	expires := resp.ExpiresIn
	if expires == 0 {
		expires = resp.Expires
	}
	return resp.AccessToken, time.Duration(expires) * time.Second, nil
}

// HasPermission reports whether permission is currently granted.
func (c *FacebookClient) HasPermission(ctx context.Context, permission string) (bool, error) {
	var resp struct {
		Data []struct {
			Permission string `json:"permission"`
			Status     string `json:"status"`
		} `json:"data"`
	}
	if err := c.api.get(ctx, "/me/permissions", nil, &resp); err != nil {
		return false, fmt.Errorf("fetch facebook permissions: %w", err)
	}
	for _, p := range resp.Data {
		if p.Permission == permission {
			return p.Status == "granted", nil
		}
	}
	return false, nil
}

// ── Graph payload helpers ────────────────────────────────────────────────────

type graphList[T any] struct {
	Data   []T `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

type graphRef struct {
	ID string `json:"id"`
}

type graphRefs struct {
	Data []graphRef `json:"data"`
}

func (r graphRefs) ids() []string {
	out := make([]string, 0, len(r.Data))
	for _, ref := range r.Data {
		out = append(out, ref.ID)
	}
	return out
}

type graphComments struct {
	Data []struct {
		From graphRef `json:"from"`
	} `json:"data"`
}

func (c graphComments) authorIDs() []string {
	out := make([]string, 0, len(c.Data))
	for _, cm := range c.Data {
		out = append(out, cm.From.ID)
	}
	return out
}

type facebookMedia struct {
	ID          string        `json:"id"`
	CreatedTime graphTime     `json:"created_time"`
	Tags        graphRefs     `json:"tags"`
	Likes       graphRefs     `json:"likes"`
	Comments    graphComments `json:"comments"`
}

// graphTime parses Graph timestamps, which omit the colon in the offset.
type graphTime time.Time

func (t *graphTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*t = graphTime{}
		return nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05-0700", time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = graphTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("unrecognised graph time %q", s)
}

// fetchGraphList follows cursor paging until exhausted or maxPages (0 = no
// limit) pages have been read.
func fetchGraphList[T any](ctx context.Context, api *apiClient, path string, q url.Values, maxPages int) ([]T, error) {
	var out []T
	for page := 0; maxPages == 0 || page < maxPages; page++ {
		var resp graphList[T]
		if err := api.get(ctx, path, q, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
		if len(resp.Data) == 0 || resp.Paging.Next == "" || resp.Paging.Cursors.After == "" {
			break
		}
		q.Set("after", resp.Paging.Cursors.After)
	}
	return out, nil
}

func translateFacebook(status int, body []byte) error {
	var env struct {
		Error struct {
			Message      string `json:"message"`
			Type         string `json:"type"`
			Code         int    `json:"code"`
			ErrorSubcode int    `json:"error_subcode"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &env)
	e := env.Error
	apiErr := &APIError{Network: model.NetworkFacebook, Status: status, Code: e.Code, Message: e.Message}
	if apiErr.Message == "" {
		apiErr.Message = truncate(string(body))
	}

	switch {
	case strings.Contains(e.Message, "hasn't authorized the application"), e.Code == 10, e.Code >= 200 && e.Code < 300:
		apiErr.Kind = ErrMissingPermission
	case strings.Contains(e.Message, "changed the password"), e.ErrorSubcode == 460:
		apiErr.Kind = ErrInvalidSession
	case strings.Contains(e.Message, "User not visible"):
		apiErr.Kind = ErrActionNotAllowed
	case e.Code == 4, e.Code == 17, e.Code == 32, e.Code == 341, e.Code == 613, status == 429:
		apiErr.Kind = ErrRateLimited
	case e.Type == "OAuthException", e.Code == 190:
		apiErr.Kind = ErrAccessTokenInvalid
	default:
		apiErr.Kind = statusKind(status)
	}
	return apiErr
}

func truncate(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
