// Package network talks to the external social networks. Each network has a
// Client that fetches the authenticated user, exhausts the follower list and
// posts to feeds, with provider errors translated into one taxonomy.
package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/rank"
)

// Error taxonomy shared by every network.
var (
	ErrMissingPermission  = errors.New("missing permission")
	ErrInvalidSession     = errors.New("invalid session")
	ErrActionNotAllowed   = errors.New("action not allowed")
	ErrRateLimited        = errors.New("rate limited")
	ErrAccessTokenInvalid = errors.New("access token invalid")
	ErrMissingUserData    = errors.New("missing user data")

	// ErrTransient marks connection failures and 5xx responses.
	ErrTransient = errors.New("transient network failure")
	// ErrTimeout marks calls that exceeded their deadline.
	ErrTimeout = errors.New("network call timed out")
	// ErrNotSupported is returned for operations a network does not offer.
	ErrNotSupported = errors.New("not supported by network")
	// ErrInvalidContent is returned when a post lacks what the network needs.
	ErrInvalidContent = errors.New("invalid post content")
)

// APIError is a provider error response. Kind is one of the taxonomy errors,
// or nil when the response did not match any of them.
type APIError struct {
	Network model.Network
	Status  int
	Code    int
	Message string
	Kind    error
}

func (e *APIError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("%s api: %v (status %d, code %d): %s", e.Network, e.Kind, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api: status %d, code %d: %s", e.Network, e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// IsRetryable reports whether err is worth one more attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// IsTaxonomy reports whether err is one of the uniform provider errors that
// callers are expected to handle explicitly.
func IsTaxonomy(err error) bool {
	for _, kind := range []error{
		ErrMissingPermission, ErrInvalidSession, ErrActionNotAllowed,
		ErrRateLimited, ErrAccessTokenInvalid, ErrMissingUserData,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Content is a feed post. Networks use the fields they understand.
type Content struct {
	Message     string `json:"message,omitempty"`
	Link        string `json:"link,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Name        string `json:"name,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Description string `json:"description,omitempty"`
}

// Followers is the complete external follower set keyed by uid.
type Followers struct {
	ByUID map[string]model.Attrs
	// Partial is set when some pages could not be fetched and were skipped.
	// Consumers must not treat absence from ByUID as an unfollow.
	Partial bool
}

func newFollowers() *Followers {
	return &Followers{ByUID: make(map[string]model.Attrs)}
}

// Client is one authenticated session against a network.
type Client interface {
	Network() model.Network
	// FetchCurrentUser returns the attributes of the authenticated account.
	FetchCurrentUser(ctx context.Context) (model.Attrs, error)
	// FetchFollowers walks every page of the account's followers.
	FetchFollowers(ctx context.Context) (*Followers, error)
	// PostToFeed publishes content to the feed owned by feedUID.
	PostToFeed(ctx context.Context, feedUID string, c Content) error
}

// MediaSource is implemented by clients that can supply ranking inputs.
type MediaSource interface {
	Photos(ctx context.Context) ([]rank.Photo, error)
	Statuses(ctx context.Context) ([]rank.Status, error)
}

// TokenExchanger is implemented by clients that can trade the current token
// for a longer-lived one.
type TokenExchanger interface {
	ExchangeToken(ctx context.Context) (token string, expiresIn time.Duration, err error)
}

// PermissionChecker is implemented by clients that can query live grants.
type PermissionChecker interface {
	HasPermission(ctx context.Context, permission string) (bool, error)
}
