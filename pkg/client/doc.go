// Package client is the Go SDK for the profilesync REST API.
//
// # Connecting a profile
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(os.Getenv("PROFILESYNC_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	p, created, err := c.Connect(ctx, client.ConnectRequest{
//	    PersonID: &personID,
//	    Network:  "twitter",
//	    UID:      "12345",
//	    Token:    oauthToken,
//	    Secret:   oauthSecret,
//	})
//
// Connecting a profile that already exists merges the granted scope and keeps
// the later of the stored and supplied token expiries. When the server runs a
// task dispatcher, every connect also queues a follower sync.
//
// # Followers
//
// Followers are returned highest FollowRank first when ByRank is set:
//
//	top, err := c.Followers(ctx, p.ID, client.FollowersOptions{ByRank: true, Limit: 20})
//
// UninvitedFollowers excludes followers the profile has already invited and
// is the usual source of invite suggestions:
//
//	suggestions, err := c.UninvitedFollowers(ctx, p.ID, client.UninvitedOptions{Random: true, Limit: 5})
//
// # Background work
//
// Syncs run asynchronously on the server. Enqueue returns false when the same
// task is already queued or running for the profile:
//
//	queued, err := c.Enqueue(ctx, p.ID, "sync")
//
// # Errors
//
// A 404 from the server is reported as ErrNotFound; every other non-2xx
// response is an *APIError carrying the status and the server's message.
package client
