package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownNetwork is returned by ParseNetwork for unsupported names.
var ErrUnknownNetwork = errors.New("unknown network")

// Network identifies an external social network.
type Network string

const (
	NetworkFacebook  Network = "facebook"
	NetworkTwitter   Network = "twitter"
	NetworkTumblr    Network = "tumblr"
	NetworkInstagram Network = "instagram"
)

// Networks lists every supported network.
var Networks = []Network{NetworkFacebook, NetworkTwitter, NetworkTumblr, NetworkInstagram}

// ParseNetwork validates and normalises a network name.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Networks {
		if n == known {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownNetwork, s)
}

// UsesOAuth1 reports whether the network signs requests with a token secret.
func (n Network) UsesOAuth1() bool {
	return n == NetworkTwitter || n == NetworkTumblr
}

// String implements fmt.Stringer.
func (n Network) String() string { return string(n) }
