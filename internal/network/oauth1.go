package network

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is mandated by OAuth 1.0a
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// oauth1Signer signs requests with OAuth 1.0a HMAC-SHA1 for networks that
// still use token/secret credentials.
type oauth1Signer struct {
	consumerKey    string
	consumerSecret string
	token          string
	tokenSecret    string

	nonce func() string
	now   func() time.Time
}

func newOAuth1Signer(consumerKey, consumerSecret, token, tokenSecret string) *oauth1Signer {
	return &oauth1Signer{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		token:          token,
		tokenSecret:    tokenSecret,
		nonce:          randomNonce,
		now:            time.Now,
	}
}

func (s *oauth1Signer) authorize(req *http.Request, form url.Values) error {
	oauth := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_token":            s.token,
		"oauth_version":          "1.0",
	}
	oauth["oauth_signature"] = s.signature(req.Method, req.URL, form, oauth)

	keys := make([]string, 0, len(oauth))
	for k := range oauth {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = percentEncode(k) + `="` + percentEncode(oauth[k]) + `"`
	}
	req.Header.Set("Authorization", "OAuth "+strings.Join(parts, ", "))
	return nil
}

func (s *oauth1Signer) signature(method string, u *url.URL, form url.Values, oauth map[string]string) string {
	type pair struct{ k, v string }
	var pairs []pair
	add := func(k, v string) { pairs = append(pairs, pair{percentEncode(k), percentEncode(v)}) }
	for k, vs := range u.Query() {
		for _, v := range vs {
			add(k, v)
		}
	}
	for k, vs := range form {
		for _, v := range vs {
			add(k, v)
		}
	}
	for k, v := range oauth {
		add(k, v)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = p.k + "=" + p.v
	}

	baseURL := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath()
	base := strings.ToUpper(method) + "&" + percentEncode(baseURL) + "&" + percentEncode(strings.Join(encoded, "&"))
	key := percentEncode(s.consumerSecret) + "&" + percentEncode(s.tokenSecret)

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode applies RFC 3986 encoding: everything but unreserved
// characters is escaped with uppercase hex.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func randomNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
