package network

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
)

// ── Payloads ─────────────────────────────────────────────────────────────────

// FacebookUser is a Graph API user object.
type FacebookUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Link      string `json:"link"`
	Gender    string `json:"gender"`
	Birthday  string `json:"birthday"`
	Location  *struct {
		Name string `json:"name"`
	} `json:"location"`
}

// FacebookPage is a Graph API page object, either from /me/accounts (id,
// name and access token only) or from /{page-id} (details, no token).
type FacebookPage struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Link        string          `json:"link"`
	Picture     facebookPicture `json:"picture"`
	Likes       int             `json:"likes"`
	FanCount    int             `json:"fan_count"`
	AccessToken string          `json:"access_token"`
}

// facebookPicture accepts both the legacy string form and the
// {"data":{"url":...}} object form.
type facebookPicture string

func (p *facebookPicture) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = facebookPicture(s)
		return nil
	}
	var obj struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*p = facebookPicture(obj.Data.URL)
	return nil
}

// TwitterUser is a v1.1 user object.
type TwitterUser struct {
	IDStr                string `json:"id_str"`
	ScreenName           string `json:"screen_name"`
	Name                 string `json:"name"`
	ProfileImageURL      string `json:"profile_image_url"`
	ProfileImageURLHTTPS string `json:"profile_image_url_https"`
	FollowersCount       int    `json:"followers_count"`
}

// TumblrBlog is one blog owned by a Tumblr user.
type TumblrBlog struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Primary   bool   `json:"primary"`
	Followers int    `json:"followers"`
}

// TumblrUserInfo is the response of /v2/user/info.
type TumblrUserInfo struct {
	User struct {
		Name  string       `json:"name"`
		Blogs []TumblrBlog `json:"blogs"`
	} `json:"user"`
}

// PrimaryBlog returns the user's primary blog, if any.
func (i TumblrUserInfo) PrimaryBlog() (TumblrBlog, bool) {
	for _, b := range i.User.Blogs {
		if b.Primary {
			return b, true
		}
	}
	return TumblrBlog{}, false
}

// TumblrFollower is an entry of /v2/blog/{blog}/followers.
type TumblrFollower struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// InstagramUser is a v1 user object.
type InstagramUser struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	FullName       string `json:"full_name"`
	ProfilePicture string `json:"profile_picture"`
	Counts         *struct {
		FollowedBy int `json:"followed_by"`
	} `json:"counts"`
}

// ── Mappers ──────────────────────────────────────────────────────────────────

// FacebookAttributes maps a Graph API user.
func FacebookAttributes(u FacebookUser) model.Attrs {
	profileURL := u.Link
	if profileURL == "" {
		profileURL = "http://www.facebook.com/profile.php?id=" + u.ID
	}
	location := ""
	if u.Location != nil {
		location = u.Location.Name
	}
	a := model.Attrs{
		UID:        model.Str(u.ID),
		Username:   model.Str(u.Username),
		Name:       model.Str(u.Name),
		FirstName:  model.Str(u.FirstName),
		LastName:   model.Str(u.LastName),
		Email:      model.Str(u.Email),
		PhotoURL:   model.Str("http://graph.facebook.com/" + u.ID + "/picture"),
		ProfileURL: model.Str(profileURL),
		Gender:     model.Str(u.Gender),
		Location:   model.Str(location),
	}
	a.Birthday = facebookBirthday(u.Birthday)
	return a
}

// yearlessBirthdayYear is a leap year so that 02/29 survives.
const yearlessBirthdayYear = 1904

// facebookBirthday parses MM/DD/YYYY, or MM/DD when the user hides the year.
// A hidden or unparseable birthday yields the zero time, which clears the
// stored value.
func facebookBirthday(s string) *time.Time {
	if bd, err := time.Parse("01/02/2006", s); err == nil {
		return &bd
	}
	if md, err := time.Parse("01/02", s); err == nil {
		bd := time.Date(yearlessBirthdayYear, md.Month(), md.Day(), 0, 0, 0, 0, time.UTC)
		return &bd
	}
	return &time.Time{}
}

// FacebookPageAttributes maps a Graph API page. The token is only set when
// present because only /me/accounts returns it.
func FacebookPageAttributes(p FacebookPage) model.Attrs {
	profileURL := p.Link
	if profileURL == "" {
		profileURL = "http://www.facebook.com/pages/" + p.ID
	}
	likes := p.Likes
	if likes == 0 {
		likes = p.FanCount
	}
	a := model.Attrs{
		Type:            model.Str(model.ProfileTypePage),
		UID:             model.Str(p.ID),
		Name:            model.Str(p.Name),
		PhotoURL:        model.Str(string(p.Picture)),
		ProfileURL:      model.Str(profileURL),
		APIFollowsCount: model.Int(likes),
	}
	if p.AccessToken != "" {
		a.Token = model.Str(p.AccessToken)
	}
	return a
}

// TwitterAttributes maps a Twitter user. The profile URL is built from the
// screen name because the API's url field is the user's own homepage.
func TwitterAttributes(u TwitterUser) model.Attrs {
	first, last := splitName(u.Name)
	photo := u.ProfileImageURLHTTPS
	if photo == "" {
		photo = u.ProfileImageURL
	}
	return model.Attrs{
		UID:             model.Str(u.IDStr),
		Username:        model.Str(u.ScreenName),
		Name:            model.Str(u.Name),
		FirstName:       model.Str(first),
		LastName:        model.Str(last),
		ProfileURL:      model.Str("https://twitter.com/" + u.ScreenName),
		PhotoURL:        model.Str(photo),
		APIFollowsCount: model.Int(u.FollowersCount),
	}
}

// TumblrAttributes maps /user/info. Tumblr users are identified by name.
func TumblrAttributes(info TumblrUserInfo) model.Attrs {
	name := info.User.Name
	profileURL := ""
	if blog, ok := info.PrimaryBlog(); ok {
		profileURL = blog.URL
	}
	return model.Attrs{
		UID:        model.Str(name),
		Username:   model.Str(name),
		Name:       model.Str(name),
		ProfileURL: model.Str(profileURL),
	}
}

// TumblrFollowerAttributes maps a follower list entry.
func TumblrFollowerAttributes(f TumblrFollower) model.Attrs {
	return model.Attrs{
		UID:        model.Str(f.Name),
		Username:   model.Str(f.Name),
		Name:       model.Str(f.Name),
		ProfileURL: model.Str(f.URL),
	}
}

// InstagramAttributes maps an Instagram user, falling back to the username
// when no full name is set.
func InstagramAttributes(u InstagramUser) model.Attrs {
	name := u.FullName
	if strings.TrimSpace(name) == "" {
		name = u.Username
	}
	a := model.Attrs{
		UID:      model.Str(u.ID),
		Username: model.Str(u.Username),
		Name:     model.Str(name),
		PhotoURL: model.Str(u.ProfilePicture),
	}
	if u.Counts != nil {
		a.APIFollowsCount = model.Int(u.Counts.FollowedBy)
	}
	return a
}

func splitName(name string) (first, last string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}
