package delivery

import (
	"html"
	"regexp"
	"strings"

	"github.com/ItzNotABug/ghosler/config"
	"github.com/ItzNotABug/ghosler/pkg/ghosler"
	"github.com/ItzNotABug/ghosler/track"
)

// Placeholders substituted per recipient after rendering.
const (
	MemberUUIDToken    = "{MEMBER_UUID}"
	TrackingPixelToken = "{TRACKING_PIXEL_LINK}"
	MemberNameToken    = "{MEMBER_NAME}"
	MemberEmailToken   = "{MEMBER_EMAIL}"
	MemberStatusToken  = "{MEMBER_STATUS}"
	MemberCreatedToken = "{MEMBER_CREATED}"
)

var missingTag = regexp.MustCompile(`( • #| • )?\{\{primary_tag\}\}`)

// Personalizer fills the per-recipient parts of a rendered newsletter.
type Personalizer struct {
	cfg *config.Provider
}

// NewPersonalizer creates a Personalizer reading the subject pattern and tracking URL from cfg.
func NewPersonalizer(cfg *config.Provider) *Personalizer {
	return &Personalizer{cfg: cfg}
}

// Subject renders the subject line. Without a custom pattern the post title is used verbatim.
func (p *Personalizer) Subject(post *ghosler.Post, sub *ghosler.Subscriber, newsletterName string) string {
	subject := p.cfg.Settings().Newsletter.CustomSubjectPattern
	if subject == "" {
		return post.Title
	}

	subject = strings.ReplaceAll(subject, "{{post_title}}", post.Title)
	subject = strings.ReplaceAll(subject, "{{primary_author}}", post.PrimaryAuthor)

	if strings.Contains(subject, "{{primary_tag}}") {
		if post.PrimaryTag != "" {
			subject = strings.ReplaceAll(subject, "{{primary_tag}}", post.PrimaryTag)
		} else {
			subject = missingTag.ReplaceAllString(subject, "")
		}
	}

	if strings.Contains(subject, "{{newsletter_name}}") {
		name := newsletterName
		if name == "" {
			name = sub.ActiveNewsletterName()
		}
		subject = strings.ReplaceAll(subject, "{{newsletter_name}}", name)
	}
	return subject
}

// Body substitutes the recipient's uuid, open-tracking token and profile details.
// Profile values are HTML-escaped; only the placeholders are touched.
func (p *Personalizer) Body(body string, post *ghosler.Post, sub *ghosler.Subscriber, index int) string {
	body = strings.NewReplacer(
		MemberUUIDToken, sub.UUID,
		TrackingPixelToken, track.EncodeToken(post.ID, index),
		MemberNameToken, html.EscapeString(sub.Name),
		MemberEmailToken, html.EscapeString(sub.Email),
		MemberStatusToken, html.EscapeString(sub.Status),
		MemberCreatedToken, html.EscapeString(sub.Created),
	).Replace(body)

	// The template keeps the name row visible under a non-matching class; an empty name switches
	// it to the class the stylesheet hides. Minified output drops the attribute quotes.
	if sub.Name == "" {
		body = strings.Replace(body, `class="wrong-user-subscription-name-field"`, `class="user-subscription-name-field"`, 1)
		body = strings.Replace(body, `class=wrong-user-subscription-name-field`, `class=user-subscription-name-field`, 1)
	}
	return body
}

// UnsubscribeTemplate is the CMS unsubscribe page with the uuid left as a placeholder.
func UnsubscribeTemplate(site *ghosler.Site) string {
	base := site.URL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "unsubscribe?uuid=" + MemberUUIDToken
}

// UnsubscribeURL is the CMS unsubscribe page for sub.
func (p *Personalizer) UnsubscribeURL(site *ghosler.Site, sub *ghosler.Subscriber) string {
	return strings.ReplaceAll(UnsubscribeTemplate(site), MemberUUIDToken, sub.UUID)
}

// PixelURL is the open-tracking image URL with the token left as a placeholder.
func (p *Personalizer) PixelURL() string {
	return p.cfg.Settings().Ghosler.URL + "/track/pixel.png?uuid=" + TrackingPixelToken
}
