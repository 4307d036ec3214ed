// Package ghosler contains the core domain types for the newsletter bridge.
package ghosler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ItzNotABug/ghosler/bitset"
)

// NewsletterStatus tracks where a post is in its send lifecycle.
type NewsletterStatus string

// Newsletter statuses, serialized exactly as stored on disk.
const (
	StatusNA      NewsletterStatus = "na"
	StatusUnsent  NewsletterStatus = "Unsent"
	StatusSending NewsletterStatus = "Sending"
	StatusSent    NewsletterStatus = "Sent"
)

// Visibility is the access level of a post.
type Visibility string

// Post visibilities.
const (
	VisibilityPublic  Visibility = "public"
	VisibilityMembers Visibility = "members"
	VisibilityPaid    Visibility = "paid"
	VisibilityTiers   Visibility = "tiers"
)

// Tier is a paid membership tier.
type Tier struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TrackedLink is one outbound URL and its click count.
// It is stored as a single-key object: {"https://example.com": 3}.
type TrackedLink struct {
	URL    string
	Clicks int
}

// MarshalJSON encodes the link as a single-key object.
func (l TrackedLink) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int{l.URL: l.Clicks})
}

// UnmarshalJSON decodes a single-key object.
func (l *TrackedLink) UnmarshalJSON(data []byte) error {
	var m map[string]int
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return fmt.Errorf("decode tracked link: %w", err)
	}
	if len(m) != 1 {
		return errors.New("decode tracked link: expected exactly one url")
	}
	for u, c := range m {
		l.URL, l.Clicks = u, c
	}
	return nil
}

// Stats holds per-post send and engagement counters.
type Stats struct {
	Members                 int              `json:"members"`
	EmailsSent              int              `json:"emailsSent"`
	EmailsOpened            string           `json:"emailsOpened"` // bitset digits, one per recipient ordinal
	NewsletterName          string           `json:"newsletterName,omitempty"`
	NewsletterStatus        NewsletterStatus `json:"newsletterStatus"`
	PostContentTrackedLinks []TrackedLink    `json:"postContentTrackedLinks"`
}

// NewStats returns empty stats for a post that has not been considered for sending.
func NewStats() Stats {
	return Stats{
		NewsletterStatus:        StatusNA,
		PostContentTrackedLinks: []TrackedLink{},
	}
}

// OpenCount returns the number of recipients that opened the newsletter.
func (s *Stats) OpenCount() int {
	b, err := bitset.Parse(s.EmailsOpened)
	if err != nil {
		return 0
	}
	return b.PopCount()
}

// Post is a published article and its newsletter stats.
type Post struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	Date                string     `json:"date"`
	Title               string     `json:"title"`
	PrimaryAuthor       string     `json:"author"`
	Content             string     `json:"content,omitempty"`
	Excerpt             string     `json:"excerpt,omitempty"`
	FeatureImage        string     `json:"featureImage,omitempty"`
	FeatureImageAlt     string     `json:"featureImageAlt,omitempty"`
	FeatureImageCaption string     `json:"featureImageCaption,omitempty"`
	Authors             string     `json:"authors,omitempty"`
	PrimaryTag          string     `json:"primaryTag,omitempty"`
	Visibility          Visibility `json:"visibility,omitempty"`
	Tiers               []Tier     `json:"tiers,omitempty"`
	Stats               Stats      `json:"stats"`

	// Complete marks a post whose full body must be persisted for a later manual send.
	Complete bool `json:"-"`
}

// IsPaid reports whether the post is gated to paying members.
func (p *Post) IsPaid() bool {
	return p.Visibility == VisibilityPaid || p.Visibility == VisibilityTiers
}

// TierIDs returns the ids of the tiers that may read the full post.
func (p *Post) TierIDs() []string {
	ids := make([]string, 0, len(p.Tiers))
	for _, t := range p.Tiers {
		ids = append(ids, t.ID)
	}
	return ids
}

// HasContent reports whether the stored post still carries its body.
func (p *Post) HasContent() bool {
	return p.Content != ""
}

// Saveable returns the minimal projection written to storage once the body is no longer needed.
func (p *Post) Saveable() *Post {
	return &Post{
		ID:            p.ID,
		URL:           p.URL,
		Date:          p.Date,
		Title:         p.Title,
		PrimaryAuthor: p.PrimaryAuthor,
		Stats:         p.Stats,
	}
}

// Site is the CMS site metadata used in the email template.
type Site struct {
	Lang        string `json:"lang"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Logo        string `json:"logo"`
	AccentColor string `json:"accent_color"`
	URL         string `json:"url"`
}

// PostSummary is a short reference to another post, used for the "latest posts" block.
type PostSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Excerpt      string `json:"excerpt"`
	FeatureImage string `json:"feature_image"`
}

// Newsletter is a named mailing list configured on the CMS.
type Newsletter struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}
