package ghosler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// IgnoreTag is the tag slug that excludes a post from newsletters.
const IgnoreTag = "ghosler_ignore"

// ErrInvalidPayload is returned when a publish webhook body is missing required fields.
var ErrInvalidPayload = errors.New("invalid publish payload")

// Author is a post author in a publish payload.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Tag is a post tag in a publish payload.
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// PostPayload is the "current" post object sent by the post.published webhook.
type PostPayload struct {
	ID                  string     `json:"id"`
	UUID                string     `json:"uuid"`
	Title               string     `json:"title"`
	URL                 string     `json:"url"`
	HTML                string     `json:"html"`
	Plaintext           string     `json:"plaintext"`
	Excerpt             *string    `json:"excerpt"`
	CustomExcerpt       *string    `json:"custom_excerpt"`
	FeatureImage        string     `json:"feature_image"`
	FeatureImageAlt     string     `json:"feature_image_alt"`
	FeatureImageCaption string     `json:"feature_image_caption"`
	PublishedAt         string     `json:"published_at"`
	Visibility          Visibility `json:"visibility"`
	PrimaryAuthor       *Author    `json:"primary_author"`
	Authors             []Author   `json:"authors"`
	PrimaryTag          *Tag       `json:"primary_tag"`
	Tags                []Tag      `json:"tags"`
	Tiers               []Tier     `json:"tiers"`
}

// PublishPayload is the body of a post.published webhook.
type PublishPayload struct {
	Post struct {
		Current *PostPayload `json:"current"`
	} `json:"post"`
}

// Validate rejects payloads that cannot produce a post.
func (p *PublishPayload) Validate() error {
	c := p.Post.Current
	if c == nil {
		return fmt.Errorf("%w: post content missing", ErrInvalidPayload)
	}
	var missing []string
	if c.ID == "" {
		missing = append(missing, "id")
	}
	if c.URL == "" {
		missing = append(missing, "url")
	}
	if c.Title == "" {
		missing = append(missing, "title")
	}
	if c.PrimaryAuthor == nil {
		missing = append(missing, "primary_author")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	if _, err := time.Parse(time.RFC3339, c.PublishedAt); err != nil {
		return fmt.Errorf("%w: published_at: %w", ErrInvalidPayload, err)
	}
	return nil
}

// HasIgnoreTag reports whether the post carries the ignore tag.
func (p *PublishPayload) HasIgnoreTag() bool {
	for _, t := range p.Post.Current.Tags {
		if t.Slug == IgnoreTag {
			return true
		}
	}
	return false
}

// MakePost builds a post from a validated payload.
func MakePost(p *PublishPayload) *Post {
	c := p.Post.Current

	// Validate has already checked the date format.
	published, _ := time.Parse(time.RFC3339, c.PublishedAt)

	var authors []string
	for _, a := range c.Authors {
		if a.ID != c.PrimaryAuthor.ID {
			authors = append(authors, a.Name)
		}
	}

	var tag string
	if c.PrimaryTag != nil {
		tag = c.PrimaryTag.Name
	}

	visibility := c.Visibility
	if visibility == "" {
		visibility = VisibilityPublic
	}

	return &Post{
		ID:                  c.ID,
		URL:                 c.URL,
		Date:                published.Format("02 Jan 2006"),
		Title:               c.Title,
		Content:             c.HTML,
		Excerpt:             excerpt(c),
		FeatureImage:        c.FeatureImage,
		FeatureImageAlt:     c.FeatureImageAlt,
		FeatureImageCaption: c.FeatureImageCaption,
		PrimaryAuthor:       c.PrimaryAuthor.Name,
		Authors:             strings.Join(authors, ", "),
		PrimaryTag:          tag,
		Visibility:          visibility,
		Tiers:               c.Tiers,
		Stats:               NewStats(),
	}
}

func excerpt(c *PostPayload) string {
	if c.CustomExcerpt != nil {
		return *c.CustomExcerpt
	}
	if c.Excerpt != nil {
		return *c.Excerpt
	}
	r := []rune(c.Plaintext)
	if len(r) > 75 {
		r = r[:75]
	}
	return string(r)
}
