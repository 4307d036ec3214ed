package ghosler

import (
	"slices"
	"time"
)

// Subscription is a member's paid subscription to a tier.
type Subscription struct {
	Status string `json:"status"`
	Tier   *Tier  `json:"tier"`
}

// Member is a member as returned by the CMS admin API.
type Member struct {
	UUID          string         `json:"uuid"`
	Email         string         `json:"email"`
	Name          string         `json:"name"`
	Status        string         `json:"status"`
	CreatedAt     string         `json:"created_at"`
	Newsletters   []Newsletter   `json:"newsletters"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Subscriber is a newsletter recipient. It is fetched per send and never persisted.
type Subscriber struct {
	UUID          string
	Name          string
	Email         string
	Status        string
	Created       string
	Newsletters   []Newsletter
	Subscriptions []Subscription
}

// NewSubscriber converts an API member. Members without a uuid or email are rejected.
func NewSubscriber(m Member) (*Subscriber, bool) {
	if m.UUID == "" || m.Email == "" {
		return nil, false
	}
	created := m.CreatedAt
	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		created = t.Format("2 January 2006")
	}
	return &Subscriber{
		UUID:          m.UUID,
		Name:          m.Name,
		Email:         m.Email,
		Status:        m.Status,
		Created:       created,
		Newsletters:   m.Newsletters,
		Subscriptions: m.Subscriptions,
	}, true
}

// IsPaying reports whether the subscriber has an active subscription to any of the given tiers.
func (s *Subscriber) IsPaying(tierIDs []string) bool {
	for _, sub := range s.Subscriptions {
		if sub.Tier != nil && sub.Status == "active" && slices.Contains(tierIDs, sub.Tier.ID) {
			return true
		}
	}
	return false
}

// IsSubscribedTo reports whether the subscriber receives the given newsletter.
// An empty id means the site has a single newsletter and everyone subscribed receives it.
func (s *Subscriber) IsSubscribedTo(newsletterID string) bool {
	if newsletterID == "" {
		return true
	}
	for _, n := range s.Newsletters {
		if n.ID == newsletterID && n.Status == "active" {
			return true
		}
	}
	return false
}

// ActiveNewsletterName returns the name of the first active newsletter the subscriber receives.
func (s *Subscriber) ActiveNewsletterName() string {
	for _, n := range s.Newsletters {
		if n.Status == "active" {
			return n.Name
		}
	}
	return ""
}
