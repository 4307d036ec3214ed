package ghosler

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func validPayload() *PublishPayload {
	p := &PublishPayload{}
	p.Post.Current = &PostPayload{
		ID:            "65f1c0",
		Title:         "Hello World",
		URL:           "https://blog.example.com/hello-world/",
		HTML:          "<p>Hello</p>",
		Plaintext:     strings.Repeat("x", 100),
		PublishedAt:   "2024-03-05T10:00:00.000Z",
		Visibility:    VisibilityPaid,
		PrimaryAuthor: &Author{ID: "a1", Name: "Jane"},
		Authors:       []Author{{ID: "a1", Name: "Jane"}, {ID: "a2", Name: "John"}, {ID: "a3", Name: "Ada"}},
		PrimaryTag:    &Tag{Name: "News", Slug: "news"},
		Tags:          []Tag{{Name: "News", Slug: "news"}},
		Tiers:         []Tier{{ID: "t1", Name: "Gold"}},
	}
	return p
}

func TestMakePost(t *testing.T) {
	p := validPayload()
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	post := MakePost(p)
	if post.Date != "05 Mar 2024" {
		t.Errorf("Date = %q, want 05 Mar 2024", post.Date)
	}
	if post.Authors != "John, Ada" {
		t.Errorf("Authors = %q, want %q", post.Authors, "John, Ada")
	}
	if post.PrimaryTag != "News" {
		t.Errorf("PrimaryTag = %q", post.PrimaryTag)
	}
	if post.Excerpt != strings.Repeat("x", 75) {
		t.Errorf("Excerpt length = %d, want 75", len(post.Excerpt))
	}
	if !post.IsPaid() {
		t.Error("paid post should report IsPaid")
	}
	if post.Stats.NewsletterStatus != StatusNA {
		t.Errorf("NewsletterStatus = %q, want na", post.Stats.NewsletterStatus)
	}
}

func TestExcerptPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		custom *string
		plain  *string
		want   string
	}{
		{"custom wins", strPtr("custom"), strPtr("auto"), "custom"},
		{"empty custom still wins", strPtr(""), strPtr("auto"), ""},
		{"excerpt fallback", nil, strPtr("auto"), "auto"},
		{"plaintext fallback", nil, nil, "short text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			p.Post.Current.CustomExcerpt = tt.custom
			p.Post.Current.Excerpt = tt.plain
			p.Post.Current.Plaintext = "short text"
			if got := MakePost(p).Excerpt; got != tt.want {
				t.Errorf("Excerpt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PublishPayload)
	}{
		{"missing current", func(p *PublishPayload) { p.Post.Current = nil }},
		{"missing id", func(p *PublishPayload) { p.Post.Current.ID = "" }},
		{"missing author", func(p *PublishPayload) { p.Post.Current.PrimaryAuthor = nil }},
		{"bad date", func(p *PublishPayload) { p.Post.Current.PublishedAt = "yesterday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("Validate() error = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestHasIgnoreTag(t *testing.T) {
	p := validPayload()
	if p.HasIgnoreTag() {
		t.Error("payload without ignore tag reported as ignored")
	}
	p.Post.Current.Tags = append(p.Post.Current.Tags, Tag{Name: "#ghosler_ignore", Slug: IgnoreTag})
	if !p.HasIgnoreTag() {
		t.Error("payload with ignore tag not detected")
	}
}

func TestTrackedLinkJSON(t *testing.T) {
	stats := NewStats()
	stats.PostContentTrackedLinks = []TrackedLink{{URL: "https://a.example", Clicks: 2}}

	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"postContentTrackedLinks":[{"https://a.example":2}]`) {
		t.Errorf("unexpected encoding: %s", data)
	}

	var back Stats
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.PostContentTrackedLinks[0] != (TrackedLink{URL: "https://a.example", Clicks: 2}) {
		t.Errorf("decoded link = %+v", back.PostContentTrackedLinks[0])
	}

	var bad TrackedLink
	if err := json.Unmarshal([]byte(`{"a":1,"b":2}`), &bad); err == nil {
		t.Error("multi-key link should fail to decode")
	}
}

func TestSaveable(t *testing.T) {
	post := MakePost(validPayload())
	s := post.Saveable()
	if s.Content != "" || s.Tiers != nil || s.Excerpt != "" {
		t.Errorf("saveable projection kept body fields: %+v", s)
	}
	if s.ID != post.ID || s.PrimaryAuthor != "Jane" {
		t.Errorf("saveable projection lost identity fields: %+v", s)
	}
}

func TestSubscriber(t *testing.T) {
	sub, ok := NewSubscriber(Member{
		UUID:      "u-1",
		Email:     "reader@example.com",
		Status:    "paid",
		CreatedAt: "2013-09-19T10:00:00.000Z",
		Newsletters: []Newsletter{
			{ID: "n1", Name: "Weekly", Status: "archived"},
			{ID: "n2", Name: "Daily", Status: "active"},
		},
		Subscriptions: []Subscription{
			{Status: "canceled", Tier: &Tier{ID: "t2"}},
			{Status: "active", Tier: &Tier{ID: "t1"}},
		},
	})
	if !ok {
		t.Fatal("NewSubscriber() rejected a valid member")
	}
	if sub.Created != "19 September 2013" {
		t.Errorf("Created = %q", sub.Created)
	}
	if !sub.IsPaying([]string{"t1"}) {
		t.Error("active tier subscription should be paying")
	}
	if sub.IsPaying([]string{"t2"}) {
		t.Error("canceled tier subscription should not be paying")
	}
	if !sub.IsSubscribedTo("") {
		t.Error("empty newsletter id should match everyone")
	}
	if sub.IsSubscribedTo("n1") {
		t.Error("inactive newsletter should not match")
	}
	if !sub.IsSubscribedTo("n2") {
		t.Error("active newsletter should match")
	}
	if sub.ActiveNewsletterName() != "Daily" {
		t.Errorf("ActiveNewsletterName() = %q", sub.ActiveNewsletterName())
	}

	if _, ok := NewSubscriber(Member{UUID: "u-2"}); ok {
		t.Error("member without email should be rejected")
	}
}

func TestOpenCount(t *testing.T) {
	s := Stats{EmailsOpened: "10110"}
	if s.OpenCount() != 3 {
		t.Errorf("OpenCount() = %d, want 3", s.OpenCount())
	}
	s.EmailsOpened = "garbage"
	if s.OpenCount() != 0 {
		t.Errorf("OpenCount() on invalid bits = %d, want 0", s.OpenCount())
	}
}
