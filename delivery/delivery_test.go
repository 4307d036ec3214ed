package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ItzNotABug/ghosler/config"
	"github.com/ItzNotABug/ghosler/email"
	"github.com/ItzNotABug/ghosler/pkg/ghosler"
	"github.com/ItzNotABug/ghosler/storage"
	"github.com/ItzNotABug/ghosler/track"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func subscribers(n int) []*ghosler.Subscriber {
	subs := make([]*ghosler.Subscriber, n)
	for i := range subs {
		subs[i] = &ghosler.Subscriber{
			UUID:   fmt.Sprintf("uuid-%02d", i),
			Name:   fmt.Sprintf("Reader %d", i),
			Email:  fmt.Sprintf("reader%02d@example.com", i),
			Status: "free",
		}
	}
	return subs
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name        string
		subs, pools int
		wantSizes   []int
		wantOffsets []int
	}{
		{"two pools", 23, 2, []int{12, 11}, []int{0, 12}},
		{"single pool", 23, 1, []int{23}, []int{0}},
		{"single subscriber", 1, 3, []int{1}, []int{0}},
		{"more pools than subscribers", 3, 5, []int{1, 1, 1}, []int{0, 1, 2}},
		{"even split", 10, 2, []int{5, 5}, []int{0, 5}},
		{"empty", 0, 2, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Plan(subscribers(tt.subs), tt.pools)
			if len(chunks) != len(tt.wantSizes) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.wantSizes))
			}
			for i, c := range chunks {
				if c.Pool != i {
					t.Errorf("chunk %d pool = %d", i, c.Pool)
				}
				if len(c.Subscribers) != tt.wantSizes[i] {
					t.Errorf("chunk %d size = %d, want %d", i, len(c.Subscribers), tt.wantSizes[i])
				}
				if c.Offset != tt.wantOffsets[i] {
					t.Errorf("chunk %d offset = %d, want %d", i, c.Offset, tt.wantOffsets[i])
				}
			}
		})
	}
}

func TestBatches(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{12, 10, []int{10, 2}},
		{11, 10, []int{10, 1}},
		{10, 10, []int{10}},
		{3, 10, []int{3}},
		{25, 5, []int{5, 5, 5, 5, 5}},
		{0, 10, nil},
	}
	for _, tt := range tests {
		batches := Batches(subscribers(tt.n), tt.size)
		var got []int
		for _, b := range batches {
			got = append(got, len(b))
		}
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("Batches(%d, %d) sizes = %v, want %v", tt.n, tt.size, got, tt.want)
		}
	}
}

func testConfig(pattern string) *config.Provider {
	return config.Static(&config.Settings{
		Ghosler:    config.Ghosler{URL: "https://news.example.com"},
		Newsletter: config.Newsletter{CustomSubjectPattern: pattern},
		Mail:       []config.Mail{{Provider: "mock"}},
	})
}

func TestPersonalizerSubject(t *testing.T) {
	post := &ghosler.Post{Title: "Hello", PrimaryAuthor: "Jane"}
	tagged := &ghosler.Post{Title: "Hello", PrimaryAuthor: "Jane", PrimaryTag: "Go"}
	sub := &ghosler.Subscriber{Newsletters: []ghosler.Newsletter{
		{ID: "n0", Name: "Old", Status: "inactive"},
		{ID: "n1", Name: "Weekly", Status: "active"},
	}}

	tests := []struct {
		name     string
		pattern  string
		post     *ghosler.Post
		nlName   string
		expected string
	}{
		{"default is title", "", post, "", "Hello"},
		{"title and author", "{{post_title}} by {{primary_author}}", post, "", "Hello by Jane"},
		{"tag present", "{{post_title}} • #{{primary_tag}}", tagged, "", "Hello • #Go"},
		{"tag missing with hash separator", "{{post_title}} • #{{primary_tag}}", post, "", "Hello"},
		{"tag missing with plain separator", "{{post_title}} • {{primary_tag}}", post, "", "Hello"},
		{"tag missing bare", "[{{primary_tag}}] {{post_title}}", post, "", "[] Hello"},
		{"targeted newsletter", "{{newsletter_name}}: {{post_title}}", post, "Digest", "Digest: Hello"},
		{"falls back to active newsletter", "{{newsletter_name}}: {{post_title}}", post, "", "Weekly: Hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPersonalizer(testConfig(tt.pattern))
			if got := p.Subject(tt.post, sub, tt.nlName); got != tt.expected {
				t.Errorf("Subject() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestPersonalizerBody(t *testing.T) {
	p := NewPersonalizer(testConfig(""))
	post := &ghosler.Post{ID: "post1"}
	body := `<a href="https://blog.example.com/unsubscribe?uuid={MEMBER_UUID}">u</a><a href="x?uuid={MEMBER_UUID}">u2</a>` +
		`<img src="` + p.PixelURL() + `">` +
		`<p class="wrong-user-subscription-name-field">{MEMBER_NAME}</p><p>{MEMBER_EMAIL}, {MEMBER_STATUS} subscriber since {MEMBER_CREATED}</p>`

	sub := &ghosler.Subscriber{UUID: "u-1", Name: "Ada", Email: "ada@example.com", Status: "paid", Created: "1 March 2024"}
	got := p.Body(body, post, sub, 7)

	if strings.Contains(got, MemberUUIDToken) || strings.Count(got, "uuid=u-1") != 2 {
		t.Errorf("every member uuid placeholder should be replaced: %s", got)
	}
	if !strings.Contains(got, "pixel.png?uuid="+track.EncodeToken("post1", 7)) {
		t.Errorf("pixel token missing: %s", got)
	}
	for _, want := range []string{">Ada<", "ada@example.com", "paid subscriber", "1 March 2024", "wrong-user-subscription-name-field"} {
		if !strings.Contains(got, want) {
			t.Errorf("body missing %q: %s", want, got)
		}
	}

	anon := &ghosler.Subscriber{UUID: "u-2", Email: "anon@example.com", Status: "free"}
	got = p.Body(body, post, anon, 0)
	if strings.Contains(got, "wrong-user-subscription-name-field") || !strings.Contains(got, `class="user-subscription-name-field"`) {
		t.Errorf("empty name should hide the name row: %s", got)
	}
	minified := p.Body(`<p class=wrong-user-subscription-name-field>x</p>`, post, anon, 0)
	if minified != `<p class=user-subscription-name-field>x</p>` {
		t.Errorf("unquoted class not switched: %s", minified)
	}
}

func TestPersonalizerBodyLeavesContentAlone(t *testing.T) {
	p := NewPersonalizer(testConfig(""))
	post := &ghosler.Post{ID: "post1"}
	sub := &ghosler.Subscriber{UUID: "u-1", Name: `<b>Eve</b> & co`, Email: "eve@example.com", Status: "comped", Created: "2 May 2024"}

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "sample wording in post content",
			body: `<p>Upgrade from free subscriber to paid, says Jamie Larson (jamie@example.com) since 19 September 2013.</p>`,
			want: `<p>Upgrade from free subscriber to paid, says Jamie Larson (jamie@example.com) since 19 September 2013.</p>`,
		},
		{
			name: "profile values escaped",
			body: `<td>{MEMBER_NAME}</td><strong>{MEMBER_STATUS} subscriber</strong>`,
			want: `<td>&lt;b&gt;Eve&lt;/b&gt; &amp; co</td><strong>comped subscriber</strong>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Body(tt.body, post, sub, 0); got != tt.want {
				t.Errorf("Body() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnsubscribeURL(t *testing.T) {
	p := NewPersonalizer(testConfig(""))
	sub := &ghosler.Subscriber{UUID: "abc"}
	for _, site := range []string{"https://blog.example.com/", "https://blog.example.com"} {
		got := p.UnsubscribeURL(&ghosler.Site{URL: site}, sub)
		if got != "https://blog.example.com/unsubscribe?uuid=abc" {
			t.Errorf("UnsubscribeURL(%q) = %q", site, got)
		}
	}
}

type sentMessage struct {
	pool string
	msg  *email.Message
}

// recorder is a Provider factory whose providers record every message.
type recorder struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]bool // recipient addresses that fail
}

type recordingProvider struct {
	r    *recorder
	pool string
}

func (p *recordingProvider) Send(ctx context.Context, msg *email.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	if p.r.fail[msg.To] {
		return errors.New("550 mailbox unavailable")
	}
	p.r.sent = append(p.r.sent, sentMessage{pool: p.pool, msg: msg})
	return nil
}

func (r *recorder) Provider(_ context.Context, m config.Mail) (email.Provider, error) {
	return &recordingProvider{r: r, pool: m.From}, nil
}

func newEngine(t *testing.T, cfg *config.Provider, r *recorder) (*Engine, *storage.Store, *[]time.Duration) {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	e := NewEngine(store, r, NewPersonalizer(cfg), cfg, discardLogger(), time.Second)
	var sleeps []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return e, store, &sleeps
}

func unsentPost(t *testing.T, store *storage.Store, id string) *ghosler.Post {
	t.Helper()
	post := &ghosler.Post{
		ID:       id,
		URL:      "https://blog.example.com/" + id + "/",
		Title:    "Post " + id,
		Content:  "<p>body</p>",
		Stats:    ghosler.NewStats(),
		Complete: true,
	}
	post.Stats.NewsletterStatus = ghosler.StatusUnsent
	if ok, err := store.Create(context.Background(), post, false); err != nil || !ok {
		t.Fatalf("Create: ok=%v err=%v", ok, err)
	}
	return post
}

func pixelIndex(t *testing.T, html string) int {
	t.Helper()
	_, after, ok := strings.Cut(html, "pixel.png?uuid=")
	if !ok {
		t.Fatalf("no pixel in %q", html)
	}
	token, _, _ := strings.Cut(after, `"`)
	_, idx, err := track.DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken(%q): %v", token, err)
	}
	return idx
}

func TestEngineSendEndToEnd(t *testing.T) {
	cfg := config.Static(&config.Settings{
		Ghosler: config.Ghosler{URL: "https://news.example.com"},
		Mail:    []config.Mail{{Provider: "mock", From: "pool0", BatchSize: 10}},
	})
	r := &recorder{}
	e, store, sleeps := newEngine(t, cfg, r)
	post := unsentPost(t, store, "e2e")
	p := NewPersonalizer(cfg)

	report, err := e.Send(context.Background(), Job{
		Post:         post,
		Site:         &ghosler.Site{URL: "https://blog.example.com/"},
		Subscribers:  subscribers(3),
		Full:         `<p>full</p><img src="` + p.PixelURL() + `">`,
		TrackedLinks: []string{"https://example.com/a", "https://example.com/b"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if report.Sent != 3 || report.Failed != 0 || report.RunID == "" {
		t.Errorf("report = %+v", report)
	}
	if len(*sleeps) != 0 {
		t.Errorf("single batch should not sleep, slept %v", *sleeps)
	}

	stored, err := store.Get(context.Background(), "e2e")
	if err != nil || stored == nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Stats.NewsletterStatus != ghosler.StatusSent {
		t.Errorf("status = %s, want Sent", stored.Stats.NewsletterStatus)
	}
	if stored.Stats.EmailsSent != 3 || stored.Stats.Members != 3 || stored.Stats.EmailsOpened != "000" {
		t.Errorf("stats = %+v", stored.Stats)
	}
	if len(stored.Stats.PostContentTrackedLinks) != 2 || stored.Stats.PostContentTrackedLinks[0].URL != "https://example.com/a" {
		t.Errorf("tracked links = %+v", stored.Stats.PostContentTrackedLinks)
	}
	if stored.HasContent() {
		t.Errorf("sent post should be stored without its body")
	}

	var indices []int
	for _, s := range r.sent {
		indices = append(indices, pixelIndex(t, s.msg.HTML))
		if !strings.HasPrefix(s.msg.ListUnsubscribeURL, "https://blog.example.com/unsubscribe?uuid=uuid-") {
			t.Errorf("unsubscribe URL = %q", s.msg.ListUnsubscribeURL)
		}
	}
	sort.Ints(indices)
	if fmt.Sprint(indices) != "[0 1 2]" {
		t.Errorf("ordinal indices = %v", indices)
	}
}

func TestEngineGuard(t *testing.T) {
	for _, status := range []ghosler.NewsletterStatus{ghosler.StatusSending, ghosler.StatusSent, ghosler.StatusNA} {
		t.Run(string(status), func(t *testing.T) {
			r := &recorder{}
			e, store, _ := newEngine(t, testConfig(""), r)
			post := unsentPost(t, store, "guarded")
			if _, err := store.Update(context.Background(), "guarded", func(p *ghosler.Post) (bool, error) {
				p.Stats.NewsletterStatus = status
				p.Stats.EmailsSent = 5
				return true, nil
			}); err != nil {
				t.Fatalf("Update: %v", err)
			}

			_, err := e.Send(context.Background(), Job{Post: post, Site: &ghosler.Site{}, Subscribers: subscribers(2), Full: "x"})
			if !errors.Is(err, ErrAlreadySent) {
				t.Fatalf("Send error = %v, want ErrAlreadySent", err)
			}
			if len(r.sent) != 0 {
				t.Errorf("no message should be sent")
			}
			stored, _ := store.Get(context.Background(), "guarded")
			if stored.Stats.NewsletterStatus != status || stored.Stats.EmailsSent != 5 {
				t.Errorf("stats changed: %+v", stored.Stats)
			}
		})
	}
}

func TestEngineSecondTriggerRejected(t *testing.T) {
	r := &recorder{}
	e, store, _ := newEngine(t, testConfig(""), r)
	post := unsentPost(t, store, "twice")
	job := Job{Post: post, Site: &ghosler.Site{}, Subscribers: subscribers(2), Full: "x"}

	if _, err := e.Send(context.Background(), job); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := e.Send(context.Background(), job); !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("second Send error = %v, want ErrAlreadySent", err)
	}
	if len(r.sent) != 2 {
		t.Errorf("sent %d messages, want 2", len(r.sent))
	}
}

func TestEngineNoSubscribers(t *testing.T) {
	e, store, _ := newEngine(t, testConfig(""), &recorder{})
	post := unsentPost(t, store, "empty")

	if _, err := e.Send(context.Background(), Job{Post: post, Site: &ghosler.Site{}}); !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("Send error = %v, want ErrNoSubscribers", err)
	}
	stored, _ := store.Get(context.Background(), "empty")
	if stored.Stats.NewsletterStatus != ghosler.StatusUnsent {
		t.Errorf("status = %s, want Unsent", stored.Stats.NewsletterStatus)
	}
}

func TestEnginePaidContent(t *testing.T) {
	paying := &ghosler.Subscriber{UUID: "p", Email: "paying@example.com", Subscriptions: []ghosler.Subscription{
		{Status: "active", Tier: &ghosler.Tier{ID: "gold"}},
	}}
	lapsed := &ghosler.Subscriber{UUID: "l", Email: "lapsed@example.com", Subscriptions: []ghosler.Subscription{
		{Status: "canceled", Tier: &ghosler.Tier{ID: "gold"}},
	}}
	free := &ghosler.Subscriber{UUID: "f", Email: "free@example.com"}

	tests := []struct {
		name    string
		partial string
		want    map[string]string
	}{
		{"gated", "PARTIAL", map[string]string{"paying@example.com": "FULL", "lapsed@example.com": "PARTIAL", "free@example.com": "PARTIAL"}},
		{"no marker", "", map[string]string{"paying@example.com": "FULL", "lapsed@example.com": "FULL", "free@example.com": "FULL"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			e, store, _ := newEngine(t, testConfig(""), r)
			post := unsentPost(t, store, "paid")
			post.Visibility = ghosler.VisibilityTiers
			post.Tiers = []ghosler.Tier{{ID: "gold", Name: "Gold"}}

			_, err := e.Send(context.Background(), Job{
				Post:        post,
				Site:        &ghosler.Site{},
				Subscribers: []*ghosler.Subscriber{paying, lapsed, free},
				Full:        "FULL",
				Partial:     tt.partial,
			})
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			for _, s := range r.sent {
				if s.msg.HTML != tt.want[s.msg.To] {
					t.Errorf("%s got %q, want %q", s.msg.To, s.msg.HTML, tt.want[s.msg.To])
				}
			}
		})
	}
}

func TestEnginePoolsBatchesAndFailures(t *testing.T) {
	delay := 500
	cfg := config.Static(&config.Settings{
		Ghosler: config.Ghosler{URL: "https://news.example.com"},
		Mail: []config.Mail{
			{Provider: "mock", From: "pool0", BatchSize: 10, DelayPerBatch: &delay},
			{Provider: "mock", From: "pool1"},
		},
	})
	r := &recorder{fail: map[string]bool{"reader05@example.com": true}}
	e, store, sleeps := newEngine(t, cfg, r)
	post := unsentPost(t, store, "big")
	p := NewPersonalizer(cfg)

	report, err := e.Send(context.Background(), Job{
		Post:        post,
		Site:        &ghosler.Site{URL: "https://blog.example.com/"},
		Subscribers: subscribers(23),
		Full:        `<img src="` + p.PixelURL() + `">`,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if report.Sent != 22 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}

	// pool0 sends [10,2], pool1 sends [10,1]: one pause each.
	want := []time.Duration{500 * time.Millisecond, config.DefaultDelayPerBatch * time.Millisecond}
	if fmt.Sprint(*sleeps) != fmt.Sprint(want) {
		t.Errorf("sleeps = %v, want %v", *sleeps, want)
	}

	perPool := map[string]int{}
	for _, s := range r.sent {
		perPool[s.pool]++
		idx := pixelIndex(t, s.msg.HTML)
		var n int
		if _, err := fmt.Sscanf(s.msg.To, "reader%02d@example.com", &n); err != nil {
			t.Fatalf("unexpected recipient %q", s.msg.To)
		}
		if idx != n {
			t.Errorf("%s has index %d, want %d", s.msg.To, idx, n)
		}
		wantPool := "pool0"
		if n >= 12 {
			wantPool = "pool1"
		}
		if s.pool != wantPool {
			t.Errorf("%s sent via %s, want %s", s.msg.To, s.pool, wantPool)
		}
	}
	if perPool["pool0"] != 11 || perPool["pool1"] != 11 {
		t.Errorf("per pool = %v", perPool)
	}

	stored, _ := store.Get(context.Background(), "big")
	if stored.Stats.EmailsSent != 22 || stored.Stats.Members != 23 || len(stored.Stats.EmailsOpened) != 23 {
		t.Errorf("stats = %+v", stored.Stats)
	}
}
