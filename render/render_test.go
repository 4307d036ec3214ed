package render

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/ItzNotABug/ghosler/config"
)

type fakeProber map[string]size

func (f fakeProber) Dimensions(_ context.Context, u string) (int, int, error) {
	s, ok := f[u]
	if !ok {
		return 0, 0, errors.New("not found")
	}
	return s.w, s.h, nil
}

type fakeThumbs struct{}

func (fakeThumbs) Thumbnail(_ context.Context, videoURL string) string {
	return "https://thumbs.example.com/" + videoURL[strings.LastIndex(videoURL, "/")+1:] + ".jpg"
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTransformer(prober Prober) *Transformer {
	cfg := config.Static(&config.Settings{Ghosler: config.Ghosler{URL: "https://news.example.com"}})
	return New(cfg, prober, fakeThumbs{}, discardLogger())
}

func mustDoc(t *testing.T, s string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		secs float64
		want string
	}{
		{0, "0:00"},
		{5, "0:05"},
		{125, "2:05"},
		{599.6, "10:00"},
		{3600, "1:00:00"},
		{3725, "1:02:05"},
		{-3, "0:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.secs); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.secs, got, tt.want)
		}
	}
}

func TestTrackURLRoundTrip(t *testing.T) {
	targets := []string{
		"https://example.com/a",
		"https://example.com/search?q=go&page=2",
		"https://example.com/path#frag",
	}
	for _, target := range targets {
		tracked := TrackURL("https://news.example.com/", "post_1", target)
		if !strings.HasPrefix(tracked, "https://news.example.com/track/link?postId=post_1&redirect=") {
			t.Errorf("TrackURL(%q) = %q", target, tracked)
		}
		if got := OriginalURL(tracked); got != target {
			t.Errorf("OriginalURL(TrackURL(%q)) = %q", target, got)
		}
	}
	if got := OriginalURL("https://example.com/plain"); got != "https://example.com/plain" {
		t.Errorf("OriginalURL of untracked URL = %q", got)
	}
}

func TestRenderTracksLinks(t *testing.T) {
	body := `<html><head><style>a { color: #ff1a75; }</style></head><body>
<p><a href="https://example.com/one">one</a> <a href="https://example.com/two">two</a> <a href="https://example.com/one">again</a></p>
<p><a href="https://blog.example.com/welcome/">self</a> <a href="https://news.example.com/x">tracker</a></p>
<p><a href="https://static.ghost.org/logo.png">static</a> <a href="mailto:me@example.com">mail</a> <a href="#top">top</a></p>
<p><a href="https://blog.example.com/unsubscribe?uuid={MEMBER_UUID}">unsubscribe</a></p>
<figure class="kg-card kg-bookmark-card"><a class="kg-bookmark-container" href="https://example.com/bookmark">
<div class="kg-bookmark-content"><div class="kg-bookmark-metadata"><img class="kg-bookmark-icon" src="https://example.com/icon.png"><span class="kg-bookmark-publisher">Pub</span></div></div>
<div class="kg-bookmark-thumbnail"><img src="https://example.com/thumb.png"></div></a></figure>
<div class="feature-image-caption"><a href="https://unsplash.com/@someone">Photo</a></div>
</body></html>`

	tr := newTestTransformer(fakeProber{})
	res, err := tr.Render(context.Background(), Input{
		PostID:     "p1",
		PostURL:    "https://blog.example.com/welcome/",
		HTML:       body,
		TrackLinks: true,
		Excluded:   []string{"https://blog.example.com/welcome/"},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	want := []string{"https://example.com/one", "https://example.com/two", "https://example.com/bookmark"}
	if strings.Join(res.TrackedLinks, " ") != strings.Join(want, " ") {
		t.Errorf("TrackedLinks = %v, want %v", res.TrackedLinks, want)
	}
	if !strings.Contains(res.HTML, "/track/link?postId=p1") {
		t.Errorf("expected tracked links in output")
	}
	if !strings.Contains(res.HTML, "{MEMBER_UUID}") {
		t.Errorf("unsubscribe placeholder must survive rendering")
	}
	if !strings.Contains(res.HTML, "<style>") {
		t.Errorf("style block should be retained")
	}
	if strings.Contains(res.HTML, "\n\n") {
		t.Errorf("output should be minified")
	}
}

func TestRenderWithoutTracking(t *testing.T) {
	tr := newTestTransformer(fakeProber{})
	res, err := tr.Render(context.Background(), Input{
		PostID: "p1",
		HTML:   `<p><a href="https://example.com/one">one</a></p>`,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(res.TrackedLinks) != 0 {
		t.Errorf("TrackedLinks = %v, want none", res.TrackedLinks)
	}
	if strings.Contains(res.HTML, "/track/link") {
		t.Errorf("no link should be rewritten when tracking is off")
	}
}

func TestImageCards(t *testing.T) {
	unsplash := "https://images.unsplash.com/photo-1?w=2000&h=1000&q=80"
	doc := mustDoc(t, `<figure class="kg-card kg-image-card"><img src="https://example.com/a.jpg" alt="A"><figcaption>Cap <a href="https://example.com/credit">credit</a></figcaption></figure>
<figure class="kg-card kg-image-card"><a href="https://example.com/target"><img src="`+unsplash+`" alt="U"></a></figure>
<figure class="kg-card kg-gallery-card"><div class="kg-gallery-image"><img src="https://example.com/g.png"></div></figure>`)

	sizes := map[string]size{
		"https://example.com/a.jpg": {w: 1200, h: 800},
		"https://example.com/g.png": {w: 300, h: 300},
	}
	unsplashSrc := imageCardSource(doc.Find(".kg-image-card").Eq(1))
	if !strings.Contains(unsplashSrc, "w=1200") || strings.Contains(unsplashSrc, "h=1000") {
		t.Errorf("unsplash source = %q", unsplashSrc)
	}

	rewriteCards(doc, "https://blog.example.com/p/", cardAssets{sizes: sizes, thumbs: map[string]string{}})

	first := doc.Find(".kg-image-card").First()
	img := first.Find("img.kg-image")
	if img.AttrOr("width", "") != "600" || img.AttrOr("height", "") != "400" {
		t.Errorf("image dims = %s x %s, want 600 x 400", img.AttrOr("width", ""), img.AttrOr("height", ""))
	}
	if first.Find("a").First().AttrOr("href", "") != "https://example.com/a.jpg" {
		t.Errorf("unlinked image should link to itself")
	}
	if first.Find(".kg-image-card-caption a").Length() != 1 {
		t.Errorf("caption should be preserved")
	}

	second := doc.Find(".kg-image-card").Eq(1)
	if second.Find("a").First().AttrOr("href", "") != "https://example.com/target" {
		t.Errorf("linked image should keep its anchor target")
	}
	if _, ok := second.Find("img").Attr("height"); ok {
		t.Errorf("unprobed image should have no height attribute")
	}

	g := doc.Find(".kg-gallery-image a img")
	if g.AttrOr("height", "") != "600" {
		t.Errorf("gallery height = %q, want 600", g.AttrOr("height", ""))
	}
}

func TestFileAndAudioCards(t *testing.T) {
	doc := mustDoc(t, `<div class="kg-card kg-file-card"><div class="kg-file-card-title">Report</div><div class="kg-file-card-caption"></div>
<div class="kg-file-card-metadata"><div class="kg-file-card-filename">report.pdf</div><div class="kg-file-card-filesize">2 MB</div></div></div>
<div class="kg-card kg-audio-card"><div class="kg-audio-title">Episode 1</div><div class="kg-audio-duration">125</div></div>`)

	rewriteCards(doc, "https://blog.example.com/p/", cardAssets{})

	if doc.Find("#kg-file-caption-table").Length() != 0 {
		t.Errorf("caption table should be omitted without a caption")
	}
	if got := doc.Find(".kg-file-title").Text(); got != "Report" {
		t.Errorf("file title = %q", got)
	}
	if got := doc.Find(".kg-file-meta").Text(); !strings.Contains(got, "report.pdf") || !strings.Contains(got, "2 MB") {
		t.Errorf("file meta = %q", got)
	}
	if got := doc.Find(".kg-audio-duration").Text(); !strings.HasPrefix(got, "2:05") {
		t.Errorf("audio duration = %q", got)
	}
	if doc.Find(".kg-audio-title").AttrOr("href", "") != "https://blog.example.com/p/" {
		t.Errorf("audio card should link to the post")
	}
}

func TestVideoAndEmbedCards(t *testing.T) {
	doc := mustDoc(t, `<figure class="kg-card kg-video-card" data-kg-thumbnail="https://example.com/poster.jpg"><video></video></figure>
<figure class="kg-card kg-embed-card"><iframe src="https://www.youtube.com/embed/abc_123?feature=oembed"></iframe></figure>
<figure class="kg-card kg-embed-card"><iframe src="https://player.vimeo.com/video/42"></iframe></figure>
<figure class="kg-card kg-embed-card"><blockquote class="twitter-tweet"><p>tweet</p></blockquote></figure>`)

	rewriteCards(doc, "https://blog.example.com/p/", cardAssets{thumbs: map[string]string{
		"https://youtu.be/abc_123": "https://img.youtube.com/vi/abc_123/hqdefault.jpg",
	}})

	if got := doc.Find(".kg-video-container").Parent().AttrOr("href", ""); got != "https://blog.example.com/p/" {
		t.Errorf("video card href = %q", got)
	}
	if !strings.Contains(doc.Find(".kg-video-container table").AttrOr("background", ""), "poster.jpg") {
		t.Errorf("video card should use the poster thumbnail")
	}

	previews := doc.Find("a.kg-video-preview")
	if previews.Length() != 2 {
		t.Fatalf("expected 2 embed previews, got %d", previews.Length())
	}
	if got := previews.Eq(0).AttrOr("href", ""); got != "https://youtu.be/abc_123" {
		t.Errorf("youtube link = %q", got)
	}
	if got := previews.Eq(1).AttrOr("href", ""); got != "https://vimeo.com/42" {
		t.Errorf("vimeo link = %q", got)
	}
	if doc.Find("iframe").Length() != 0 {
		t.Errorf("iframes should be replaced")
	}
	if doc.Find("div.kg-embed-card .twitter-tweet").Length() != 1 {
		t.Errorf("tweet should be rewrapped in a div card")
	}
}

func TestInlineCSS(t *testing.T) {
	doc := mustDoc(t, `<html><head><style>
p { color: red; margin: 0 }
.lead { color: blue }
#x { font-weight: bold }
p { font-size: 12px !important }
@media (max-width: 600px) { p { color: green } }
img { width: auto; height: auto }
</style></head><body><p class="lead" id="x" style="font-size: 20px; color: black">hi</p><img src="a.png" width="600" height="400"></body></html>`)

	before := imageSizes(doc)
	inlineCSS(doc)

	style := doc.Find("p").AttrOr("style", "")
	for _, want := range []string{"color: black", "margin: 0", "font-weight: bold", "font-size: 12px !important"} {
		if !strings.Contains(style, want) {
			t.Errorf("style %q missing %q", style, want)
		}
	}
	if strings.Contains(style, "green") {
		t.Errorf("media query rules must not be inlined: %q", style)
	}
	if doc.Find("style").Length() != 1 {
		t.Errorf("style block should be kept")
	}

	img := doc.Find("img")
	if img.AttrOr("width", "") != "auto" {
		t.Fatalf("expected the inliner to mirror width: auto, got %q", img.AttrOr("width", ""))
	}
	fixups(doc, before)
	if img.AttrOr("width", "") != "600" || img.AttrOr("height", "") != "400" {
		t.Errorf("fixups should restore dims, got %s x %s", img.AttrOr("width", ""), img.AttrOr("height", ""))
	}
}

func TestFixups(t *testing.T) {
	doc := mustDoc(t, `<figure><img src="a.png"><figcaption>c</figcaption></figure><a href="https://example.com">x</a>`)
	fixups(doc, imageSizes(doc))

	if doc.Find("figure, figcaption").Length() != 0 {
		t.Errorf("figure and figcaption should become div")
	}
	if doc.Find("div > div").Length() != 1 {
		t.Errorf("expected nested divs after rename")
	}
	if doc.Find("a").AttrOr("target", "") != "_blank" {
		t.Errorf("links should open in a new tab")
	}
}

func TestHTTPProber(t *testing.T) {
	// 1x1 transparent GIF
	gif := []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\x00\x00\x00\x00\x00\x00!\xf9\x04\x01\x00\x00\x00\x00,\x00\x00\x00\x00\x01\x00\x01\x00\x00\x02\x02D\x01\x00;")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(gif)
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.Client(), discardLogger())
	w, h, err := p.Dimensions(context.Background(), srv.URL+"/pixel.gif")
	if err != nil {
		t.Fatalf("Dimensions: %v", err)
	}
	if w != 1 || h != 1 {
		t.Errorf("Dimensions = %dx%d, want 1x1", w, h)
	}

	if _, _, err := p.Dimensions(context.Background(), srv.URL+"/missing.png"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestOEmbedThumbnailer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Query().Get("url"), "vimeo.com/42") {
			_, _ = w.Write([]byte(`{"type":"video","thumbnail_url":"https://i.vimeocdn.com/video/42.jpg"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := NewOEmbedThumbnailer(srv.Client(), discardLogger())
	o.youtube = srv.URL + "/youtube"
	o.vimeo = srv.URL + "/vimeo"

	ctx := context.Background()
	if got := o.Thumbnail(ctx, "https://vimeo.com/42"); got != "https://i.vimeocdn.com/video/42.jpg" {
		t.Errorf("vimeo thumbnail = %q", got)
	}
	if got := o.Thumbnail(ctx, "https://youtu.be/abc"); got != "https://img.youtube.com/vi/abc/hqdefault.jpg" {
		t.Errorf("youtube fallback = %q", got)
	}
	if got := o.Thumbnail(ctx, "https://vimeo.com/7"); got != spacerURL {
		t.Errorf("vimeo fallback = %q", got)
	}
}
