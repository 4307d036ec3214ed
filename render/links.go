package render

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// TrackPath is the click redirect endpoint, relative to the tracking base URL.
const TrackPath = "/track/link"

// staticHosts serve platform assets that are never worth counting.
var staticHosts = map[string]bool{
	"static.ghost.org":  true,
	"img.spacergif.org": true,
	"www.gravatar.com":  true,
}

// untrackedAncestors hold icons and thumbnails that sit inside an already tracked card link.
const untrackedAncestors = ".kg-bookmark-icon, .kg-bookmark-thumbnail, .kg-file-card-icon, .feature-image-caption"

// TrackURL returns the redirect-through-tracking form of target.
func TrackURL(base, postID, target string) string {
	return strings.TrimRight(base, "/") + TrackPath +
		"?postId=" + url.QueryEscape(postID) +
		"&redirect=" + url.QueryEscape(target)
}

// OriginalURL reverses TrackURL. Untracked URLs are returned unchanged.
func OriginalURL(tracked string) string {
	if !strings.Contains(tracked, TrackPath+"?") {
		return tracked
	}
	u, err := url.Parse(tracked)
	if err != nil {
		return tracked
	}
	if redirect := u.Query().Get("redirect"); redirect != "" {
		return redirect
	}
	return tracked
}

// linkTracker rewrites outbound links and remembers them in first-seen order.
type linkTracker struct {
	base     string
	baseHost string
	postID   string
	excluded map[string]bool
	seen     map[string]bool
	links    []string
}

func newLinkTracker(base, postID string, excluded []string) *linkTracker {
	lt := &linkTracker{
		base:     base,
		postID:   postID,
		excluded: make(map[string]bool, len(excluded)),
		seen:     make(map[string]bool),
	}
	if u, err := url.Parse(base); err == nil {
		lt.baseHost = u.Host
	}
	for _, e := range excluded {
		if e != "" {
			lt.excluded[e] = true
		}
	}
	return lt
}

// trackable reports whether raw is an absolute http(s) URL outside every exclusion.
func (lt *linkTracker) trackable(raw string) bool {
	if raw == "" || lt.excluded[raw] || lt.excluded[strings.TrimRight(raw, "/")] {
		return false
	}
	// Placeholders are substituted per recipient after rendering.
	if strings.Contains(raw, "{MEMBER_UUID}") || strings.Contains(raw, "{TRACKING_PIXEL_LINK}") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if u.Host == lt.baseHost || staticHosts[u.Host] {
		return false
	}
	return true
}

// apply rewrites every qualifying anchor and iframe in doc.
func (lt *linkTracker) apply(doc *goquery.Document) {
	rewrite := func(attr string) func(int, *goquery.Selection) {
		return func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(attr)
			raw = strings.TrimSpace(raw)
			if !lt.trackable(raw) || s.Closest(untrackedAncestors).Length() > 0 {
				return
			}
			if !lt.seen[raw] {
				lt.seen[raw] = true
				lt.links = append(lt.links, raw)
			}
			s.SetAttr(attr, TrackURL(lt.base, lt.postID, raw))
		}
	}
	doc.Find("a[href]").Each(rewrite("href"))
	doc.Find("iframe[src]").Each(rewrite("src"))
}
