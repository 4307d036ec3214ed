package render

import (
	"fmt"
	"html"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ImageWidth is the fixed render width of image and gallery cards.
const ImageWidth = 600

var (
	youtubeEmbed = regexp.MustCompile(`youtube\.com/embed/([a-zA-Z0-9_-]+)`)
	vimeoEmbed   = regexp.MustCompile(`player\.vimeo\.com/video/([a-zA-Z0-9_-]+)`)
)

// FormatDuration renders seconds as m:ss, or h:mm:ss when there is at least one hour.
func FormatDuration(seconds float64) string {
	total := int(math.Round(seconds))
	if total < 0 {
		total = 0
	}
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// scaledHeight keeps the aspect ratio of w x h at ImageWidth.
func scaledHeight(w, h int) int {
	if w <= 0 {
		return 0
	}
	return int(math.Round(float64(h) * ImageWidth / float64(w)))
}

// isUnsplash reports whether src is served by the Unsplash image CDN.
func isUnsplash(src string) bool {
	u, err := url.Parse(src)
	return err == nil && u.Host == "images.unsplash.com"
}

// unsplashSource drops the requested size and asks for a 2x asset.
func unsplashSource(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return src
	}
	q := u.Query()
	q.Del("w")
	q.Del("h")
	q.Set("w", strconv.Itoa(ImageWidth*2))
	u.RawQuery = q.Encode()
	return u.String()
}

// imageCardSource returns the URL an image card should load.
func imageCardSource(s *goquery.Selection) string {
	src, _ := s.Find("img").First().Attr("src")
	if isUnsplash(src) {
		return unsplashSource(src)
	}
	return src
}

// embedVideo maps an iframe embed URL to its canonical watch link.
func embedVideo(embedURL string) string {
	if m := youtubeEmbed.FindStringSubmatch(embedURL); m != nil {
		return "https://youtu.be/" + m[1]
	}
	if m := vimeoEmbed.FindStringSubmatch(embedURL); m != nil {
		return "https://vimeo.com/" + m[1]
	}
	return ""
}

// cardAssets holds the remote lookups gathered before the DOM is rewritten.
type cardAssets struct {
	sizes  map[string]size
	thumbs map[string]string
}

func imgTag(alt, class, src string, dims size) string {
	var b strings.Builder
	b.WriteString(`<img alt="` + html.EscapeString(alt) + `"`)
	if class != "" {
		b.WriteString(` class="` + class + `"`)
	}
	fmt.Fprintf(&b, ` width="%d"`, ImageWidth)
	if dims.w > 0 {
		fmt.Fprintf(&b, ` height="%d"`, scaledHeight(dims.w, dims.h))
	}
	b.WriteString(` loading="lazy" src="` + html.EscapeString(src) + `">`)
	return b.String()
}

// rewriteCards replaces every known card with email-safe markup.
func rewriteCards(doc *goquery.Document, postURL string, assets cardAssets) {
	bookmarkCards(doc)
	fileCards(doc, postURL)
	audioCards(doc, postURL)
	videoCards(doc, postURL)
	galleryCards(doc, assets)
	twitterCards(doc)
	embedCards(doc, assets)
	imageCards(doc, assets)
}

func bookmarkCards(doc *goquery.Document) {
	doc.Find(".kg-bookmark-publisher").Each(func(_ int, s *goquery.Selection) {
		inner, _ := s.Html()
		s.SetHtml(`<span style="margin:0 6px">•</span>` + inner)
	})
	doc.Find(".kg-bookmark-thumbnail").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Find("img").Attr("src")
		if !ok || src == "" {
			return
		}
		style, _ := s.Attr("style")
		s.SetAttr("style", strings.TrimSpace(style+" background-image: url('"+src+"');"))
	})
}

const fileCardHTML = `<table border="0" cellpadding="4" cellspacing="0" style="border-collapse: separate; mso-table-lspace: 0; mso-table-rspace: 0; width: 100%%; margin: 0 0 1.5em 0; border-radius: 3px; border: 1px solid #e5eff5;" width="100%%"><tbody><tr><td style="font-size: 18px; vertical-align: top; color: #15212A;" valign="top">
<table border="0" cellpadding="0" cellspacing="0" style="border-collapse: separate; mso-table-lspace: 0; mso-table-rspace: 0; width: 100%%;" width="100%%"><tbody><tr>
<td style="font-size: 18px; color: #15212A; vertical-align: middle;" valign="middle">
<table border="0" cellpadding="0" cellspacing="0" style="border-collapse: separate; mso-table-lspace: 0; mso-table-rspace: 0; width: 100%%;" width="100%%"><tbody><tr><td style="font-size: 18px; vertical-align: top; color: #15212A;" valign="top"><a class="kg-file-title" href="%[1]s" target="_blank">%[2]s</a></td></tr></tbody></table>
%[3]s
<table border="0" cellpadding="0" cellspacing="0" style="border-collapse: separate; mso-table-lspace: 0; mso-table-rspace: 0; width: 100%%;" width="100%%"><tbody><tr><td style="font-size: 18px; vertical-align: top; color: #15212A;" valign="top"><a class="kg-file-meta" href="%[1]s" target="_blank"><span class="kg-file-name">%[4]s</span> • %[5]s</a></td></tr></tbody></table>
</td>
<td align="center" class="kg-file-thumbnail" valign="middle" width="80"><a href="%[1]s" target="_blank"></a><img alt class="kg-file-thumbnail placeholder" height="24" src="https://static.ghost.org/v4.0.0/images/download-icon-darkmode.png" width="24"></td>
</tr></tbody></table>
</td></tr></tbody></table>`

const fileCaptionHTML = `<table id="kg-file-caption-table" border="0" cellpadding="0" cellspacing="0" style="border-collapse: separate; mso-table-lspace: 0; mso-table-rspace: 0; width: 90%%;" width="90%%"><tbody><tr><td style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Helvetica, Arial, sans-serif, 'Apple Color Emoji', 'Segoe UI Emoji', 'Segoe UI Symbol'; font-size: 18px; vertical-align: top; color: #15212A;" valign="top"><a class="kg-file-description" href="%[1]s" target="_blank">%[2]s</a></td></tr></tbody></table>`

func fileCards(doc *goquery.Document, postURL string) {
	href := html.EscapeString(postURL)
	doc.Find(".kg-card.kg-file-card").Each(func(_ int, s *goquery.Selection) {
		text := func(sel string) string {
			return html.EscapeString(strings.TrimSpace(s.Find(sel).First().Text()))
		}
		caption := ""
		if c := text(".kg-file-card-caption"); c != "" {
			caption = fmt.Sprintf(fileCaptionHTML, href, c)
		}
		s.ReplaceWithHtml(fmt.Sprintf(fileCardHTML, href,
			text(".kg-file-card-title"),
			caption,
			text(".kg-file-card-metadata .kg-file-card-filename"),
			text(".kg-file-card-metadata .kg-file-card-filesize")))
	})
}

const audioCardHTML = `<table border="0" cellpadding="0" cellspacing="0" class="kg-audio-card" style="border-collapse: separate; mso-table-lspace: 0; mso-table-rspace: 0; width: 100%%; margin: 0 auto 1.5em; border-radius: 3px; border: 1px solid #e5eff5;" width="100%%"><tbody><tr><td style="font-size: 18px; vertical-align: top; color: #15212A;" valign="top">
<table border="0" cellpadding="0" cellspacing="0" style="border-collapse: separate; mso-table-lspace: 0; mso-table-rspace: 0; width: 100%%;" width="100%%"><tbody><tr>
<td style="font-size: 18px; vertical-align: top; color: #15212A;" valign="top" width="60"><a class="kg-audio-thumbnail" href="%[1]s" target="_blank"><img alt class="kg-audio-thumbnail placeholder" height="24" src="https://static.ghost.org/v4.0.0/images/audio-file-icon.png" width="24"></a></td>
<td style="font-size: 18px; color: #15212A; position: relative; vertical-align: center;" valign="center"><a class="kg-audio-title-overall" href="%[1]s" target="_blank"></a>
<table border="0" cellpadding="0" cellspacing="0" style="border-collapse: separate; mso-table-lspace: 0; mso-table-rspace: 0; width: 100%%;" width="100%%"><tbody>
<tr><td style="font-size: 18px; vertical-align: top; color: #15212A;" valign="top"><a class="kg-audio-title" href="%[1]s" target="_blank">%[2]s</a></td></tr>
<tr><td style="font-size: 18px; vertical-align: top; color: #15212A;" valign="top">
<table border="0" cellpadding="0" cellspacing="0" style="border-collapse: separate; mso-table-lspace: 0; mso-table-rspace: 0; width: 100%%;" width="100%%"><tbody><tr>
<td style="font-size: 18px; color: #15212A; vertical-align: middle;" valign="middle" width="24"><a class="kg-audio-play-button" href="%[1]s" target="_blank"></a></td>
<td style="font-size: 18px; color: #15212A; vertical-align: middle;" valign="middle"><a class="kg-audio-duration" href="%[1]s" target="_blank">%[3]s<span class="kg-audio-link"> • Click to play audio</span></a></td>
</tr></tbody></table>
</td></tr>
</tbody></table>
</td>
</tr></tbody></table>
</td></tr></tbody></table>`

func audioCards(doc *goquery.Document, postURL string) {
	href := html.EscapeString(postURL)
	doc.Find(".kg-card.kg-audio-card").Each(func(_ int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Find(".kg-audio-title").First().Text())
		duration := strings.TrimSpace(s.Find(".kg-audio-duration").First().Text())
		if secs, err := strconv.ParseFloat(duration, 64); err == nil {
			duration = FormatDuration(secs)
		}
		s.ReplaceWithHtml(fmt.Sprintf(audioCardHTML, href, html.EscapeString(title), html.EscapeString(duration)))
	})
}

// posterHTML is the table-based poster frame with a play button shared by video and embed cards.
const posterHTML = `<table background="%[1]s" border="0" cellpadding="0" cellspacing="0" role="presentation" style="border-collapse: separate; mso-table-lspace: 0; mso-table-rspace: 0; width: 100%%; background-size: cover; min-height: 200px; background: url('%[1]s') left top / cover; mso-hide: all;" width="100%%"><tbody><tr style="mso-hide: all">
<td style="font-size: 18px; vertical-align: top; color: #15212A; visibility: hidden; mso-hide: all;" valign="top" width="25%%"><img alt="" border="0" height="auto" src="https://img.spacergif.org/v1/%[2]s/0a/spacer.png" style="border: none; -ms-interpolation-mode: bicubic; max-width: 100%%; height: auto; opacity: 0; visibility: hidden; mso-hide: all;" width="100%%"></td>
<td align="center" style="font-size: 18px; color: #15212A; vertical-align: middle; mso-hide: all;" valign="middle" width="50%%"><div class="kg-video-play-button"><div class="video-play-arrow" style="display: block; width: 0; height: 0; margin: 0 auto; line-height: 0; border-color: transparent transparent transparent white; border-style: solid; border-width: 0.8em 0 0.8em 1.5em; mso-hide: all;"></div></div></td>
<td style="font-size: 18px; vertical-align: top; color: #15212A; mso-hide: all;" valign="top" width="25%%">&nbsp;</td>
</tr></tbody></table>`

func poster(thumbnail, spacer string) string {
	return fmt.Sprintf(posterHTML, html.EscapeString(thumbnail), spacer)
}

func videoCards(doc *goquery.Document, postURL string) {
	doc.Find(".kg-card.kg-video-card").Each(func(_ int, s *goquery.Selection) {
		thumb := s.AttrOr("data-kg-custom-thumbnail", "")
		if thumb == "" {
			thumb = s.AttrOr("data-kg-thumbnail", "")
		}
		if thumb == "" {
			thumb = spacerURL
		}
		s.ReplaceWithHtml(`<a href="` + html.EscapeString(postURL) + `" target="_blank"><div class="kg-video-container">` +
			poster(thumb, "150x338") + `</div></a>`)
	})
}

func galleryCards(doc *goquery.Document, assets cardAssets) {
	doc.Find(".kg-gallery-card .kg-gallery-image img").Each(func(_ int, s *goquery.Selection) {
		src := s.AttrOr("src", "")
		if src == "" {
			return
		}
		s.ReplaceWithHtml(`<a href="` + html.EscapeString(src) + `">` +
			imgTag("", "", src, assets.sizes[src]) + `</a>`)
	})
}

func twitterCards(doc *goquery.Document) {
	doc.Find(".kg-card.kg-embed-card").Each(func(_ int, s *goquery.Selection) {
		if s.Find(".twitter-tweet").Length() == 0 {
			return
		}
		inner, _ := s.Html()
		s.ReplaceWithHtml(`<div class="kg-card kg-embed-card" style="margin: 0 0 1.5em; padding: 0;">` + inner + `</div>`)
	})
}

func embedCards(doc *goquery.Document, assets cardAssets) {
	doc.Find(".kg-card.kg-embed-card").Each(func(_ int, s *goquery.Selection) {
		link := embedVideo(s.Find("iframe").AttrOr("src", ""))
		if link == "" {
			return
		}
		thumb := assets.thumbs[link]
		if thumb == "" {
			thumb = spacerURL
		}
		s.ReplaceWithHtml(`<div class="kg-card kg-embed-card" style="margin: 0 0 1.5em; padding: 0;">` +
			`<a class="kg-video-preview" href="` + html.EscapeString(link) + `" target="_blank">` +
			poster(thumb, "150x450") + `</a></div>`)
	})
}

func imageCards(doc *goquery.Document, assets cardAssets) {
	doc.Find(".kg-card.kg-image-card").Each(func(_ int, s *goquery.Selection) {
		img := s.Find("img").First()
		if img.Length() == 0 {
			return
		}
		src := imageCardSource(s)
		href := src
		if parent := img.Parent(); parent.Is("a") {
			href = parent.AttrOr("href", src)
		}

		var b strings.Builder
		b.WriteString(`<div class="kg-card kg-image-card"><a href="` + html.EscapeString(href) + `">`)
		b.WriteString(imgTag(img.AttrOr("alt", ""), "kg-image", src, assets.sizes[src]))
		b.WriteString(`</a>`)
		if caption, _ := s.Find("figcaption").First().Html(); strings.TrimSpace(caption) != "" {
			b.WriteString(`<div class="kg-image-card-caption">` + caption + `</div>`)
		}
		b.WriteString(`</div>`)
		s.ReplaceWithHtml(b.String())
	})
}
