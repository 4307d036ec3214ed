// Package newsletter assembles a post into its email variants and hands them to delivery.
package newsletter

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	"github.com/ItzNotABug/ghosler/config"
	"github.com/ItzNotABug/ghosler/delivery"
	"github.com/ItzNotABug/ghosler/pkg/ghosler"
	"github.com/ItzNotABug/ghosler/render"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

const (
	latestPostsLimit = 3
	defaultAccent    = "#15212A"
	ghostLink        = "https://ghost.org/?via=pbg-newsletter"
	ghoslerLink      = "https://github.com/ItzNotABug/ghosler"
)

// html/template percent-encodes the braces of the per-recipient URL placeholders.
var placeholders = strings.NewReplacer(
	"%7bMEMBER_UUID%7d", delivery.MemberUUIDToken,
	"%7BMEMBER_UUID%7D", delivery.MemberUUIDToken,
	"%7bTRACKING_PIXEL_LINK%7d", delivery.TrackingPixelToken,
	"%7BTRACKING_PIXEL_LINK%7D", delivery.TrackingPixelToken,
)

// Source is the CMS the newsletter data is read from.
type Source interface {
	Site(ctx context.Context) (*ghosler.Site, error)
	Members(ctx context.Context, newsletterID string) ([]*ghosler.Subscriber, error)
	CommentsEnabled(ctx context.Context) bool
	LatestPosts(ctx context.Context, excludeID string, limit int) ([]ghosler.PostSummary, error)
}

// Renderer turns template output into email-safe HTML.
type Renderer interface {
	Render(ctx context.Context, in render.Input) (render.Result, error)
}

// Sender delivers a prepared job.
type Sender interface {
	Send(ctx context.Context, job delivery.Job) (delivery.Report, error)
}

// Newsletter builds and sends the email for a post.
type Newsletter struct {
	cfg      *config.Provider
	source   Source
	renderer Renderer
	sender   Sender
	logger   *slog.Logger
}

// New creates a Newsletter.
func New(cfg *config.Provider, source Source, renderer Renderer, sender Sender, logger *slog.Logger) *Newsletter {
	return &Newsletter{
		cfg:      cfg,
		source:   source,
		renderer: renderer,
		sender:   sender,
		logger:   logger,
	}
}

type postView struct {
	URL                 string
	Date                string
	Title               string
	Author              string
	Content             template.HTML
	Comments            string
	FeatureImage        string
	FeatureImageAlt     string
	FeatureImageCaption template.HTML
}

// memberView is the subscription block. Sends carry per-recipient placeholders, previews sample values.
type memberView struct {
	Name    string
	Email   string
	Status  string
	Created string
}

type templateData struct {
	Site            *ghosler.Site
	Post            postView
	Member          memberView
	AccentColor     string
	Year            int
	TrackingPixel   string
	UnsubscribeLink string
	UpgradeLink     string
	ManageLink      string
	MoreLikeThis    string
	LessLikeThis    string
	GhostLink       string
	GhoslerLink     string
	LatestPosts     []ghosler.PostSummary
	FooterContent   template.HTML
	Paywall         bool

	CenterTitle          bool
	ShowComments         bool
	ShowFeedback         bool
	ShowSubscription     bool
	ShowFeaturedImage    bool
	ShowPoweredByGhost   bool
	ShowPoweredByGhosler bool
}

func (n *Newsletter) data(site *ghosler.Site, post *ghosler.Post, commentsEnabled bool, uuid string) (templateData, error) {
	opts := n.cfg.Settings().Newsletter
	footer, err := Footer(opts.FooterContent)
	if err != nil {
		return templateData{}, err
	}
	accent := site.AccentColor
	if accent == "" {
		accent = defaultAccent
	}
	return templateData{
		Site: site,
		Member: memberView{
			Name:    delivery.MemberNameToken,
			Email:   delivery.MemberEmailToken,
			Status:  delivery.MemberStatusToken,
			Created: delivery.MemberCreatedToken,
		},
		Post: postView{
			URL:                 post.URL,
			Date:                post.Date,
			Title:               post.Title,
			Author:              post.PrimaryAuthor,
			Comments:            commentsLink(post.URL),
			FeatureImage:        post.FeatureImage,
			FeatureImageAlt:     post.FeatureImageAlt,
			FeatureImageCaption: sanitize(post.FeatureImageCaption),
		},
		AccentColor:     accent,
		Year:            time.Now().Year(),
		GhostLink:       ghostLink,
		GhoslerLink:     ghoslerLink,
		FooterContent:   footer,
		UnsubscribeLink: delivery.UnsubscribeTemplate(site),
		UpgradeLink:     portalLink(site, "account/plans"),
		ManageLink:      portalLink(site, "account"),
		MoreLikeThis:    feedbackLink(post, 1, uuid),
		LessLikeThis:    feedbackLink(post, 0, uuid),

		CenterTitle:          opts.CenterTitle,
		ShowComments:         opts.ShowComments && commentsEnabled,
		ShowFeedback:         opts.ShowFeedback,
		ShowSubscription:     opts.ShowSubscription,
		ShowFeaturedImage:    opts.ShowFeaturedImage,
		ShowPoweredByGhost:   opts.ShowPoweredByGhost,
		ShowPoweredByGhosler: opts.ShowPoweredByGhosler,
	}, nil
}

func commentsLink(postURL string) string {
	return postURL + "#ghost-comments"
}

// portalLink opens a page of the CMS members portal.
func portalLink(site *ghosler.Site, page string) string {
	base := site.URL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "#/portal/" + page
}

// feedbackLink records a post rating for the member in the CMS.
func feedbackLink(post *ghosler.Post, score int, uuid string) string {
	return fmt.Sprintf("%s#/feedback/%s/%d/?uuid=%s", post.URL, post.ID, score, uuid)
}

// execute renders the template with content as the post body.
func execute(data templateData, content string, paywall bool) (string, error) {
	data.Post.Content = template.HTML(content)
	data.Paywall = paywall
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "newsletter.tmpl", data); err != nil {
		return "", fmt.Errorf("execute newsletter template: %w", err)
	}
	return placeholders.Replace(buf.String()), nil
}

// excluded lists the links that are never rewritten for click tracking: the post itself,
// its featured image and every portal, feedback and footer link.
func (d templateData) excluded() []string {
	return []string{
		d.Post.URL,
		strings.TrimRight(d.Post.URL, "/"),
		d.Post.URL + "/",
		d.Post.Comments,
		d.Post.FeatureImage,
		d.UnsubscribeLink,
		d.UpgradeLink,
		d.ManageLink,
		d.MoreLikeThis,
		d.LessLikeThis,
		d.GhostLink,
		d.GhoslerLink,
	}
}

// Send renders post for every subscriber of target and delivers it.
// A nil target sends to every subscribed member.
func (n *Newsletter) Send(ctx context.Context, post *ghosler.Post, target *ghosler.Newsletter) (delivery.Report, error) {
	var newsletterID, newsletterName string
	if target != nil {
		newsletterID, newsletterName = target.ID, target.Name
	}
	logger := n.logger.With("post_id", post.ID, "newsletter_id", newsletterID)

	site, err := n.source.Site(ctx)
	if err != nil {
		return delivery.Report{}, fmt.Errorf("fetch site: %w", err)
	}
	subs, err := n.source.Members(ctx, newsletterID)
	if err != nil {
		return delivery.Report{}, fmt.Errorf("fetch members: %w", err)
	}
	if len(subs) == 0 {
		logger.Info("Site has no subscribed members, not sending")
		return delivery.Report{}, delivery.ErrNoSubscribers
	}
	logger.Info("Preparing newsletter", "subscribers", len(subs))

	opts := n.cfg.Settings().Newsletter
	data, err := n.data(site, post, opts.ShowComments && n.source.CommentsEnabled(ctx), delivery.MemberUUIDToken)
	if err != nil {
		return delivery.Report{}, err
	}
	if opts.ShowLatestPosts {
		latest, err := n.source.LatestPosts(ctx, post.ID, latestPostsLimit)
		if err != nil {
			logger.Warn("Could not fetch latest posts, continuing without them", "error", err)
		}
		data.LatestPosts = latest
	}
	data.TrackingPixel = delivery.NewPersonalizer(n.cfg).PixelURL()

	full, partial, gated := Segment(post.Content)
	fullResult, err := n.transform(ctx, post, data, full, false, opts.TrackLinks)
	if err != nil {
		return delivery.Report{}, err
	}
	job := delivery.Job{
		Post:           post,
		Site:           site,
		Subscribers:    subs,
		NewsletterName: newsletterName,
		Full:           fullResult.HTML,
		TrackedLinks:   fullResult.TrackedLinks,
	}
	if gated {
		partialResult, err := n.transform(ctx, post, data, partial, true, opts.TrackLinks)
		if err != nil {
			return delivery.Report{}, err
		}
		job.Partial = partialResult.HTML
		job.TrackedLinks = mergeLinks(job.TrackedLinks, partialResult.TrackedLinks)
	}

	return n.sender.Send(ctx, job)
}

func (n *Newsletter) transform(ctx context.Context, post *ghosler.Post, data templateData, content string, paywall, track bool) (render.Result, error) {
	html, err := execute(data, content, paywall)
	if err != nil {
		return render.Result{}, err
	}
	res, err := n.renderer.Render(ctx, render.Input{
		PostID:     post.ID,
		PostURL:    post.URL,
		HTML:       html,
		TrackLinks: track,
		Excluded:   data.excluded(),
	})
	if err != nil {
		return render.Result{}, fmt.Errorf("render newsletter: %w", err)
	}
	return res, nil
}

// mergeLinks appends the links of b missing from a, keeping first-seen order.
func mergeLinks(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, u := range a {
		seen[u] = true
	}
	for _, u := range b {
		if !seen[u] {
			seen[u] = true
			a = append(a, u)
		}
	}
	return a
}

// Preview renders a sample post with the current customisation settings. Links are not tracked.
func (n *Newsletter) Preview(ctx context.Context) (string, error) {
	data, err := n.data(previewSite(), previewPost(), true, "")
	if err != nil {
		return "", err
	}
	data.Member = previewMember
	data.UnsubscribeLink = previewSite().URL + "unsubscribe"
	res, err := n.transform(ctx, previewPost(), data, previewContent, false, false)
	if err != nil {
		return "", err
	}
	return res.HTML, nil
}
