package newsletter

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))
	policy   = bluemonday.UGCPolicy()
)

// Footer converts the configured footer markdown to sanitised HTML.
func Footer(source string) (template.HTML, error) {
	if strings.TrimSpace(source) == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("render footer markdown: %w", err)
	}
	return template.HTML(policy.SanitizeBytes(buf.Bytes())), nil
}

// sanitize cleans an HTML fragment supplied by the CMS, such as an image caption.
func sanitize(fragment string) template.HTML {
	if fragment == "" {
		return ""
	}
	return template.HTML(policy.Sanitize(fragment))
}
