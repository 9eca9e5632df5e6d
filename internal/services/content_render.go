package services

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	collapseSpace  = regexp.MustCompile(`\s+`)
)

// ContentRenderer turns stored letter and blog text into sanitised HTML and previews.
type ContentRenderer struct {
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
	strip    *bluemonday.Policy
}

// NewContentRenderer constructs a renderer with the site's HTML policy.
func NewContentRenderer() *ContentRenderer {
	policy := bluemonday.UGCPolicy()
	policy.AllowElements("figure", "figcaption")
	policy.AllowAttrs("loading").OnElements("img")
	policy.RequireNoFollowOnLinks(true)
	return &ContentRenderer{
		markdown: goldmark.New(goldmark.WithExtensions(extension.Typographer)),
		policy:   policy,
		strip:    bluemonday.StrictPolicy(),
	}
}

// HTML renders markdown text into sanitised HTML. Rendering failures fall back to escaped paragraphs.
func (r *ContentRenderer) HTML(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(text), &buf); err != nil {
		buf.Reset()
		for _, p := range SplitParagraphs(text) {
			buf.WriteString("<p>" + html.EscapeString(p) + "</p>\n")
		}
	}
	return r.policy.Sanitize(buf.String())
}

// PlainText strips markup from text.
func (r *ContentRenderer) PlainText(text string) string {
	rendered := r.HTML(text)
	plain := html.UnescapeString(r.strip.Sanitize(rendered))
	return strings.TrimSpace(collapseSpace.ReplaceAllString(plain, " "))
}

// Excerpt returns at most limit runes of plain text, cut at a word boundary.
func (r *ContentRenderer) Excerpt(text string, limit int) string {
	plain := r.PlainText(text)
	if limit <= 0 || utf8.RuneCountInString(plain) <= limit {
		return plain
	}
	runes := []rune(plain)
	cut := string(runes[:limit])
	if idx := strings.LastIndex(cut, " "); idx > limit/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}

// SplitParagraphs splits text on blank lines, dropping empty paragraphs.
func SplitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := paragraphBreak.Split(strings.TrimSpace(text), -1)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
