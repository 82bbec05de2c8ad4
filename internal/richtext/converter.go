// Package richtext translates between ticket HTML and chat markup.
package richtext

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
)

// MentionResolver maps a chat user id to a display name. An empty result
// leaves the mention label or raw id in place.
type MentionResolver func(platformUserID string) string

// Converter is stateless after construction and safe for concurrent use.
type Converter struct {
	userMention    *regexp.Regexp
	channelMention *regexp.Regexp
	specialMention *regexp.Regexp
	labeledLink    *regexp.Regexp
	bareLink       *regexp.Regexp
	bold           *regexp.Regexp
	strike         *regexp.Regexp
	spaces         *regexp.Regexp

	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

// NewConverter compiles the patterns used by both directions.
func NewConverter() *Converter {
	return &Converter{
		userMention:    regexp.MustCompile(`<@([A-Z0-9]+)(?:\|([^>]+))?>`),
		channelMention: regexp.MustCompile(`<#([A-Z0-9]+)(?:\|([^>]+))?>`),
		specialMention: regexp.MustCompile(`<!([^|>]+)(?:\|([^>]+))?>`),
		labeledLink:    regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9+.-]*:[^|>\s]+)\|([^>]+)>`),
		bareLink:       regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9+.-]*:[^|>\s]+)>`),
		bold:           regexp.MustCompile(`(^|[\s(>_~])\*([^*\n]+?)\*`),
		strike:         regexp.MustCompile(`(^|[\s(>_*])~([^~\n]+?)~`),
		spaces:         regexp.MustCompile(` {2,}`),

		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
	}
}
