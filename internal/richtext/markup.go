package richtext

import (
	"bytes"
	"strings"
)

// MarkupToHTML renders chat markup as sanitized HTML suitable for a ticket
// comment body. Mentions are replaced with plain display names.
func (c *Converter) MarkupToHTML(markup string, mentions MentionResolver) string {
	if strings.TrimSpace(markup) == "" {
		return ""
	}

	text := c.userMention.ReplaceAllStringFunc(markup, func(m string) string {
		parts := c.userMention.FindStringSubmatch(m)
		if mentions != nil {
			if name := mentions(parts[1]); name != "" {
				return "@" + name
			}
		}
		if parts[2] != "" {
			return "@" + parts[2]
		}
		return "@" + parts[1]
	})

	text = c.channelMention.ReplaceAllStringFunc(text, func(m string) string {
		parts := c.channelMention.FindStringSubmatch(m)
		if parts[2] != "" {
			return "#" + parts[2]
		}
		return "#" + parts[1]
	})

	text = c.specialMention.ReplaceAllStringFunc(text, func(m string) string {
		parts := c.specialMention.FindStringSubmatch(m)
		if parts[2] != "" {
			return parts[2]
		}
		return "@" + parts[1]
	})

	text = c.labeledLink.ReplaceAllString(text, "[$2]($1)")
	text = c.bareLink.ReplaceAllString(text, "<$1>")
	text = c.bold.ReplaceAllString(text, "$1**$2**")
	text = c.strike.ReplaceAllString(text, "$1~~$2~~")

	// Chat clients send quotes entity-encoded.
	text = strings.NewReplacer("&gt;", ">", "&lt;", "<", "&amp;", "&").Replace(text)

	var buf bytes.Buffer
	if err := c.markdown.Convert([]byte(text), &buf); err != nil {
		return c.policy.Sanitize("<p>" + markupEscaper.Replace(markup) + "</p>")
	}
	return strings.TrimSpace(c.policy.Sanitize(buf.String()))
}
