package richtext

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const indentUnit = "    "

var markupEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// EscapeMarkup escapes plain text for inclusion in chat markup.
func EscapeMarkup(text string) string {
	return markupEscaper.Replace(text)
}

// HTMLToMarkup renders ticket comment HTML as chat markup.
func (c *Converter) HTMLToMarkup(source string) string {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(source), context)
	if err != nil {
		return markupEscaper.Replace(strings.TrimSpace(source))
	}

	r := &htmlRenderer{conv: c}
	return strings.Join(r.blocks(nodes), "\n")
}

type htmlRenderer struct {
	conv *Converter
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer,
		atom.Ul, atom.Ol, atom.Li, atom.Blockquote, atom.Pre, atom.Hr,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Table, atom.Thead, atom.Tbody, atom.Tfoot, atom.Tr:
		return true
	}
	return false
}

func isSkipped(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Head, atom.Title:
		return true
	}
	return false
}

func children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func isIndent(n *html.Node) bool {
	class := attr(n, "class")
	style := attr(n, "style")
	return strings.Contains(class, "zd-indent") || strings.Contains(style, "margin-left")
}

// blocks renders a node sequence as a list of blocks. Runs of inline content
// between block elements become their own block.
func (r *htmlRenderer) blocks(nodes []*html.Node) []string {
	var out []string
	var run strings.Builder

	flush := func() {
		if text := r.normalizeRun(run.String()); text != "" {
			out = append(out, text)
		}
		run.Reset()
	}

	for _, n := range nodes {
		if n.Type == html.ElementNode && isSkipped(n.DataAtom) {
			continue
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			flush()
			out = append(out, r.block(n)...)
			continue
		}
		run.WriteString(r.inline(n))
	}
	flush()
	return out
}

func (r *htmlRenderer) block(n *html.Node) []string {
	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		text := r.normalizeRun(r.inlineChildren(n))
		if text == "" {
			return nil
		}
		return []string{"*" + text + "*"}
	case atom.Ul, atom.Ol:
		return r.list(n, 0)
	case atom.Blockquote:
		inner := strings.Join(r.blocks(children(n)), "\n")
		if inner == "" {
			return nil
		}
		return []string{prefixLines(inner, "> ")}
	case atom.Pre:
		text := strings.Trim(textContent(n), "\n")
		return []string{"```\n" + markupEscaper.Replace(text) + "\n```"}
	case atom.Hr:
		return nil
	case atom.Tr:
		var cells []string
		for _, cell := range children(n) {
			if cell.Type != html.ElementNode {
				continue
			}
			if text := r.normalizeRun(r.inlineChildren(cell)); text != "" {
				cells = append(cells, text)
			}
		}
		if len(cells) == 0 {
			return nil
		}
		return []string{strings.Join(cells, " | ")}
	case atom.Li:
		text := r.normalizeRun(r.inlineChildren(n))
		if text == "" {
			return nil
		}
		return []string{"• " + text}
	case atom.Div:
		inner := r.blocks(children(n))
		if isIndent(n) {
			for i := range inner {
				inner[i] = prefixLines(inner[i], indentUnit)
			}
		}
		return inner
	default:
		return r.blocks(children(n))
	}
}

// list renders ul/ol items at the given nesting depth.
func (r *htmlRenderer) list(n *html.Node, depth int) []string {
	ordered := n.DataAtom == atom.Ol
	number := 1
	if start, err := strconv.Atoi(attr(n, "start")); err == nil && ordered {
		number = start
	}

	indent := strings.Repeat(indentUnit, depth)
	var lines []string
	for item := n.FirstChild; item != nil; item = item.NextSibling {
		if item.Type != html.ElementNode || item.DataAtom != atom.Li {
			continue
		}

		marker := "•"
		if ordered {
			marker = fmt.Sprintf("%d.", number)
			number++
		}

		var text strings.Builder
		var nested []string
		for _, child := range children(item) {
			if child.Type == html.ElementNode && (child.DataAtom == atom.Ul || child.DataAtom == atom.Ol) {
				nested = append(nested, r.list(child, depth+1)...)
				continue
			}
			if child.Type == html.ElementNode && isBlock(child.DataAtom) {
				text.WriteString(" ")
				text.WriteString(r.inlineChildren(child))
				text.WriteString(" ")
				continue
			}
			text.WriteString(r.inline(child))
		}

		body := r.normalizeRun(text.String())
		continuation := indent + strings.Repeat(" ", utf8.RuneCountInString(marker)+1)
		itemLines := strings.Split(body, "\n")
		lines = append(lines, indent+marker+" "+itemLines[0])
		for _, l := range itemLines[1:] {
			lines = append(lines, continuation+l)
		}
		lines = append(lines, nested...)
	}
	return lines
}

func (r *htmlRenderer) inlineChildren(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(r.inline(c))
	}
	return b.String()
}

func (r *htmlRenderer) inline(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return markupEscaper.Replace(collapseWhitespace(n.Data))
	case html.ElementNode:
	default:
		return ""
	}

	if isSkipped(n.DataAtom) {
		return ""
	}

	switch n.DataAtom {
	case atom.B, atom.Strong:
		return wrap("*", r.inlineChildren(n))
	case atom.I, atom.Em, atom.U:
		return wrap("_", r.inlineChildren(n))
	case atom.S, atom.Strike, atom.Del:
		return wrap("~", r.inlineChildren(n))
	case atom.Code:
		text := collapseWhitespace(textContent(n))
		if strings.TrimSpace(text) == "" {
			return text
		}
		return "`" + markupEscaper.Replace(text) + "`"
	case atom.Br:
		return "\n"
	case atom.A:
		href := strings.TrimSpace(attr(n, "href"))
		text := strings.TrimSpace(r.inlineChildren(n))
		if href == "" {
			return text
		}
		if text == "" || text == markupEscaper.Replace(href) {
			return "<" + href + ">"
		}
		return "<" + href + "|" + text + ">"
	case atom.Img:
		src := attr(n, "src")
		if src == "" {
			return ""
		}
		if alt := strings.TrimSpace(attr(n, "alt")); alt != "" {
			return "<" + src + "|" + markupEscaper.Replace(alt) + ">"
		}
		return "<" + src + ">"
	default:
		return r.inlineChildren(n)
	}
}

// normalizeRun trims each line of an inline run and drops leading and
// trailing blank lines.
func (r *htmlRenderer) normalizeRun(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(r.conv.spaces.ReplaceAllString(l, " "))
	}
	for len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func wrap(marker, inner string) string {
	trimmed := strings.TrimSpace(inner)
	if trimmed == "" {
		return inner
	}
	lead := inner[:len(inner)-len(strings.TrimLeft(inner, " \n"))]
	trail := inner[len(strings.TrimRight(inner, " \n")):]
	return lead + marker + trimmed + marker + trail
}

// collapseWhitespace folds each run of HTML whitespace into one space.
func collapseWhitespace(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		if isHTMLSpace(r) {
			pending = true
			continue
		}
		if pending {
			b.WriteByte(' ')
			pending = false
		}
		b.WriteRune(r)
	}
	if pending {
		b.WriteByte(' ')
	}
	return b.String()
}

func isHTMLSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func prefixLines(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l == "" {
			lines[i] = strings.TrimRight(prefix, " ")
			continue
		}
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
