// Package render turns markdown chat answers into HTML or plain text
// for terminal and document output.
package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// md renders GitHub-flavored markdown; models answer with tables and
// task lists often enough to need it.
var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML renders markdown to an HTML fragment.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// Document renders markdown to a standalone HTML page with no
// external resources.
func Document(title, markdown string) (string, error) {
	body, err := HTML(markdown)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, html.EscapeString(title), body), nil
}

// Plain renders markdown to readable plain text: formatting is
// dropped, block structure becomes blank lines, list items get a
// bullet.
func Plain(markdown string) (string, error) {
	rendered, err := HTML(markdown)
	if err != nil {
		return "", err
	}
	doc, err := html.Parse(strings.NewReader(rendered))
	if err != nil {
		return "", fmt.Errorf("parse rendered html: %w", err)
	}
	var b strings.Builder
	extractText(doc, &b)
	return cleanWhitespace(b.String()), nil
}

// extractText walks the DOM writing visible text. Preformatted blocks
// keep their line structure.
func extractText(n *html.Node, w *strings.Builder) {
	switch n.Type {
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style:
			return
		case atom.Pre:
			w.WriteString("\n\n")
			w.WriteString(textContent(n))
			w.WriteString("\n\n")
			return
		case atom.Li:
			w.WriteString("\n- ")
		case atom.Br:
			w.WriteString("\n")
		}
		if isBlockElement(n.DataAtom) {
			w.WriteString("\n\n")
		}
	case html.TextNode:
		// Newlines between rendered blocks carry no content.
		if strings.TrimSpace(n.Data) == "" && strings.Contains(n.Data, "\n") {
			return
		}
		w.WriteString(n.Data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}

	if n.Type == html.ElementNode {
		switch {
		case isBlockElement(n.DataAtom):
			w.WriteString("\n\n")
		case n.DataAtom == atom.Td || n.DataAtom == atom.Th:
			w.WriteString("\t")
		case n.DataAtom == atom.Tr:
			w.WriteString("\n")
		}
	}
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return strings.TrimRight(b.String(), "\n")
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Ul, atom.Ol, atom.Table, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace trims each line's trailing space and collapses runs
// of blank lines to one.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	cleaned := make([]string, 0, len(lines))
	prevEmpty := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
