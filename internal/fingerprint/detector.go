// Package fingerprint implements the change detector: a stable SHA-256
// fingerprint over the normalised main-content text of a source page.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

// nonContentSelectors lists elements stripped before extracting text.
const nonContentSelectors = "script, style, noscript, iframe, nav, header, footer, form, " +
	".ads, .advertisement, .banner, [class*='quangcao'], [id*='quangcao']"

// DefaultRegions are tried in order; the first match is the main content.
var DefaultRegions = []string{
	"div.content1",
	"div.toanvancontent",
	"article",
	"main",
	"body",
}

// Detector computes content fingerprints.
type Detector struct {
	regions []string
}

// New returns a Detector that looks for the main content in regions, or in
// DefaultRegions when none are given.
func New(regions ...string) *Detector {
	if len(regions) == 0 {
		regions = DefaultRegions
	}
	return &Detector{regions: append([]string(nil), regions...)}
}

// Fingerprint returns the hex SHA-256 of the normalised main-content text.
func (d *Detector) Fingerprint(raw []byte) (string, error) {
	text, err := d.ExtractText(raw)
	if err != nil {
		return "", err
	}
	return HashText(text), nil
}

// HasChanged reports whether raw differs from what was last recorded for
// entry. It has no side effects.
func (d *Detector) HasChanged(entry ingest.RegistryEntry, raw []byte) (bool, error) {
	hash, err := d.Fingerprint(raw)
	if err != nil {
		return false, err
	}
	return entry.ChangedFrom(hash), nil
}

// ExtractText returns the normalised text of the main content region.
func (d *Detector) ExtractText(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(nonContentSelectors).Remove()
	region := d.mainRegion(doc)
	if region == nil {
		return "", nil
	}
	return Normalize(NodeText(region)), nil
}

func (d *Detector) mainRegion(doc *goquery.Document) *goquery.Selection {
	for _, selector := range d.regions {
		sel := doc.Find(selector).First()
		if sel.Length() > 0 {
			return sel
		}
	}
	return nil
}

var blockElements = map[string]bool{
	"html": true, "head": true, "title": true, "body": true, "main": true,
	"article": true, "section": true, "header": true, "footer": true, "nav": true,
	"div": true, "p": true, "br": true, "hr": true, "pre": true, "blockquote": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "dl": true, "dt": true, "dd": true,
	"table": true, "thead": true, "tbody": true, "tfoot": true, "tr": true, "td": true, "th": true,
}

// IsBlockElement reports whether tag starts a new line of rendered text.
func IsBlockElement(tag string) bool {
	return blockElements[tag]
}

// NodeText renders the text under sel the way a browser lays it out: text
// nodes are concatenated as written and block elements start a new line.
// Inline markup such as <b> or <span> therefore never changes the result.
func NodeText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if blockElements[n.Data] {
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return b.String()
}

// Normalize applies NFC composition and collapses every whitespace run to a
// single space.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// HashText returns the hex SHA-256 digest of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
