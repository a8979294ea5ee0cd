// Package parser turns fetched legal pages into a Document and its Chunks:
// metadata extraction, article ("Điều") segmentation with chapter tracking,
// and clause-level splitting of oversized articles.
package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/legal-corpus-ingest/internal/fingerprint"
	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

const (
	defaultMinArticleChars = 50
	defaultMaxChunkChars   = 380
)

// Config controls article filtering and chunk sizing.
type Config struct {
	// MinArticleChars drops articles whose normalised text is not longer.
	MinArticleChars int
	// MaxChunkChars is the size above which an article is split by clause.
	MaxChunkChars int
	// ContentRegions are tried in order to find the document body.
	ContentRegions []string
}

// Parser implements ingest.Parser.
type Parser struct {
	cfg Config
}

// New builds a Parser, filling zero values with defaults.
func New(cfg Config) *Parser {
	if cfg.MinArticleChars <= 0 {
		cfg.MinArticleChars = defaultMinArticleChars
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = defaultMaxChunkChars
	}
	if len(cfg.ContentRegions) == 0 {
		cfg.ContentRegions = fingerprint.DefaultRegions
	}
	return &Parser{cfg: cfg}
}

// Parse extracts document metadata and chunks from raw HTML. It returns
// ingest.ErrNoArticles when the page holds no recognisable article.
func (p *Parser) Parse(raw []byte, sourceURL string) (ingest.ParsedDocument, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return ingest.ParsedDocument{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, iframe, nav, header, footer, form").Remove()

	fullText := fingerprint.Normalize(fingerprint.NodeText(doc.Selection))
	meta := extractMetadata(doc, sourceURL, fullText)

	lines := blockLines(p.contentRegion(doc))
	articles := p.articles(lines)
	if len(articles) == 0 {
		return ingest.ParsedDocument{}, fmt.Errorf("parse %s: %w", sourceURL, ingest.ErrNoArticles)
	}

	var chunks []ingest.Chunk
	for seq, art := range articles {
		for _, fragment := range splitArticle(art, p.cfg.MaxChunkChars) {
			fragment.Seq = seq
			chunks = append(chunks, fragment)
		}
	}

	meta.SourceURL = sourceURL
	meta.Status = ingest.DocumentActive
	meta.ArticleCount = len(articles)
	return ingest.ParsedDocument{Document: meta, Chunks: chunks}, nil
}

func (p *Parser) contentRegion(doc *goquery.Document) *goquery.Selection {
	for _, selector := range p.cfg.ContentRegions {
		sel := doc.Find(selector).First()
		if sel.Length() > 0 {
			return sel
		}
	}
	return doc.Selection
}

// blockLines renders sel as text with one line per block element.
func blockLines(sel *goquery.Selection) []string {
	var (
		lines   []string
		current strings.Builder
	)
	flush := func() {
		if line := fingerprint.Normalize(current.String()); line != "" {
			lines = append(lines, line)
		}
		current.Reset()
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			current.WriteString(n.Data)
			return
		case html.ElementNode:
			if fingerprint.IsBlockElement(n.Data) {
				flush()
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && fingerprint.IsBlockElement(n.Data) {
			flush()
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	flush()
	return lines
}
