package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/fingerprint"
	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

// discoveredLink is a candidate document link found on a listing page.
type discoveredLink struct {
	URL   string
	Title string
}

// discover crawls the category listing page and registers document links
// that are not tracked yet. Identity is URL equality only: a document that
// moved to a new URL is registered as a new entry.
func (o *Orchestrator) discover(ctx context.Context, st *runState) phaseResult {
	category := st.category
	if !o.cfg.DiscoveryEnabled || category.ListingURL == "" {
		return ok()
	}
	logger := o.logger.With(zap.String("category", category.Name), zap.String("run_id", st.run.ID))
	if category.LinkPattern == "" {
		st.warn("discovery: category has a listing url but no link pattern")
		return okOrPartial(true)
	}
	pattern, err := regexp.Compile(category.LinkPattern)
	if err != nil {
		st.warn(fmt.Sprintf("discovery: invalid link pattern: %v", err))
		return okOrPartial(true)
	}

	if st.stopped(ctx) {
		return ok()
	}
	if err := st.pacer.Wait(ctx, category.ListingURL); err != nil {
		st.interrupted = true
		return ok()
	}
	resp, err := o.fetcher.Fetch(ctx, ingest.FetchRequest{URL: category.ListingURL})
	if err != nil {
		if ctx.Err() != nil {
			st.interrupted = true
			return ok()
		}
		logger.Warn("listing fetch failed", zap.String("url", category.ListingURL), zap.Error(err))
		st.warn(fmt.Sprintf("discovery: fetch listing %s: %v", category.ListingURL, err))
		return okOrPartial(true)
	}
	links, err := extractLinks(resp.Body, category.ListingURL, pattern)
	if err != nil {
		st.warn(fmt.Sprintf("discovery: %v", err))
		return okOrPartial(true)
	}

	active, err := o.registry.ListActive(ctx, category.Name)
	if err != nil {
		return fatal(fmt.Errorf("list entries: %w", err))
	}
	known := make(map[string]struct{}, len(active))
	for _, entry := range active {
		known[entry.URL] = struct{}{}
	}

	added := 0
	for _, link := range links {
		if _, tracked := known[link.URL]; tracked {
			continue
		}
		if added >= o.cfg.MaxDiscovered {
			logger.Info("discovery cap reached", zap.Int("max_discovered", o.cfg.MaxDiscovered))
			break
		}
		entry, err := o.registry.UpsertDiscovered(ctx, category.Name, link.URL, ingest.EntryMetadata{
			Title:    link.Title,
			Role:     ingest.RoleRelated,
			Priority: o.cfg.DiscoveredPriority,
		})
		if err != nil {
			return fatal(fmt.Errorf("register %s: %w", link.URL, err))
		}
		added++
		logger.Debug("entry discovered", zap.String("url", link.URL), zap.String("entry_id", entry.ID))
	}
	logger.Info("discovery finished", zap.Int("links", len(links)), zap.Int("added", added))
	return ok()
}

// extractLinks resolves every a[href] of a listing page against base and
// keeps same-host http(s) links matching pattern, in page order.
func extractLinks(raw []byte, base string, pattern *regexp.Regexp) ([]discoveredLink, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	var links []discoveredLink
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := baseURL.ResolveReference(ref)
		abs.Fragment = ""
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if !strings.EqualFold(abs.Hostname(), baseURL.Hostname()) {
			return
		}
		link := abs.String()
		if !pattern.MatchString(link) {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, discoveredLink{URL: link, Title: fingerprint.Normalize(a.Text())})
	})
	return links, nil
}
