package parser

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/legal-corpus-ingest/internal/fingerprint"
	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

var (
	articleLine = regexp.MustCompile(`(?i)^Điều\s+(\d+)\s*\.?\s*(.*)$`)
	chapterLine = regexp.MustCompile(`^(?:Chương|CHƯƠNG)\s+[IVXLCDM\d]+\b`)
	clauseLine  = regexp.MustCompile(`^\d+\.\s+`)
)

type article struct {
	number  int
	title   string
	chapter string
	lines   []string
}

func (a article) text() string {
	return strings.Join(a.lines, "\n")
}

// articles segments lines into articles, keeping the longest text when an
// article number repeats and dropping articles that are too short.
func (p *Parser) articles(lines []string) []article {
	var (
		out     []article
		current *article
		chapter string
	)
	closeCurrent := func() {
		if current != nil {
			out = append(out, *current)
			current = nil
		}
	}
	for _, line := range lines {
		if chapterLine.MatchString(line) {
			closeCurrent()
			chapter = line
			continue
		}
		if m := articleLine.FindStringSubmatch(line); m != nil {
			closeCurrent()
			num, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			current = &article{number: num, title: strings.TrimSpace(m[2]), chapter: chapter, lines: []string{line}}
			continue
		}
		if current != nil {
			current.lines = append(current.lines, line)
		}
	}
	closeCurrent()

	index := make(map[int]int, len(out))
	var kept []article
	for _, art := range out {
		if utf8.RuneCountInString(fingerprint.Normalize(art.text())) <= p.cfg.MinArticleChars {
			continue
		}
		if i, ok := index[art.number]; ok {
			if len(art.text()) > len(kept[i].text()) {
				kept[i] = art
			}
			continue
		}
		index[art.number] = len(kept)
		kept = append(kept, art)
	}
	return kept
}

// splitArticle returns a single whole-article chunk (index 0) or, for long
// articles, clause-packed fragments indexed from 1, each after the first
// prefixed with the article header line.
func splitArticle(art article, maxChars int) []ingest.Chunk {
	whole := art.text()
	if utf8.RuneCountInString(whole) <= maxChars {
		return []ingest.Chunk{newChunk(art, whole, 0)}
	}

	header := art.lines[0]
	var clauses []string
	var current []string
	for _, line := range art.lines {
		if clauseLine.MatchString(line) && len(current) > 0 {
			clauses = append(clauses, strings.Join(current, "\n"))
			current = nil
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		clauses = append(clauses, strings.Join(current, "\n"))
	}
	if len(clauses) < 2 {
		return []ingest.Chunk{newChunk(art, whole, 0)}
	}

	var (
		chunks []ingest.Chunk
		buf    string
	)
	for _, clause := range clauses {
		if buf != "" && utf8.RuneCountInString(buf+"\n"+clause) > maxChars {
			chunks = append(chunks, newChunk(art, buf, len(chunks)+1))
			buf = header + "\n" + clause
			continue
		}
		if buf == "" {
			buf = clause
		} else {
			buf += "\n" + clause
		}
	}
	if buf != "" {
		chunks = append(chunks, newChunk(art, buf, len(chunks)+1))
	}
	if len(chunks) == 1 {
		chunks[0].ChunkIndex = 0
	}
	return chunks
}

func newChunk(art article, text string, index int) ingest.Chunk {
	return ingest.Chunk{
		ChunkIndex:    index,
		ArticleNumber: art.number,
		ArticleTitle:  art.title,
		Chapter:       art.chapter,
		Text:          text,
		Hash:          fingerprint.HashText(text),
	}
}
