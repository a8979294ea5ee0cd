package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/legal-corpus-ingest/internal/fingerprint"
	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

var (
	numberInText   = regexp.MustCompile(`Số[:\s]+(\d+/\d{4}/[A-ZĐ0-9-]*[A-ZĐ0-9])`)
	numberInURL    = regexp.MustCompile(`(\d+)-(\d{4})-([A-Z]+\d*(?:-[A-Z]+\d*)*)`)
	effectiveSlash = regexp.MustCompile(`(?i)có hiệu lực[^.]*?(\d{1,2})/(\d{1,2})/(\d{4})`)
	effectiveWords = regexp.MustCompile(`(?i)có hiệu lực[^.]*?ngày\s+(\d{1,2})\s+tháng\s+(\d{1,2})\s+năm\s+(\d{4})`)
	issuedWords    = regexp.MustCompile(`(?i)ngày\s+(\d{1,2})\s+tháng\s+(\d{1,2})\s+năm\s+(\d{4})`)
	titleSuffix    = regexp.MustCompile(`\s*[-|]\s*(Thư viện Pháp luật|THƯ VIỆN PHÁP LUẬT).*$`)
)

var documentTypes = []struct {
	name string
	slug string
	code string
}{
	{"bộ luật", "bo-luat", "bo_luat"},
	{"nghị định", "nghi-dinh", "nghi_dinh"},
	{"nghị quyết", "nghi-quyet", "nghi_quyet"},
	{"thông tư", "thong-tu", "thong_tu"},
	{"quyết định", "quyet-dinh", "quyet_dinh"},
	{"luật", "luat", "luat"},
}

var authorities = []struct {
	suffix string
	name   string
}{
	{"UBTVQH", "Ủy ban Thường vụ Quốc hội"},
	{"QH", "Quốc hội"},
	{"NĐ-CP", "Chính phủ"},
	{"ND-CP", "Chính phủ"},
	{"NQ-CP", "Chính phủ"},
	{"QĐ-TTg", "Thủ tướng Chính phủ"},
	{"QD-TTg", "Thủ tướng Chính phủ"},
	{"TT-", "Bộ"},
}

func extractMetadata(doc *goquery.Document, sourceURL, fullText string) ingest.Document {
	meta := ingest.Document{
		Title: extractTitle(doc),
	}
	meta.Number = extractNumber(sourceURL, fullText)
	meta.Type = extractType(meta.Title, sourceURL)
	meta.IssuingAuthority = extractAuthority(meta.Number)
	meta.EffectiveDate = extractEffectiveDate(fullText)
	meta.IssuedDate = findDate(issuedWords, fullText)
	return meta
}

func extractTitle(doc *goquery.Document) string {
	for _, selector := range []string{"h1", ".title", "title"} {
		if t := fingerprint.Normalize(doc.Find(selector).First().Text()); t != "" {
			return titleSuffix.ReplaceAllString(t, "")
		}
	}
	return ""
}

func extractNumber(sourceURL, text string) string {
	if m := numberInText.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := numberInURL.FindStringSubmatch(sourceURL); m != nil {
		return m[1] + "/" + m[2] + "/" + m[3]
	}
	return ""
}

func extractType(title, sourceURL string) string {
	lowerTitle := strings.ToLower(title)
	lowerURL := strings.ToLower(sourceURL)
	for _, t := range documentTypes {
		if strings.HasPrefix(lowerTitle, t.name) {
			return t.code
		}
	}
	for _, t := range documentTypes {
		if strings.Contains(lowerURL, "/"+t.slug+"-") {
			return t.code
		}
	}
	return ""
}

func extractAuthority(number string) string {
	if number == "" {
		return ""
	}
	parts := strings.SplitN(number, "/", 3)
	if len(parts) < 3 {
		return ""
	}
	code := strings.ToUpper(parts[2])
	for _, a := range authorities {
		if strings.Contains(code, a.suffix) {
			return a.name
		}
	}
	return ""
}

func extractEffectiveDate(text string) *time.Time {
	if d := findDate(effectiveSlash, text); d != nil {
		return d
	}
	return findDate(effectiveWords, text)
}

func findDate(re *regexp.Regexp, text string) *time.Time {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	day, errD := strconv.Atoi(m[1])
	month, errM := strconv.Atoi(m[2])
	year, errY := strconv.Atoi(m[3])
	if errD != nil || errM != nil || errY != nil || month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return &d
}
