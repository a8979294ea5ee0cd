package parser

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

const lawURL = "https://thuvienphapluat.vn/van-ban/Bat-dong-san/Luat-Dat-dai-2024-31-2024-QH15-523642.aspx"

func lawPage(body string) []byte {
	return []byte(`<html><head><title>Luật Đất đai 2024 - Thư viện Pháp luật</title></head><body>
<nav>Trang chủ</nav>
<h1>Luật Đất đai 2024</h1>
<div class="content1">
<p>QUỐC HỘI</p>
<p>Số: 31/2024/QH15</p>
<p>Hà Nội, ngày 18 tháng 01 năm 2024</p>
` + body + `
</div></body></html>`)
}

func TestParseExtractsMetadataAndArticles(t *testing.T) {
	t.Parallel()

	raw := lawPage(`
<p>Chương I. QUY ĐỊNH CHUNG</p>
<p>Điều 1. Phạm vi điều chỉnh</p>
<p>Luật này quy định về chế độ sở hữu đất đai, quyền hạn và trách nhiệm của Nhà nước đại diện chủ sở hữu toàn dân về đất đai.</p>
<p>Điều 2. Đối tượng áp dụng</p>
<p>Cơ quan nhà nước thực hiện quyền hạn và trách nhiệm đại diện chủ sở hữu toàn dân về đất đai.</p>
<p>Chương II. QUYỀN CỦA NHÀ NƯỚC</p>
<p>Điều 3. Ngắn</p>
<p>Điều 4. Hiệu lực thi hành</p>
<p>Luật này có hiệu lực thi hành từ ngày 01/01/2025, trừ trường hợp quy định tại khoản 2 Điều này.</p>
`)

	got, err := New(Config{}).Parse(raw, lawURL)
	require.NoError(t, err)

	doc := got.Document
	require.Equal(t, "Luật Đất đai 2024", doc.Title)
	require.Equal(t, "31/2024/QH15", doc.Number)
	require.Equal(t, "luat", doc.Type)
	require.Equal(t, "Quốc hội", doc.IssuingAuthority)
	require.Equal(t, ingest.DocumentActive, doc.Status)
	require.Equal(t, lawURL, doc.SourceURL)
	require.NotNil(t, doc.EffectiveDate)
	require.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *doc.EffectiveDate)
	require.NotNil(t, doc.IssuedDate)
	require.Equal(t, time.Date(2024, 1, 18, 0, 0, 0, 0, time.UTC), *doc.IssuedDate)
	require.Equal(t, 3, doc.ArticleCount, "the short article is dropped")

	require.Len(t, got.Chunks, 3)
	require.Equal(t, 1, got.Chunks[0].ArticleNumber)
	require.Equal(t, "Phạm vi điều chỉnh", got.Chunks[0].ArticleTitle)
	require.Equal(t, "Chương I. QUY ĐỊNH CHUNG", got.Chunks[0].Chapter)
	require.Equal(t, 0, got.Chunks[0].ChunkIndex)
	require.Equal(t, 0, got.Chunks[0].Seq)
	require.Equal(t, 4, got.Chunks[2].ArticleNumber)
	require.Equal(t, "Chương II. QUYỀN CỦA NHÀ NƯỚC", got.Chunks[2].Chapter)
	require.Equal(t, 2, got.Chunks[2].Seq)
	for _, c := range got.Chunks {
		require.NotEmpty(t, c.Hash)
		require.True(t, strings.HasPrefix(c.Text, "Điều "))
	}
}

func TestParseSplitsLongArticlesByClause(t *testing.T) {
	t.Parallel()

	clause := strings.Repeat("Người sử dụng đất có quyền và nghĩa vụ theo quy định. ", 3)
	raw := lawPage(`
<p>Điều 5. Quyền của người sử dụng đất</p>
<p>1. ` + clause + `</p>
<p>2. ` + clause + `</p>
<p>3. ` + clause + `</p>
`)

	got, err := New(Config{MaxChunkChars: 380}).Parse(raw, lawURL)
	require.NoError(t, err)
	require.Greater(t, len(got.Chunks), 1)

	for i, c := range got.Chunks {
		require.Equal(t, i+1, c.ChunkIndex, "split fragments are indexed from 1")
		require.Equal(t, 5, c.ArticleNumber)
		require.Equal(t, 0, c.Seq)
		require.True(t, strings.HasPrefix(c.Text, "Điều 5. Quyền của người sử dụng đất"), "fragment %d keeps the header", i)
		require.LessOrEqual(t, utf8.RuneCountInString(c.Text), 380)
	}
}

func TestParseKeepsLongestDuplicateArticle(t *testing.T) {
	t.Parallel()

	raw := lawPage(`
<p>Điều 7. Nguyên tắc sử dụng đất</p>
<p>Sử dụng đất đúng mục đích sử dụng đất, bền vững, tiết kiệm, có hiệu quả.</p>
<p>Điều 7. Nguyên tắc sử dụng đất</p>
<p>Sử dụng đất đúng mục đích sử dụng đất, bền vững, tiết kiệm, có hiệu quả đối với đất đai và tài nguyên trên bề mặt, trong lòng đất.</p>
`)

	got, err := New(Config{}).Parse(raw, lawURL)
	require.NoError(t, err)
	require.Len(t, got.Chunks, 1)
	require.Contains(t, got.Chunks[0].Text, "trong lòng đất")
}

func TestParseIgnoresInlineMarkup(t *testing.T) {
	t.Parallel()

	body := `<p>Điều 1. Phạm vi điều chỉnh</p>
<p>Luật này quy định về chế độ sở hữu đất đai, quyền hạn và trách nhiệm của Nhà nước.</p>`
	tagged := `<p><b>Điều <span>1</span></b>. Phạm vi <i>điều chỉnh</i></p>
<p>Luật này quy định về <a href="#">chế độ sở hữu đất đai</a>, quyền hạn và trách nhiệm của Nhà nước.</p>`

	p := New(Config{})
	plain, err := p.Parse(lawPage(body), lawURL)
	require.NoError(t, err)
	marked, err := p.Parse(lawPage(tagged), lawURL)
	require.NoError(t, err)

	require.Len(t, marked.Chunks, 1)
	require.Equal(t, plain.Chunks[0].Text, marked.Chunks[0].Text)
	require.Equal(t, plain.Chunks[0].Hash, marked.Chunks[0].Hash)
	require.Equal(t, "Phạm vi điều chỉnh", marked.Chunks[0].ArticleTitle)
}

func TestParseWithoutArticlesFails(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}).Parse(lawPage(`<p>Trang đang bảo trì.</p>`), lawURL)
	require.True(t, errors.Is(err, ingest.ErrNoArticles))
}

func TestExtractNumberFromURL(t *testing.T) {
	t.Parallel()

	got := extractNumber("https://thuvienphapluat.vn/van-ban/Bat-dong-san/Nghi-dinh-102-2024-ND-CP-huong-dan-Luat-Dat-dai-603982.aspx", "")
	require.Equal(t, "102/2024/ND-CP", got)
	require.Equal(t, "Chính phủ", extractAuthority(got))
	require.Equal(t, "nghi_dinh", extractType("", "https://thuvienphapluat.vn/van-ban/Bat-dong-san/Nghi-dinh-102-2024-ND-CP-huong-dan.aspx"))
	require.Equal(t, "bo_luat", extractType("Bộ luật Dân sự 2015", ""))
}
