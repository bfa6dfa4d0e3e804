package news

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
  <title>Thị trường chứng khoán</title>
  <item>
    <title>C&#7893; phi&#7871;u FPT l&#7853;p &#273;&#7881;nh</title>
    <link>https://example.vn/co-phieu-fpt-lap-dinh-188240821.chn</link>
    <pubDate>Thu, 21 Aug 2026 09:30:00 +0700</pubDate>
  </item>
  <item>
    <title>No link item</title>
    <link></link>
  </item>
  <item>
    <title>Bad date</title>
    <link>https://example.vn/bad-date-188240822.chn</link>
    <pubDate>not a date</pubDate>
  </item>
</channel></rss>`

func TestParseFeed(t *testing.T) {
	items, err := ParseFeed([]byte(sampleFeed))
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Cổ phiếu FPT lập đỉnh", items[0].Title)
	assert.Equal(t, "https://example.vn/co-phieu-fpt-lap-dinh-188240821.chn", items[0].Link)
	require.NotNil(t, items[0].PublishedAt)
	assert.Equal(t, time.Date(2026, 8, 21, 2, 30, 0, 0, time.UTC), items[0].PublishedAt.UTC())

	assert.Nil(t, items[1].PublishedAt)
}

func TestExtractListingLinks(t *testing.T) {
	page := `<div class="listing">
	  <a href="/co-phieu-hpg-tang-tran-188240820.chn">HPG tăng trần</a>
	  <a href="https://example.vn/vnm-chia-co-tuc-188240819.htm">VNM chia cổ tức</a>
	  <a href="/co-phieu-hpg-tang-tran-188240820.chn">duplicate</a>
	  <a href="/about-us">about</a>
	</div>`

	links := ExtractListingLinks(page, "https://example.vn")
	assert.Equal(t, []string{
		"https://example.vn/co-phieu-hpg-tang-tran-188240820.chn",
		"https://example.vn/vnm-chia-co-tuc-188240819.htm",
	}, links)
}

func TestExtractTextPreferred(t *testing.T) {
	page := `<html><body>
	  <div class="menu">Trang chủ</div>
	  <h1 class="pTitle">Cổ phiếu FPT lập đỉnh</h1>
	  <div class="pHead">FPT tăng 5% trong phiên sáng.</div>
	  <div class="pBody"><p>Khối ngoại mua ròng.</p><script>var x=1;</script></div>
	</body></html>`

	text, path := ExtractText(page)
	assert.Equal(t, "preferred", path)
	assert.Contains(t, text, "Cổ phiếu FPT lập đỉnh")
	assert.Contains(t, text, "Khối ngoại mua ròng.")
	assert.NotContains(t, text, "var x=1")
	assert.NotContains(t, text, "Trang chủ")
}

func TestExtractTextGenericFallback(t *testing.T) {
	page := `<html><head><title>t</title><style>.a{}</style></head>
	<body><p>First paragraph.</p><p>Second &amp; last.</p></body></html>`

	text, path := ExtractText(page)
	assert.Equal(t, "generic", path)
	assert.Contains(t, text, "First paragraph.")
	assert.Contains(t, text, "Second & last.")
	assert.NotContains(t, text, ".a{}")
}

func TestWordCountAndLang(t *testing.T) {
	assert.Equal(t, 4, WordCount("một hai  ba\nbốn"))
	require.NotNil(t, DetectLang("Cổ phiếu tăng"))
	assert.Equal(t, "vi", *DetectLang("Cổ phiếu tăng"))
	assert.Nil(t, DetectLang("plain english text"))
}
