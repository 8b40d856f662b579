package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

const lotPage = `<html><body>
<div class="lot-card">
  <div class="lot-number">Lot <strong>101</strong></div>
  <img src="/images/101.jpg">
  <div class="lot__name"> 2015 Toyota   Hilux </div>
  <div class="lot__description">
    <a href="/lots/101">details</a>
    <table>
      <tr><td>Odometer</td><td>123,456 km</td></tr>
      <tr><td>Engine Size</td><td>2.8L</td></tr>
      <tr><td>Declarations</td><td>None</td></tr>
      <tr><td>Options</td><td>Tow bar</td></tr>
      <tr><td>Reserve</td><td>$12,000</td></tr>
      <tr><td>lonely cell</td></tr>
    </table>
  </div>
  <div class="lot__bidding"><span class="fs-4">$9,500</span></div>
</div>
<div class="lot-card">
  <div class="lot__name">Untitled trailer</div>
</div>
<div class="lot-card"><p>advertisement</p></div>
</body></html>`

func TestLotCardsExtract(t *testing.T) {
	t.Parallel()

	page := crawler.Page{URL: "https://auction.test/lots?page=2", Body: []byte(lotPage)}
	records, looksValid, err := NewLotCards().Extract(page)
	require.NoError(t, err)
	require.True(t, looksValid)
	require.Len(t, records, 2)

	first := records[0].Fields
	require.Equal(t, "101", first[FieldLotNumber])
	require.Equal(t, "2015 Toyota Hilux", first[FieldTitle])
	require.Equal(t, "https://auction.test/images/101.jpg", first[FieldImageURL])
	require.Equal(t, "https://auction.test/lots/101", first[FieldLotURL])
	require.Equal(t, "$9,500", first[FieldStartingBid])
	require.Equal(t, "123,456 km", first[FieldOdometer])
	require.Equal(t, "2.8L", first[FieldEngine])
	require.Equal(t, "None", first[FieldDeclarations])
	require.Equal(t, "Tow bar", first[FieldOptions])
	require.Equal(t, "$12,000", first[FieldReservePrice])
	require.Contains(t, first[FieldDescription], "Odometer")

	second := records[1].Fields
	require.Empty(t, second[FieldLotNumber])
	require.Equal(t, "Untitled trailer", second[FieldTitle])
}

func TestLotCardsDescriptionTruncated(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 800)
	html := `<div class="lot-card"><div class="lot__name">x</div><div class="lot__description">` + long + `</div></div>`
	records, _, err := NewLotCards().Extract(crawler.Page{Body: []byte(html)})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, []rune(records[0].Fields[FieldDescription]), 500)
}

func TestLotCardsNoCards(t *testing.T) {
	t.Parallel()

	records, looksValid, err := NewLotCards().Extract(crawler.Page{Body: []byte(`<html><body>No results</body></html>`)})
	require.NoError(t, err)
	require.False(t, looksValid)
	require.Empty(t, records)
}

func TestPageSummaryExtract(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Weekly Sale</title>
<meta name="description" content=" Cars and trucks ">
<script>var hidden = "nope";</script></head>
<body><h1>Weekly   Sale</h1><a href="/a">A</a><a href="">empty</a><img src="/x.png"><img></body></html>`
	records, looksValid, err := NewPageSummary().Extract(crawler.Page{URL: "https://auction.test/", Body: []byte(html)})
	require.NoError(t, err)
	require.True(t, looksValid)
	require.Len(t, records, 1)
	f := records[0].Fields
	require.Equal(t, "Weekly Sale", f["title"])
	require.Equal(t, "Cars and trucks", f["meta_description"])
	require.Equal(t, "1", f["link_count"])
	require.Equal(t, "1", f["image_count"])
	require.NotContains(t, f["text_content"], "hidden")
	require.Contains(t, f["text_content"], "Weekly Sale")
}

func TestPageSummaryEmptyPage(t *testing.T) {
	t.Parallel()

	records, looksValid, err := NewPageSummary().Extract(crawler.Page{Body: []byte("")})
	require.NoError(t, err)
	require.False(t, looksValid)
	require.Empty(t, records)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	e, err := New("")
	require.NoError(t, err)
	require.IsType(t, &LotCards{}, e)

	e, err = New(NameGeneric)
	require.NoError(t, err)
	require.IsType(t, &PageSummary{}, e)

	_, err = New("xpath")
	require.Error(t, err)
	require.Equal(t, []string{"generic", "lots"}, Names())
}

func TestReadySelector(t *testing.T) {
	t.Parallel()

	require.Equal(t, LotCardSelector, ReadySelector(""))
	require.Equal(t, LotCardSelector, ReadySelector(NameLots))
	require.Empty(t, ReadySelector(NameGeneric))
}
