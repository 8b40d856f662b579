// Package extract turns rendered listing pages into records.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

const descriptionLimit = 500

// Lot fields produced by LotCards.
const (
	FieldLotNumber    = "lot_number"
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldImageURL     = "image_url"
	FieldLotURL       = "lot_url"
	FieldStartingBid  = "starting_bid"
	FieldReservePrice = "reserve_price"
	FieldOdometer     = "odometer"
	FieldEngine       = "engine"
	FieldDeclarations = "declarations"
	FieldOptions      = "options"
)

// detailRows maps description table labels to fields. Order matters: the
// first label contained in the row key wins.
var detailRows = []struct {
	label string
	field string
}{
	{"ODOMETER", FieldOdometer},
	{"ENGINE", FieldEngine},
	{"DECLARATION", FieldDeclarations},
	{"OPTIONS", FieldOptions},
	{"RESERVE", FieldReservePrice},
}

// LotCardSelector matches one auction lot block.
const LotCardSelector = "div.lot-card"

// LotCards extracts auction lots laid out as "lot-card" blocks.
type LotCards struct{}

// NewLotCards creates the lot-card extractor.
func NewLotCards() *LotCards {
	return &LotCards{}
}

// Extract returns one record per lot card that carries a lot number or a
// title. looksValid is true when the page contains any lot card at all.
func (e *LotCards) Extract(page crawler.Page) ([]crawler.Record, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, false, fmt.Errorf("parse lot page: %w", err)
	}
	base := pageBase(page)
	cards := doc.Find(LotCardSelector)
	records := make([]crawler.Record, 0, cards.Length())
	cards.Each(func(_ int, card *goquery.Selection) {
		fields := lotFields(card, base)
		if fields[FieldLotNumber] == "" && fields[FieldTitle] == "" {
			return
		}
		records = append(records, crawler.Record{Fields: fields})
	})
	return records, cards.Length() > 0, nil
}

func lotFields(card *goquery.Selection, base *url.URL) map[string]string {
	desc := card.Find("div.lot__description").First()
	fields := map[string]string{
		FieldLotNumber:    text(card.Find("div.lot-number strong").First()),
		FieldTitle:        text(card.Find("div.lot__name").First()),
		FieldDescription:  truncate(text(desc), descriptionLimit),
		FieldImageURL:     resolve(base, attr(card.Find("img").First(), "src")),
		FieldLotURL:       resolve(base, attr(desc.Find("a").First(), "href")),
		FieldStartingBid:  text(card.Find("div.lot__bidding span.fs-4").First()),
		FieldReservePrice: "",
		FieldOdometer:     "",
		FieldEngine:       "",
		FieldDeclarations: "",
		FieldOptions:      "",
	}
	desc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		key := strings.ToUpper(text(cells.Eq(0)))
		value := text(cells.Eq(1))
		for _, d := range detailRows {
			if strings.Contains(key, d.label) {
				fields[d.field] = value
				return
			}
		}
	})
	return fields
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func pageBase(page crawler.Page) *url.URL {
	for _, raw := range []string{page.FinalURL, page.URL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && u.IsAbs() {
			return u
		}
	}
	return nil
}

// resolve makes ref absolute against base; it returns ref unchanged when
// either side is unusable.
func resolve(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
