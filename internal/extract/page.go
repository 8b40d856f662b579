package extract

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

const textContentLimit = 5000

// PageSummary produces a single record describing any page: its title, meta
// description, visible text, and link and image counts.
type PageSummary struct{}

// NewPageSummary creates the generic page extractor.
func NewPageSummary() *PageSummary {
	return &PageSummary{}
}

// Extract returns one record unless the page has no title and no text.
func (e *PageSummary) Extract(page crawler.Page) ([]crawler.Record, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, false, fmt.Errorf("parse page: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	title := text(doc.Find("title").First())
	body := truncate(text(doc.Find("body")), textContentLimit)
	if title == "" && body == "" {
		return nil, false, nil
	}
	meta, _ := doc.Find(`meta[name="description"]`).First().Attr("content")
	links := doc.Find("a[href]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return attr(s, "href") != ""
	}).Length()
	images := doc.Find("img[src]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return attr(s, "src") != ""
	}).Length()

	rec := crawler.Record{Fields: map[string]string{
		"url":              page.URL,
		"title":            title,
		"meta_description": strings.TrimSpace(meta),
		"text_content":     body,
		"link_count":       strconv.Itoa(links),
		"image_count":      strconv.Itoa(images),
	}}
	return []crawler.Record{rec}, true, nil
}
