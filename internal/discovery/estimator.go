// Package discovery estimates how many pages a paginated listing has from the
// content of its first page.
package discovery

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	ofTotalPattern   = regexp.MustCompile(`(?i)of\s+(\d+)`)
	pageOfPattern    = regexp.MustCompile(`(?i)page\s+\d+\s+of\s+(\d+)`)
	hrefPagePattern  = regexp.MustCompile(`[?&]page=(\d+)`)
	paginationMarker = regexp.MustCompile(`(?i)pagination`)
)

// Report holds the value each heuristic found. Zero means no signal.
type Report struct {
	OfTotal       int `json:"of_total"`
	SelectOptions int `json:"select_options"`
	PageOfTotal   int `json:"page_of_total"`
	PageLinks     int `json:"page_links"`
	PaginationNav int `json:"pagination_nav"`
}

// Max returns the largest value any heuristic reported, never less than 1.
func (r Report) Max() int {
	best := 1
	for _, v := range []int{r.OfTotal, r.SelectOptions, r.PageOfTotal, r.PageLinks, r.PaginationNav} {
		if v > best {
			best = v
		}
	}
	return best
}

// Estimator runs every page-count heuristic over a document and keeps the
// largest answer.
type Estimator struct{}

// NewEstimator creates an Estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate returns the estimated total page count. It never fails: content
// that cannot be parsed, or that carries no pagination signal, yields 1.
func (e *Estimator) Estimate(content []byte) int {
	return e.Report(content).Max()
}

// Report runs each heuristic independently and returns their findings.
func (e *Estimator) Report(content []byte) Report {
	if len(bytes.TrimSpace(content)) == 0 {
		return Report{}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return Report{}
	}
	text := doc.Text()
	return Report{
		OfTotal:       firstMatch(ofTotalPattern, text),
		SelectOptions: selectOptions(doc),
		PageOfTotal:   firstMatch(pageOfPattern, text),
		PageLinks:     pageLinks(doc),
		PaginationNav: paginationNav(doc),
	}
}

// firstMatch mirrors a plain regex search: only the first hit counts.
func firstMatch(re *regexp.Regexp, text string) int {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0
	}
	return atoi(m[1])
}

func selectOptions(doc *goquery.Document) int {
	best := 0
	doc.Find("select option").Each(func(_ int, opt *goquery.Selection) {
		n := atoi(strings.TrimSpace(opt.Text()))
		if n == 0 {
			if val, ok := opt.Attr("value"); ok {
				n = atoi(strings.TrimSpace(val))
			}
		}
		best = max(best, n)
	})
	return best
}

func pageLinks(doc *goquery.Document) int {
	best := 0
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		for _, m := range hrefPagePattern.FindAllStringSubmatch(href, -1) {
			best = max(best, atoi(m[1]))
		}
	})
	return best
}

func paginationNav(doc *goquery.Document) int {
	container := doc.Find("nav, div, ul").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		return paginationMarker.MatchString(class)
	}).First()
	if container.Length() == 0 {
		container = doc.Find(`[role="navigation"]`).First()
	}
	best := 0
	container.Find("a").Each(func(_ int, a *goquery.Selection) {
		best = max(best, atoi(strings.TrimSpace(a.Text())))
	})
	return best
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
