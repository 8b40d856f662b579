package crawler

import (
	"fmt"
	"sort"
)

// DefaultPageLimit bounds page numbers when a job sets no PageLimit.
const DefaultPageLimit = 1000

// Validate checks a crawl job before it is run.
func (j CrawlJob) Validate() error {
	if _, err := ParseTarget(j.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if j.Settle < 0 {
		return fmt.Errorf("%w: settle must be >= 0", ErrInvalidJob)
	}
	if j.PageCount < 0 {
		return fmt.Errorf("%w: page_count must be >= 0", ErrInvalidJob)
	}
	if j.MaxPages < 0 {
		return fmt.Errorf("%w: max_pages must be >= 0", ErrInvalidJob)
	}
	if j.PageLimit < 0 {
		return fmt.Errorf("%w: page_limit must be >= 0", ErrInvalidJob)
	}
	limit := j.HardLimit()
	if j.PageCount > limit {
		return fmt.Errorf("%w: page_count %d exceeds the limit of %d pages", ErrInvalidJob, j.PageCount, limit)
	}
	if j.MaxPages > limit {
		return fmt.Errorf("%w: max_pages %d exceeds the limit of %d pages", ErrInvalidJob, j.MaxPages, limit)
	}
	for _, p := range j.Pages {
		if p < 1 {
			return fmt.Errorf("%w: page numbers must be >= 1, got %d", ErrInvalidJob, p)
		}
		if p > limit {
			return fmt.Errorf("%w: page %d exceeds the limit of %d pages", ErrInvalidJob, p, limit)
		}
	}
	return nil
}

// HardLimit returns the highest page number the job may reach.
func (j CrawlJob) HardLimit() int {
	if j.PageLimit > 0 {
		return j.PageLimit
	}
	return DefaultPageLimit
}

// DiscoveryCap returns the most pages a discovered count may expand to:
// MaxPages when set, never more than HardLimit.
func (j CrawlJob) DiscoveryCap() int {
	limit := j.HardLimit()
	if j.MaxPages > 0 && j.MaxPages < limit {
		return j.MaxPages
	}
	return limit
}

// ExplicitPages returns the deduplicated, ascending list of requested pages.
func (j CrawlJob) ExplicitPages() []int {
	if len(j.Pages) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(j.Pages))
	out := make([]int, 0, len(j.Pages))
	for _, p := range j.Pages {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// FixedPageCount returns the page count used when discovery is disabled.
func (j CrawlJob) FixedPageCount() int {
	if j.PageCount < 1 {
		return 1
	}
	return j.PageCount
}

// PageRange returns the pages 1..n.
func PageRange(n int) []int {
	pages := make([]int, 0, n)
	for i := 1; i <= n; i++ {
		pages = append(pages, i)
	}
	return pages
}
