// Package export serializes crawl results as JSON or CSV and writes them to
// a blob store.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Format names an output encoding.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "json" or "csv" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Write encodes result to w. JSON carries the full result; CSV carries one
// row per record with the page column first and the remaining fields sorted.
func Write(w io.Writer, f Format, result crawler.CrawlResult) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, result.Records)
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown export format %q", f)
	}
}

// WriteCSV writes records as CSV. Missing fields are left blank.
func WriteCSV(w io.Writer, records []crawler.Record) error {
	fields := crawler.FieldNames(records)
	cw := csv.NewWriter(w)
	header := append([]string{"page"}, fields...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(header))
	for _, rec := range records {
		row[0] = strconv.Itoa(rec.Page)
		for i, name := range fields {
			row[i+1] = rec.Fields[name]
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Exporter uploads encoded results under prefix/<job>/result.<format>.
type Exporter struct {
	store  crawler.BlobStore
	prefix string
}

// NewExporter creates an Exporter.
func NewExporter(store crawler.BlobStore, prefix string) *Exporter {
	return &Exporter{store: store, prefix: strings.Trim(prefix, "/")}
}

// Export encodes result and returns the URI of the stored object.
func (e *Exporter) Export(ctx context.Context, jobID string, f Format, result crawler.CrawlResult) (string, error) {
	var buf bytes.Buffer
	if err := Write(&buf, f, result); err != nil {
		return "", err
	}
	name := path.Join(e.prefix, jobID, "result."+string(f))
	uri, err := e.store.PutObject(ctx, name, f.ContentType(), &buf)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return uri, nil
}
