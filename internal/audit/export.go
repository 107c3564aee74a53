package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// csvHeader is the column layout consoles and spreadsheet imports expect.
var csvHeader = []string{"Timestamp", "Event Type", "Actor", "Target", "Description", "Status"}

// Export writes the complete filtered record set (never paginated) to w
// in the given format. Supported formats: "csv", "json", "jsonl".
// Records keep the query order, most recent first.
func (l *Log) Export(ctx context.Context, w io.Writer, format string, f Filter) error {
	records, err := l.Search(ctx, f)
	if err != nil {
		return err
	}

	switch format {
	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		for _, r := range records {
			row := []string{
				r.Timestamp,
				string(r.EventType),
				r.Actor,
				r.TargetResource,
				r.Description,
				string(r.Status),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		return nil

	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []Record{}
		}
		return enc.Encode(records)

	case "jsonl":
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: unsupported export format %q (use csv, json, or jsonl)", ErrValidation, format)
	}
}

// ExportFilename names a download for the given format, e.g.
// "audit_logs_20260821_153000.csv".
func ExportFilename(format string, now time.Time) string {
	ext := format
	if ext == "" {
		ext = "json"
	}
	return fmt.Sprintf("audit_logs_%s.%s", now.UTC().Format("20060102_150405"), ext)
}
