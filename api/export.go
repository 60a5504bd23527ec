package api

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/warp/kwh-ledger/ledger"
)

var csvHeader = []string{"id", "created_at", "user", "bucket", "delta", "reason", "request_id", "actor", "memo"}

// WriteEntriesCSV writes entries as CSV with a header row. Quantities are
// written as decimal strings with a dot separator.
func WriteEntriesCSV(w io.Writer, entries []ledger.Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range entries {
		var requestID, actor string
		if e.RequestID != nil {
			requestID = strconv.FormatInt(int64(*e.RequestID), 10)
		}
		if e.Actor != nil {
			actor = string(*e.Actor)
		}
		record := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Account.User),
			string(e.Account.Bucket),
			e.Delta.String(),
			string(e.Reason),
			requestID,
			actor,
			e.Memo,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv entry %d: %w", e.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseTimeBound accepts RFC 3339 or a bare date (midnight UTC).
func ParseTimeBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q is not a date", ledger.ErrInvalidRequest, s)
}
