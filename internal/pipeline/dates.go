package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InferredDates are the document-level dates derived from normalized fields.
type InferredDates struct {
	DocumentDate *string
	ValidFrom    *string
	ValidUntil   *string
}

// ParseLenientDate normalizes a model-produced date to YYYY-MM-DD. It accepts
// YYYY-MM-DD, YYYY-MM (first of month), and YYYY (first of year); anything
// else is rejected.
func ParseLenientDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 10:
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return s, true
		}
	case 7:
		if _, err := time.Parse("2006-01", s); err == nil {
			return s + "-01", true
		}
	case 4:
		if _, err := time.Parse("2006", s); err == nil {
			return s + "-01-01", true
		}
	}
	return "", false
}

// periodFields in seed priority order.
var periodFields = []string{"period", "payPeriod", "bankStatementPeriod", "coveragePeriod", "probationPeriod"}

// InferDates derives (documentDate, validFrom, validUntil) from the
// normalized fields of a classified document. The algorithm is deterministic:
// a period field seeds all three, specific single-date fields override the
// document date, and issue/expiry dates fill remaining gaps.
func InferDates(fields map[string]any) InferredDates {
	var d InferredDates
	if fields == nil {
		return d
	}

	for _, name := range periodFields {
		period, ok := fields[name].(map[string]any)
		if !ok {
			continue
		}
		start := dateField(period, "startDate")
		end := dateField(period, "endDate")
		if start == nil && end == nil {
			continue
		}
		d.ValidFrom = start
		d.ValidUntil = end
		d.DocumentDate = end
		break
	}

	for _, name := range []string{"billDate", "receiptDate"} {
		if v := dateField(fields, name); v != nil {
			d.DocumentDate = v
		}
	}

	if v := dateField(fields, "startDate"); v != nil {
		d.ValidFrom = v
		if d.DocumentDate == nil {
			d.DocumentDate = v
		}
	}

	if year, ok := yearField(fields, "fiscalYear"); ok {
		if d.ValidFrom == nil {
			d.ValidFrom = strPtr(fmt.Sprintf("%d-01-01", year))
		}
		if d.ValidUntil == nil {
			d.ValidUntil = strPtr(fmt.Sprintf("%d-12-31", year))
		}
	}

	if year, ok := academicYearField(fields); ok {
		if d.ValidFrom == nil {
			d.ValidFrom = strPtr(fmt.Sprintf("%d-09-01", year))
		}
		if d.ValidUntil == nil {
			d.ValidUntil = strPtr(fmt.Sprintf("%d-08-31", year+1))
		}
	}

	if dates, ok := fields["dates"].(map[string]any); ok {
		if v := dateField(dates, "issueDate"); v != nil {
			if d.DocumentDate == nil {
				d.DocumentDate = v
			}
			if d.ValidFrom == nil {
				d.ValidFrom = v
			}
		}
		if v := dateField(dates, "expiryDate"); v != nil && d.ValidUntil == nil {
			d.ValidUntil = v
		}
	}
	return d
}

func dateField(m map[string]any, name string) *string {
	raw, ok := m[name].(string)
	if !ok {
		return nil
	}
	parsed, ok := ParseLenientDate(raw)
	if !ok {
		return nil
	}
	return &parsed
}

func yearField(m map[string]any, name string) (int, bool) {
	raw, ok := m[name].(string)
	if !ok {
		return 0, false
	}
	raw = strings.TrimSpace(raw)
	if len(raw) != 4 {
		return 0, false
	}
	year, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return year, true
}

func academicYearField(m map[string]any) (int, bool) {
	raw, ok := m["academicYear"].(string)
	if !ok {
		return 0, false
	}
	parts := strings.Split(strings.TrimSpace(raw), "/")
	if len(parts) != 2 || len(parts[0]) != 4 {
		return 0, false
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return year, true
}

func strPtr(s string) *string { return &s }
