package pipeline

import "testing"

func TestParseLenientDate(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2024-03-15", "2024-03-15", true},
		{"2024-03", "2024-03-01", true},
		{"2024", "2024-01-01", true},
		{" 2024-03-15 ", "2024-03-15", true},
		{"2024-13", "", false},
		{"2024-02-30", "", false},
		{"15/03/2024", "", false},
		{"yesterday", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseLenientDate(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseLenientDate(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func deref(t *testing.T, p *string) string {
	t.Helper()
	if p == nil {
		t.Fatal("nil date")
	}
	return *p
}

func TestInferDatesPeriodSeedsAll(t *testing.T) {
	d := InferDates(map[string]any{
		"payPeriod": map[string]any{"startDate": "2024-03-01", "endDate": "2024-03-31"},
	})
	if deref(t, d.ValidFrom) != "2024-03-01" || deref(t, d.ValidUntil) != "2024-03-31" {
		t.Errorf("validity=%v..%v", d.ValidFrom, d.ValidUntil)
	}
	if deref(t, d.DocumentDate) != "2024-03-31" {
		t.Errorf("documentDate=%v", d.DocumentDate)
	}
}

func TestInferDatesBillDateOverridesDocumentDate(t *testing.T) {
	d := InferDates(map[string]any{
		"period":   map[string]any{"startDate": "2024-01-01", "endDate": "2024-01-31"},
		"billDate": "2024-02-05",
	})
	if deref(t, d.DocumentDate) != "2024-02-05" {
		t.Errorf("documentDate=%v", d.DocumentDate)
	}
	if deref(t, d.ValidFrom) != "2024-01-01" {
		t.Errorf("validFrom=%v", d.ValidFrom)
	}
}

func TestInferDatesFiscalYear(t *testing.T) {
	d := InferDates(map[string]any{"fiscalYear": "2023"})
	if deref(t, d.ValidFrom) != "2023-01-01" || deref(t, d.ValidUntil) != "2023-12-31" {
		t.Errorf("validity=%v..%v", d.ValidFrom, d.ValidUntil)
	}
}

func TestInferDatesAcademicYear(t *testing.T) {
	d := InferDates(map[string]any{"academicYear": "2023/2024"})
	if deref(t, d.ValidFrom) != "2023-09-01" || deref(t, d.ValidUntil) != "2024-08-31" {
		t.Errorf("validity=%v..%v", d.ValidFrom, d.ValidUntil)
	}
}

func TestInferDatesIssueExpiryFallback(t *testing.T) {
	d := InferDates(map[string]any{
		"dates": map[string]any{"issueDate": "2020-06", "expiryDate": "2030-06"},
	})
	if deref(t, d.DocumentDate) != "2020-06-01" || deref(t, d.ValidFrom) != "2020-06-01" {
		t.Errorf("documentDate=%v validFrom=%v", d.DocumentDate, d.ValidFrom)
	}
	if deref(t, d.ValidUntil) != "2030-06-01" {
		t.Errorf("validUntil=%v", d.ValidUntil)
	}
}

func TestInferDatesStartDate(t *testing.T) {
	d := InferDates(map[string]any{"startDate": "2024-05-01"})
	if deref(t, d.ValidFrom) != "2024-05-01" || deref(t, d.DocumentDate) != "2024-05-01" {
		t.Errorf("d=%+v", d)
	}
	if d.ValidUntil != nil {
		t.Errorf("validUntil=%v, want nil", *d.ValidUntil)
	}
}

func TestInferDatesUnparseableIsNil(t *testing.T) {
	d := InferDates(map[string]any{"billDate": "early March"})
	if d.DocumentDate != nil {
		t.Errorf("documentDate=%v, want nil", *d.DocumentDate)
	}
}
