package sqlguard

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/sqlagent/internal/domain"
)

type staticTables []string

func (s staticTables) KnownTables() []string { return s }

func TestValidate(t *testing.T) {
	t.Parallel()

	v := New(staticTables{"users", "orders"})
	tests := []struct {
		name      string
		sql       string
		valid     bool
		errSubstr string
		warnings  []string
		special   domain.SpecialResponse
	}{
		{
			name:  "simple select",
			sql:   "SELECT id, email FROM users LIMIT 10",
			valid: true,
		},
		{
			name:     "select star without limit",
			sql:      "SELECT * FROM users",
			valid:    true,
			warnings: []string{WarnSelectStar, WarnNoLimit},
		},
		{
			name:  "cte with join",
			sql:   "WITH recent (uid) AS (SELECT user_id FROM orders) SELECT u.email FROM users u JOIN recent r ON r.uid = u.id LIMIT 5",
			valid: true,
		},
		{
			name:  "trailing semicolon and comment",
			sql:   "SELECT id FROM users LIMIT 1; -- done",
			valid: true,
		},
		{
			name:  "keyword inside string literal",
			sql:   "SELECT id FROM orders WHERE note = 'please delete me' LIMIT 1",
			valid: true,
		},
		{
			name:  "extract from is not a table",
			sql:   "SELECT EXTRACT(YEAR FROM created_at) FROM users LIMIT 1",
			valid: true,
		},
		{
			name:      "delete",
			sql:       "DELETE FROM users",
			errSubstr: "Deleting data is not permitted",
		},
		{
			name:      "drop hidden after select",
			sql:       "SELECT 1; DROP TABLE users",
			errSubstr: "Dropping tables",
		},
		{
			name:      "two selects",
			sql:       "SELECT 1 FROM users; SELECT 2 FROM users",
			errSubstr: "single statement",
		},
		{
			name:      "explain",
			sql:       "EXPLAIN SELECT id FROM users",
			errSubstr: "got: EXPLAIN",
		},
		{
			name:      "unbalanced",
			sql:       "SELECT (id FROM users",
			errSubstr: "unbalanced parentheses",
		},
		{
			name:      "unterminated string",
			sql:       "SELECT 'abc FROM users",
			errSubstr: "unterminated string literal",
		},
		{
			name:      "unknown table",
			sql:       "SELECT id FROM invoices LIMIT 1",
			errSubstr: "resource type 'invoices' does not exist",
			special:   domain.SpecialResourceNotFound,
		},
		{
			name:      "several unknown tables",
			sql:       "SELECT a.id FROM invoices a, payments p LIMIT 1",
			errSubstr: "('invoices', 'payments') do not exist",
			special:   domain.SpecialResourceNotFound,
		},
		{
			name:      "empty",
			sql:       "   ",
			errSubstr: "No SQL query was generated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := v.Validate(context.Background(), tt.sql)
			if got.IsValid != tt.valid {
				t.Fatalf("IsValid = %v, want %v (errors %v)", got.IsValid, tt.valid, got.Errors)
			}
			if tt.errSubstr != "" && !strings.Contains(strings.Join(got.Errors, "\n"), tt.errSubstr) {
				t.Errorf("errors %v do not mention %q", got.Errors, tt.errSubstr)
			}
			if tt.valid && len(got.Errors) != 0 {
				t.Errorf("valid result has errors %v", got.Errors)
			}
			if tt.warnings != nil {
				if diff := cmp.Diff(tt.warnings, got.Warnings); diff != "" {
					t.Errorf("warnings mismatch (-want +got):\n%s", diff)
				}
			}
			if got.Special != tt.special {
				t.Errorf("Special = %q, want %q", got.Special, tt.special)
			}
		})
	}
}

func TestReadOnlyHintAddedOnce(t *testing.T) {
	t.Parallel()

	got := New(nil).Validate(context.Background(), "UPDATE users SET x = 1; DELETE FROM users")
	hints := 0
	for _, e := range got.Errors {
		if e == readOnlyHint {
			hints++
		}
	}
	if hints != 1 {
		t.Errorf("hint appears %d times in %v", hints, got.Errors)
	}
	if len(got.Errors) != 3 {
		t.Errorf("expected two keyword errors plus hint, got %v", got.Errors)
	}
}

func TestTableCheckSkippedWithoutCatalog(t *testing.T) {
	t.Parallel()

	got := New(staticTables{}).Validate(context.Background(), "SELECT id FROM anything LIMIT 1")
	if !got.IsValid {
		t.Fatalf("expected valid without a catalog, got %v", got.Errors)
	}
}

func TestReferencedTables(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sql  string
		want []string
	}{
		{"SELECT 1", nil},
		{"SELECT * FROM public.users", []string{"users"}},
		{`SELECT * FROM "Users" u LEFT JOIN orders o ON o.user_id = u.id`, []string{"users", "orders"}},
		{"SELECT * FROM (SELECT id FROM users) s", []string{"users"}},
		{"SELECT * FROM generate_series(1, 3)", nil},
		{"WITH t AS (SELECT 1) SELECT * FROM t", nil},
		{"SELECT a.x FROM a, b WHERE a.id = b.id", []string{"a", "b"}},
	}
	for _, tt := range tests {
		got, err := ReferencedTables(tt.sql)
		if err != nil {
			t.Fatalf("ReferencedTables(%q) failed: %v", tt.sql, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ReferencedTables(%q) mismatch (-want +got):\n%s", tt.sql, diff)
		}
	}
}
