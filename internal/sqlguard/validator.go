// Package sqlguard decides whether generated SQL is safe to run against a
// read-only reporting database.
package sqlguard

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/sqlagent/internal/domain"
)

// Warnings attached to otherwise valid queries.
const (
	WarnSelectStar = "Using SELECT * is not recommended; specify columns explicitly"
	WarnNoLimit    = "Query has no LIMIT clause; large result sets may impact performance"
)

const readOnlyHint = "You can only query (SELECT) data. How can I help you find information instead?"

// prohibited maps write and privilege keywords to the message shown to the
// user. Order is fixed so error lists are deterministic.
var prohibited = []struct {
	keyword string
	message string
}{
	{"DROP", "This system is read-only. Dropping tables or database objects is not supported."},
	{"DELETE", "This system is read-only. Deleting data is not permitted."},
	{"TRUNCATE", "This system is read-only. Truncating tables is not permitted."},
	{"ALTER", "This system is read-only. Altering database schema is not permitted."},
	{"CREATE", "This system is read-only. Creating new database objects is not permitted."},
	{"INSERT", "This system is read-only. Adding new data is not permitted."},
	{"UPDATE", "This system is read-only. Modifying existing data is not permitted."},
	{"MERGE", "This system is read-only. Merging data is not permitted."},
	{"GRANT", "This system is read-only. Changing permissions is not permitted."},
	{"REVOKE", "This system is read-only. Changing permissions is not permitted."},
	{"EXEC", "This system is read-only. Executing stored procedures is not permitted."},
	{"EXECUTE", "This system is read-only. Executing stored procedures is not permitted."},
	{"CALL", "This system is read-only. Executing stored procedures is not permitted."},
}

// TableSource lists the tables that exist in the target database.
type TableSource interface {
	KnownTables() []string
}

// Validator checks statement type, read-only safety and referenced tables.
type Validator struct {
	tables TableSource
}

// New creates a validator. With a nil source, or one that knows no tables,
// table existence is not checked.
func New(tables TableSource) *Validator {
	return &Validator{tables: tables}
}

// Validate implements graph.Validator.
func (v *Validator) Validate(_ context.Context, sql string) domain.ValidationResult {
	res := v.check(sql)
	if !res.IsValid {
		return res
	}

	missing := v.missingTables(sql)
	if len(missing) > 0 {
		res.IsValid = false
		res.Errors = append(res.Errors, missingTablesMessage(missing))
		res.Special = domain.SpecialResourceNotFound
	}
	return res
}

// Check runs the safety and statement checks without consulting the table
// catalog.
func (v *Validator) Check(sql string) domain.ValidationResult {
	return v.check(sql)
}

func (v *Validator) check(sql string) domain.ValidationResult {
	res := domain.ValidationResult{}
	fail := func(msg string) domain.ValidationResult {
		res.Errors = append(res.Errors, msg)
		return res
	}

	if strings.TrimSpace(sql) == "" {
		return fail("No SQL query was generated")
	}

	toks, err := lex(sql)
	if err != nil {
		return fail("SQL syntax error: " + err.Error())
	}

	hinted := false
	for _, p := range prohibited {
		for _, t := range toks {
			if t.is(p.keyword) {
				res.Errors = append(res.Errors, p.message)
				if !hinted {
					res.Errors = append(res.Errors, readOnlyHint)
					hinted = true
				}
				break
			}
		}
	}
	if len(res.Errors) > 0 {
		return res
	}

	if err := checkParens(toks); err != nil {
		return fail("SQL syntax error: " + err.Error())
	}

	stmts := statements(toks)
	switch {
	case len(stmts) == 0:
		return fail("No SQL query was generated")
	case len(stmts) > 1:
		return fail("Only a single statement is allowed")
	}
	stmt := stmts[0]
	first := firstKeyword(stmt)
	if first != "SELECT" && first != "WITH" {
		return fail(fmt.Sprintf("Only SELECT and WITH (CTE) statements are allowed, got: %s", first))
	}

	for i := 0; i+1 < len(stmt); i++ {
		if stmt[i].is("select") && stmt[i+1].punct("*") {
			res.Warnings = append(res.Warnings, WarnSelectStar)
			break
		}
	}
	hasLimit := false
	for _, t := range stmt {
		if t.is("limit") || t.is("fetch") {
			hasLimit = true
			break
		}
	}
	if !hasLimit {
		res.Warnings = append(res.Warnings, WarnNoLimit)
	}

	res.IsValid = true
	return res
}

func firstKeyword(stmt []token) string {
	for _, t := range stmt {
		if t.punct("(") {
			continue
		}
		if t.kind == tokIdent {
			return strings.ToUpper(t.text)
		}
		return t.text
	}
	return ""
}

func (v *Validator) missingTables(sql string) []string {
	if v.tables == nil {
		return nil
	}
	known := v.tables.KnownTables()
	if len(known) == 0 {
		return nil
	}
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[strings.ToLower(k)] = true
	}

	toks, err := lex(sql)
	if err != nil {
		return nil
	}
	var missing []string
	for _, t := range referencedTables(toks) {
		if !set[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

func missingTablesMessage(missing []string) string {
	if len(missing) == 1 {
		return fmt.Sprintf("The requested resource type '%s' does not exist in our database. "+
			"We cannot provide information about resources that are not tracked. "+
			"Please try asking about a different resource type.", missing[0])
	}
	quoted := make([]string, len(missing))
	for i, m := range missing {
		quoted[i] = "'" + m + "'"
	}
	return fmt.Sprintf("The requested resource types (%s) do not exist in our database. "+
		"We cannot provide information about resources that are not tracked. "+
		"Please try asking about different resource types.", strings.Join(quoted, ", "))
}

// ReferencedTables returns the tables a query reads from.
func ReferencedTables(sql string) ([]string, error) {
	toks, err := lex(sql)
	if err != nil {
		return nil, err
	}
	return referencedTables(toks), nil
}
