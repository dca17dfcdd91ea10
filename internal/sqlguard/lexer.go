package sqlguard

import (
	"errors"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func (t token) is(word string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

func (t token) punct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

var (
	errUnterminatedString  = errors.New("unterminated string literal")
	errUnterminatedComment = errors.New("unterminated block comment")
	errUnbalancedParens    = errors.New("unbalanced parentheses")
)

// lex splits SQL into tokens, dropping comments and whitespace. Dotted names
// such as schema.table stay one identifier token.
func lex(sql string) ([]token, error) {
	var out []token
	rs := []rune(sql)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			j := i + 2
			for j+1 < len(rs) && (rs[j] != '*' || rs[j+1] != '/') {
				j++
			}
			if j+1 >= len(rs) {
				return nil, errUnterminatedComment
			}
			i = j + 2
		case r == '\'':
			j, ok := scanQuoted(rs, i, '\'')
			if !ok {
				return nil, errUnterminatedString
			}
			out = append(out, token{kind: tokString, text: string(rs[i+1 : j-1])})
			i = j
		case r == '"' || r == '`':
			j, ok := scanQuoted(rs, i, r)
			if !ok {
				return nil, errUnterminatedString
			}
			out = appendIdent(out, token{kind: tokQuotedIdent, text: string(rs[i+1 : j-1])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '$') {
				j++
			}
			out = appendIdent(out, token{kind: tokIdent, text: string(rs[i:j])})
			i = j
		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			out = append(out, token{kind: tokNumber, text: string(rs[i:j])})
			i = j
		default:
			out = append(out, token{kind: tokPunct, text: string(r)})
			i++
		}
	}
	return out, nil
}

// appendIdent joins an identifier onto a preceding "name ." pair.
func appendIdent(out []token, t token) []token {
	n := len(out)
	if n >= 2 && out[n-1].punct(".") && (out[n-2].kind == tokIdent || out[n-2].kind == tokQuotedIdent) {
		joined := token{kind: tokIdent, text: out[n-2].text + "." + t.text}
		return append(out[:n-2], joined)
	}
	return append(out, t)
}

// scanQuoted returns the index just past the closing quote. A doubled quote
// is an escaped quote.
func scanQuoted(rs []rune, start int, q rune) (int, bool) {
	for i := start + 1; i < len(rs); i++ {
		if rs[i] != q {
			continue
		}
		if i+1 < len(rs) && rs[i+1] == q {
			i++
			continue
		}
		return i + 1, true
	}
	return 0, false
}

// statements splits tokens on top-level semicolons, dropping empty ones.
func statements(toks []token) [][]token {
	var out [][]token
	start := 0
	for i, t := range toks {
		if t.punct(";") {
			if i > start {
				out = append(out, toks[start:i])
			}
			start = i + 1
		}
	}
	if start < len(toks) {
		out = append(out, toks[start:])
	}
	return out
}

func checkParens(toks []token) error {
	depth := 0
	for _, t := range toks {
		switch {
		case t.punct("("):
			depth++
		case t.punct(")"):
			depth--
			if depth < 0 {
				return errUnbalancedParens
			}
		}
	}
	if depth != 0 {
		return errUnbalancedParens
	}
	return nil
}

// functions whose argument lists use FROM as a keyword.
var fromArgFunctions = map[string]bool{
	"extract": true, "substring": true, "trim": true, "position": true, "overlay": true,
}

// referencedTables lists the lower-cased tables named after FROM or JOIN,
// excluding CTE names, subqueries and table functions.
func referencedTables(toks []token) []string {
	ctes := cteNames(toks)
	seen := make(map[string]bool)
	var out []string
	addTable := func(t token) {
		name := strings.ToLower(t.text)
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if name == "" || ctes[name] || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	// stack of the identifier that opened each parenthesis
	var openers []string
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.punct("("):
			opener := ""
			if i > 0 && toks[i-1].kind == tokIdent {
				opener = strings.ToLower(toks[i-1].text)
			}
			openers = append(openers, opener)
			continue
		case t.punct(")"):
			if len(openers) > 0 {
				openers = openers[:len(openers)-1]
			}
			continue
		}
		if !t.is("from") && !t.is("join") {
			continue
		}
		if t.is("from") && len(openers) > 0 && fromArgFunctions[openers[len(openers)-1]] {
			continue
		}

		for j := i + 1; j < len(toks); {
			cur := toks[j]
			if cur.is("lateral") || cur.is("only") {
				j++
				continue
			}
			if cur.kind != tokIdent && cur.kind != tokQuotedIdent {
				break
			}
			if j+1 < len(toks) && toks[j+1].punct("(") {
				break // table function
			}
			addTable(cur)
			j++
			// optional alias
			if j < len(toks) && toks[j].is("as") {
				j++
			}
			if j < len(toks) && (toks[j].kind == tokIdent || toks[j].kind == tokQuotedIdent) && !isClauseKeyword(toks[j]) {
				j++
			}
			if j < len(toks) && toks[j].punct(",") && t.is("from") {
				j++
				continue
			}
			break
		}
	}
	return out
}

// cteNames collects names defined as "name [(cols)] AS (".
func cteNames(toks []token) map[string]bool {
	out := make(map[string]bool)
	for i := 0; i+1 < len(toks); i++ {
		if !toks[i].is("as") || !toks[i+1].punct("(") || i == 0 {
			continue
		}
		prev := i - 1
		if toks[prev].punct(")") {
			depth := 0
			for ; prev >= 0; prev-- {
				if toks[prev].punct(")") {
					depth++
				} else if toks[prev].punct("(") {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			prev--
		}
		if prev >= 0 && (toks[prev].kind == tokIdent || toks[prev].kind == tokQuotedIdent) {
			out[strings.ToLower(toks[prev].text)] = true
		}
	}
	return out
}

var clauseKeywords = map[string]bool{
	"where": true, "join": true, "inner": true, "left": true, "right": true, "full": true,
	"outer": true, "cross": true, "natural": true, "on": true, "using": true, "group": true,
	"order": true, "having": true, "limit": true, "offset": true, "union": true,
	"intersect": true, "except": true, "window": true, "fetch": true, "for": true,
	"lateral": true, "tablesample": true,
}

func isClauseKeyword(t token) bool {
	return t.kind == tokIdent && clauseKeywords[strings.ToLower(t.text)]
}
