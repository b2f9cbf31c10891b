// Package sqlrewrite lowers statements against the logical lix views into
// physical reads and writes, and plans the follow-ups the write
// post-processor executes after the statement runs.
//
// The pipeline operates on a lexical scan of the statement text rather
// than a full AST: it needs statement classification, clause spans, and
// placeholder accounting, and it must both accept and emit SQLite and
// Postgres. See DESIGN.md for why no parser library serves that.
package sqlrewrite

import (
	"strings"

	"github.com/untoldecay/lix/internal/types"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokKeyword
	tokString  // 'literal' (text keeps the quotes)
	tokNumber  // integer or float literal
	tokPlaceholder
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	// placeholder number for ?N / $N, 0 for bare ?
	number int
	pos    int
}

var keywordSet = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true,
	"INTO": true, "FROM": true, "WHERE": true, "VALUES": true, "SET": true,
	"JOIN": true, "LEFT": true, "RIGHT": true, "INNER": true, "OUTER": true,
	"CROSS": true, "ON": true, "AND": true, "OR": true, "NOT": true,
	"NULL": true, "IN": true, "IS": true, "AS": true, "ORDER": true,
	"GROUP": true, "BY": true, "LIMIT": true, "OFFSET": true, "HAVING": true,
	"UNION": true, "ALL": true, "WITH": true, "RECURSIVE": true,
	"RETURNING": true, "CONFLICT": true, "DO": true, "NOTHING": true,
	"BEGIN": true, "COMMIT": true, "ROLLBACK": true, "TRANSACTION": true,
	"LIKE": true, "BETWEEN": true, "CASE": true, "WHEN": true, "THEN": true,
	"ELSE": true, "END": true, "EXISTS": true, "DISTINCT": true,
	"DEFAULT": true, "CAST": true,
}

// tokenize scans a single SQL statement. Comments are skipped; quoted
// identifiers keep their quotes in text.
func tokenize(sqlText string) ([]token, error) {
	var out []token
	i := 0
	n := len(sqlText)
	for i < n {
		c := sqlText[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < n && sqlText[i+1] == '-':
			for i < n && sqlText[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && sqlText[i+1] == '*':
			end := strings.Index(sqlText[i+2:], "*/")
			if end < 0 {
				return nil, &types.LixError{Message: "sql parse error: unterminated block comment"}
			}
			i += end + 4
		case c == '\'':
			start := i
			i++
			for i < n {
				if sqlText[i] == '\'' {
					if i+1 < n && sqlText[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			if i > n || sqlText[i-1] != '\'' {
				return nil, &types.LixError{Message: "sql parse error: unterminated string literal"}
			}
			out = append(out, token{kind: tokString, text: sqlText[start:i], pos: start})
		case c == '"' || c == '`' || c == '[':
			quote := c
			closer := quote
			if quote == '[' {
				closer = ']'
			}
			start := i
			i++
			for i < n && sqlText[i] != closer {
				i++
			}
			if i >= n {
				return nil, &types.LixError{Message: "sql parse error: unterminated quoted identifier"}
			}
			i++
			out = append(out, token{kind: tokIdent, text: sqlText[start:i], pos: start})
		case c == '?':
			start := i
			i++
			num := 0
			for i < n && sqlText[i] >= '0' && sqlText[i] <= '9' {
				num = num*10 + int(sqlText[i]-'0')
				i++
			}
			out = append(out, token{kind: tokPlaceholder, text: sqlText[start:i], number: num, pos: start})
		case c == '$' && i+1 < n && sqlText[i+1] >= '0' && sqlText[i+1] <= '9':
			start := i
			i++
			num := 0
			for i < n && sqlText[i] >= '0' && sqlText[i] <= '9' {
				num = num*10 + int(sqlText[i]-'0')
				i++
			}
			out = append(out, token{kind: tokPlaceholder, text: sqlText[start:i], number: num, pos: start})
		case isIdentStart(c):
			start := i
			for i < n && isIdentByte(sqlText[i]) {
				i++
			}
			text := sqlText[start:i]
			kind := tokIdent
			if keywordSet[strings.ToUpper(text)] {
				kind = tokKeyword
			}
			out = append(out, token{kind: kind, text: text, pos: start})
		case c >= '0' && c <= '9' || (c == '.' && i+1 < n && sqlText[i+1] >= '0' && sqlText[i+1] <= '9'):
			start := i
			for i < n && (sqlText[i] >= '0' && sqlText[i] <= '9' || sqlText[i] == '.' ||
				sqlText[i] == 'e' || sqlText[i] == 'E' ||
				((sqlText[i] == '+' || sqlText[i] == '-') && (sqlText[i-1] == 'e' || sqlText[i-1] == 'E'))) {
				i++
			}
			out = append(out, token{kind: tokNumber, text: sqlText[start:i], pos: start})
		default:
			// Multi-byte operators matter only for rendering; keep them as
			// single punct tokens.
			start := i
			if i+1 < n {
				two := sqlText[i : i+2]
				switch two {
				case "<=", ">=", "<>", "!=", "||":
					i += 2
					out = append(out, token{kind: tokPunct, text: two, pos: start})
					continue
				}
			}
			i++
			out = append(out, token{kind: tokPunct, text: string(c), pos: start})
		}
	}
	return out, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.'
}

// splitStatements breaks a script into individual statements on top-level
// semicolons, respecting string literals and comments.
func splitStatements(script string) ([]string, error) {
	var out []string
	start := 0
	i := 0
	n := len(script)
	for i < n {
		c := script[i]
		switch {
		case c == '\'':
			i++
			for i < n {
				if script[i] == '\'' {
					if i+1 < n && script[i+1] == '\'' {
						i += 2
						continue
					}
					break
				}
				i++
			}
			i++
		case c == '-' && i+1 < n && script[i+1] == '-':
			for i < n && script[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && script[i+1] == '*':
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				return nil, &types.LixError{Message: "sql parse error: unterminated block comment"}
			}
			i += end + 4
		case c == ';':
			if stmt := strings.TrimSpace(script[start:i]); stmt != "" {
				out = append(out, stmt)
			}
			i++
			start = i
		default:
			i++
		}
	}
	if stmt := strings.TrimSpace(script[start:]); stmt != "" {
		out = append(out, stmt)
	}
	if len(out) == 0 {
		return nil, &types.LixError{Message: "sql parse error: empty statement"}
	}
	return out, nil
}

// statementKind classifies a statement by its leading keyword.
type statementKind int

const (
	stmtOther statementKind = iota
	stmtSelect
	stmtInsert
	stmtUpdate
	stmtDelete
	stmtBegin
	stmtCommit
	stmtRollback
)

func classify(tokens []token) statementKind {
	if len(tokens) == 0 {
		return stmtOther
	}
	head := strings.ToUpper(tokens[0].text)
	if head == "WITH" {
		// The statement verb follows the CTE list; scan for it at depth 0.
		depth := 0
		for _, t := range tokens[1:] {
			switch {
			case t.kind == tokPunct && t.text == "(":
				depth++
			case t.kind == tokPunct && t.text == ")":
				depth--
			case depth == 0 && t.kind == tokKeyword:
				switch strings.ToUpper(t.text) {
				case "SELECT":
					return stmtSelect
				case "INSERT":
					return stmtInsert
				case "UPDATE":
					return stmtUpdate
				case "DELETE":
					return stmtDelete
				}
			}
		}
		return stmtSelect
	}
	switch head {
	case "SELECT", "VALUES":
		return stmtSelect
	case "INSERT":
		return stmtInsert
	case "UPDATE":
		return stmtUpdate
	case "DELETE":
		return stmtDelete
	case "BEGIN":
		return stmtBegin
	case "COMMIT":
		return stmtCommit
	case "ROLLBACK":
		return stmtRollback
	default:
		return stmtOther
	}
}

// targetTable returns the table an INSERT/UPDATE/DELETE addresses, without
// quotes, lowercased.
func targetTable(tokens []token, kind statementKind) string {
	find := func(after string) string {
		for i, t := range tokens {
			if t.kind == tokKeyword && strings.EqualFold(t.text, after) && i+1 < len(tokens) {
				next := tokens[i+1]
				if next.kind == tokIdent {
					return normalizeIdent(next.text)
				}
			}
		}
		return ""
	}
	switch kind {
	case stmtInsert:
		return find("INTO")
	case stmtUpdate:
		for i, t := range tokens {
			if t.kind == tokKeyword && strings.EqualFold(t.text, "UPDATE") && i+1 < len(tokens) {
				next := tokens[i+1]
				if next.kind == tokIdent {
					return normalizeIdent(next.text)
				}
				// UPDATE OR REPLACE etc.
				if i+3 < len(tokens) && tokens[i+3].kind == tokIdent {
					return normalizeIdent(tokens[i+3].text)
				}
			}
		}
	case stmtDelete:
		return find("FROM")
	}
	return ""
}

func normalizeIdent(raw string) string {
	if len(raw) >= 2 {
		switch raw[0] {
		case '"', '`':
			return strings.ToLower(raw[1 : len(raw)-1])
		case '[':
			return strings.ToLower(raw[1 : len(raw)-1])
		}
	}
	return strings.ToLower(raw)
}

// keywordIndex finds the first depth-0 occurrence of keyword kw starting
// at token index from; -1 when absent.
func keywordIndex(tokens []token, from int, kw string) int {
	depth := 0
	for i := from; i < len(tokens); i++ {
		t := tokens[i]
		switch {
		case t.kind == tokPunct && t.text == "(":
			depth++
		case t.kind == tokPunct && t.text == ")":
			depth--
		case depth == 0 && t.kind == tokKeyword && strings.EqualFold(t.text, kw):
			return i
		}
	}
	return -1
}

// render reassembles tokens into SQL text with single-space separation.
func render(tokens []token) string {
	var b strings.Builder
	for i, t := range tokens {
		if i > 0 && needsSpace(tokens[i-1], t) {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
	}
	return b.String()
}

func needsSpace(prev, cur token) bool {
	if prev.kind == tokPunct {
		switch prev.text {
		case "(", ".":
			return false
		}
	}
	if cur.kind == tokPunct {
		switch cur.text {
		case ")", ",", ".", "(":
			// foo( keeps function calls tight; identifiers before '(' may
			// be function names.
			return cur.text == "("
		}
	}
	return true
}
