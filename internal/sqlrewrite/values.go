package sqlrewrite

import (
	"strconv"
	"strings"

	"github.com/untoldecay/lix/internal/types"
)

// paramState threads placeholder bindings across the statements of one
// script, so mixed anonymous and numbered placeholders stay consistent.
type paramState struct {
	params []types.Value
	cursor int
}

func (p *paramState) take(t token) (types.Value, error) {
	if t.number > 0 {
		if t.number > len(p.params) {
			return types.Value{}, types.Errorf(
				"sql parse error: placeholder %s has no bound parameter", t.text)
		}
		return p.params[t.number-1], nil
	}
	if p.cursor >= len(p.params) {
		return types.Value{}, &types.LixError{
			Message: "sql parse error: statement references more parameters than were bound"}
	}
	v := p.params[p.cursor]
	p.cursor++
	return v, nil
}

// insertShape is a parsed INSERT statement over literal VALUES rows.
type insertShape struct {
	table      string
	columns    []string
	rows       [][]types.Value
	onConflict string // raw trailing ON CONFLICT clause, "" when absent
	returning  bool
	selectSQL  string // non-empty for INSERT ... SELECT
	selectPos  int    // token index of SELECT
}

// parseInsert decodes INSERT INTO t (cols...) VALUES (...),(...) with
// literal and placeholder cells. INSERT ... SELECT yields selectSQL
// instead of rows.
func parseInsert(stmt string, tokens []token, ps *paramState) (*insertShape, error) {
	shape := &insertShape{table: targetTable(tokens, stmtInsert)}
	if shape.table == "" {
		return nil, &types.LixError{Message: "sql parse error: INSERT without target table"}
	}

	// Column list: the parenthesized ident list right after the table.
	i := 0
	for ; i < len(tokens); i++ {
		if tokens[i].kind == tokKeyword && strings.EqualFold(tokens[i].text, "INTO") {
			i += 2
			break
		}
	}
	if i < len(tokens) && tokens[i].kind == tokPunct && tokens[i].text == "(" {
		i++
		for i < len(tokens) {
			t := tokens[i]
			if t.kind == tokPunct && t.text == ")" {
				i++
				break
			}
			if t.kind == tokIdent || t.kind == tokKeyword {
				shape.columns = append(shape.columns, normalizeIdent(t.text))
			}
			i++
		}
	}
	if len(shape.columns) == 0 {
		return nil, types.Errorf(
			"sql parse error: INSERT INTO %s requires an explicit column list", shape.table)
	}

	valuesIdx := keywordIndex(tokens, i, "VALUES")
	selectIdx := keywordIndex(tokens, i, "SELECT")
	if valuesIdx < 0 || (selectIdx >= 0 && selectIdx < valuesIdx) {
		if selectIdx < 0 {
			return nil, types.Errorf("sql parse error: INSERT INTO %s has no VALUES or SELECT", shape.table)
		}
		shape.selectSQL = stmt[tokens[selectIdx].pos:]
		shape.selectPos = selectIdx
		return shape, nil
	}

	i = valuesIdx + 1
	for i < len(tokens) {
		if tokens[i].kind == tokPunct && tokens[i].text == "," {
			i++
			continue
		}
		if tokens[i].kind == tokKeyword {
			break // ON CONFLICT / RETURNING
		}
		if tokens[i].kind != tokPunct || tokens[i].text != "(" {
			return nil, types.Errorf("sql parse error: malformed VALUES list near %q", tokens[i].text)
		}
		row, next, err := parseValueTuple(tokens, i, ps)
		if err != nil {
			return nil, err
		}
		if len(row) != len(shape.columns) {
			return nil, types.Errorf(
				"sql parse error: INSERT INTO %s row has %d values for %d columns",
				shape.table, len(row), len(shape.columns))
		}
		shape.rows = append(shape.rows, row)
		i = next
	}

	// Trailing clauses.
	if idx := keywordIndex(tokens, i, "ON"); idx >= 0 {
		end := keywordIndex(tokens, idx, "RETURNING")
		if end < 0 {
			end = len(tokens)
		}
		shape.onConflict = strings.TrimSpace(stmt[tokens[idx].pos:tokenEnd(stmt, tokens, end)])
	}
	shape.returning = keywordIndex(tokens, i, "RETURNING") >= 0
	return shape, nil
}

func tokenEnd(stmt string, tokens []token, idx int) int {
	if idx >= len(tokens) {
		return len(stmt)
	}
	return tokens[idx].pos
}

// parseValueTuple reads one parenthesized value tuple starting at the "("
// token; returns the cells and the index just past the closing ")".
func parseValueTuple(tokens []token, start int, ps *paramState) ([]types.Value, int, error) {
	var row []types.Value
	i := start + 1
	for i < len(tokens) {
		t := tokens[i]
		if t.kind == tokPunct && t.text == ")" {
			return row, i + 1, nil
		}
		if t.kind == tokPunct && t.text == "," {
			i++
			continue
		}
		val, next, err := parseScalar(tokens, i, ps)
		if err != nil {
			return nil, 0, err
		}
		row = append(row, val)
		i = next
	}
	return nil, 0, &types.LixError{Message: "sql parse error: unterminated VALUES tuple"}
}

// parseScalar decodes one literal cell: string, number, NULL, boolean,
// placeholder, or a negated number.
func parseScalar(tokens []token, i int, ps *paramState) (types.Value, int, error) {
	t := tokens[i]
	switch {
	case t.kind == tokString:
		return types.Text(unquoteString(t.text)), i + 1, nil
	case t.kind == tokNumber:
		v, err := numberValue(t.text, false)
		return v, i + 1, err
	case t.kind == tokPlaceholder:
		v, err := ps.take(t)
		return v, i + 1, err
	case t.kind == tokPunct && t.text == "-" && i+1 < len(tokens) && tokens[i+1].kind == tokNumber:
		v, err := numberValue(tokens[i+1].text, true)
		return v, i + 2, err
	case t.kind == tokKeyword && strings.EqualFold(t.text, "NULL"):
		return types.Null(), i + 1, nil
	case t.kind == tokIdent && strings.EqualFold(t.text, "true"):
		return types.Integer(1), i + 1, nil
	case t.kind == tokIdent && strings.EqualFold(t.text, "false"):
		return types.Integer(0), i + 1, nil
	case (t.kind == tokIdent || t.kind == tokKeyword) && i+1 < len(tokens) &&
		tokens[i+1].kind == tokPunct && tokens[i+1].text == "(":
		return types.Value{}, 0, types.Errorf(
			"sql parse error: function expressions are not supported in VALUES for lix views (near %q)", t.text)
	default:
		return types.Value{}, 0, types.Errorf("sql parse error: unsupported VALUES cell near %q", t.text)
	}
}

func numberValue(text string, negate bool) (types.Value, error) {
	if strings.ContainsAny(text, ".eE") {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return types.Value{}, types.Errorf("sql parse error: bad numeric literal %q", text)
		}
		if negate {
			f = -f
		}
		return types.Real(f), nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return types.Value{}, types.Errorf("sql parse error: bad numeric literal %q", text)
	}
	if negate {
		n = -n
	}
	return types.Integer(n), nil
}

func unquoteString(quoted string) string {
	inner := quoted[1 : len(quoted)-1]
	return strings.ReplaceAll(inner, "''", "'")
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// rowValue returns the named column's value from a parsed row, or Null.
func rowValue(columns []string, row []types.Value, name string) types.Value {
	for i, col := range columns {
		if col == name {
			return row[i]
		}
	}
	return types.Null()
}

func hasColumn(columns []string, name string) bool {
	for _, col := range columns {
		if col == name {
			return true
		}
	}
	return false
}
