package sqlrewrite

import (
	"strings"

	"github.com/untoldecay/lix/internal/types"
)

// pushableStateColumns are the state-view columns whose equality and IN
// predicates relocate into the inner CTEs.
var pushableStateColumns = map[string]bool{
	"schema_key": true, "entity_id": true, "file_id": true,
	"plugin_key": true, "version_id": true,
}

// pushableHistoryColumns are the history-view equivalents.
var pushableHistoryColumns = map[string]bool{
	"schema_key": true, "entity_id": true, "file_id": true,
	"plugin_key": true, "root_commit_id": true, "depth": true, "commit_id": true,
}

// extractedPredicate is one pushable conjunct.
type extractedPredicate struct {
	column string
	// rendered right-hand side(s): literals or numbered placeholders
	rendered []string
	// concrete values, when every operand resolved to a bound value
	values   []string
	resolved bool
	isIn     bool
}

// extractFilters scans the outer WHERE clause for pushable predicates on
// the given view columns. Bare ? operands are pushed by inlining the bound
// value (binding order is untouched since the outer text keeps its
// placeholder); numbered placeholders are pushed as-is. baseCursor is the
// count of bare placeholders consumed by earlier statements of the script.
func extractFilters(tokens []token, pushable map[string]bool, params []types.Value, baseCursor int) []extractedPredicate {
	whereIdx := keywordIndex(tokens, 0, "WHERE")
	if whereIdx < 0 {
		return nil
	}

	// Ordinal of each bare ? token across the whole statement.
	bareOrdinal := map[int]int{}
	ord := baseCursor
	for i, t := range tokens {
		if t.kind == tokPlaceholder && t.number == 0 {
			bareOrdinal[i] = ord
			ord++
		}
	}

	end := len(tokens)
	for _, kw := range []string{"ORDER", "GROUP", "LIMIT"} {
		if idx := keywordIndex(tokens, whereIdx, kw); idx >= 0 && idx < end {
			end = idx
		}
	}

	var out []extractedPredicate
	// Split the clause on depth-0 ANDs; OR-connected clauses don't push.
	i := whereIdx + 1
	for i < end {
		j := i
		depth := 0
		hasOr := false
		for j < end {
			t := tokens[j]
			if t.kind == tokPunct && t.text == "(" {
				depth++
			} else if t.kind == tokPunct && t.text == ")" {
				depth--
			} else if depth == 0 && t.kind == tokKeyword {
				if strings.EqualFold(t.text, "AND") {
					break
				}
				if strings.EqualFold(t.text, "OR") {
					hasOr = true
				}
			}
			j++
		}
		if !hasOr {
			if pred, ok := matchPredicate(tokens[i:j], pushable, params, bareOrdinal, i); ok {
				out = append(out, pred)
			}
		}
		i = j + 1
	}
	return out
}

// matchPredicate recognizes `[alias.]col = operand` and `[alias.]col IN
// (operand, ...)` shapes.
func matchPredicate(conj []token, pushable map[string]bool, params []types.Value, bareOrdinal map[int]int, offset int) (extractedPredicate, bool) {
	if len(conj) < 3 || conj[0].kind != tokIdent {
		return extractedPredicate{}, false
	}
	col := normalizeIdent(conj[0].text)
	if dot := strings.LastIndexByte(col, '.'); dot >= 0 {
		col = col[dot+1:]
	}
	if !pushable[col] {
		return extractedPredicate{}, false
	}

	renderOperand := func(idx int) (rendered string, value string, resolved bool, ok bool) {
		t := conj[idx]
		switch t.kind {
		case tokString:
			return t.text, unquoteString(t.text), true, true
		case tokNumber:
			return t.text, t.text, true, true
		case tokPlaceholder:
			if t.number > 0 {
				if t.number <= len(params) {
					return t.text, params[t.number-1].AsText(), true, true
				}
				return t.text, "", false, true
			}
			ordinal, known := bareOrdinal[offset+idx]
			if !known || ordinal >= len(params) {
				return "", "", false, false
			}
			v := params[ordinal]
			switch v.Kind {
			case types.KindText:
				return quoteString(v.Text), v.Text, true, true
			case types.KindInteger, types.KindReal:
				return v.AsText(), v.AsText(), true, true
			default:
				// Blob or null operands don't inline; leave the predicate
				// outside.
				return "", "", false, false
			}
		}
		return "", "", false, false
	}

	if conj[1].kind == tokPunct && conj[1].text == "=" && len(conj) == 3 {
		rendered, value, resolved, ok := renderOperand(2)
		if !ok {
			return extractedPredicate{}, false
		}
		return extractedPredicate{
			column:   col,
			rendered: []string{rendered},
			values:   []string{value},
			resolved: resolved,
		}, true
	}

	if conj[1].kind == tokKeyword && strings.EqualFold(conj[1].text, "IN") &&
		len(conj) >= 4 && conj[2].kind == tokPunct && conj[2].text == "(" {
		pred := extractedPredicate{column: col, isIn: true, resolved: true}
		for idx := 3; idx < len(conj); idx++ {
			t := conj[idx]
			if t.kind == tokPunct && (t.text == "," ) {
				continue
			}
			if t.kind == tokPunct && t.text == ")" {
				break
			}
			// Subqueries inside IN don't push.
			if t.kind == tokKeyword && strings.EqualFold(t.text, "SELECT") {
				return extractedPredicate{}, false
			}
			rendered, value, resolved, ok := renderOperand(idx)
			if !ok {
				return extractedPredicate{}, false
			}
			pred.rendered = append(pred.rendered, rendered)
			pred.values = append(pred.values, value)
			pred.resolved = pred.resolved && resolved
		}
		if len(pred.rendered) == 0 {
			return extractedPredicate{}, false
		}
		return pred, true
	}

	return extractedPredicate{}, false
}

// filtersFromPredicates assembles readFilters for a view expansion.
func filtersFromPredicates(preds []extractedPredicate, isHistory bool) readFilters {
	var f readFilters
	for _, pred := range preds {
		switch pred.column {
		case "schema_key":
			if pred.resolved {
				f.schemaKeys = append(f.schemaKeys, pred.values...)
				continue
			}
		case "version_id":
			// The view's version_id is the inheritance root, not the row's
			// physical version; it only pushes as a root restriction.
			if pred.resolved && !isHistory {
				f.versionIDs = append(f.versionIDs, pred.values...)
			}
			continue
		case "root_commit_id":
			if pred.resolved {
				f.rootCommits = append(f.rootCommits, pred.values...)
				continue
			}
		}
		col := "cand." + pred.column
		if isHistory && pred.column == "depth" {
			col = "b.from_depth"
		}
		if pred.isIn {
			f.conds = append(f.conds, col+" IN ("+strings.Join(pred.rendered, ", ")+")")
		} else {
			f.conds = append(f.conds, col+" = "+pred.rendered[0])
		}
	}
	return f
}
