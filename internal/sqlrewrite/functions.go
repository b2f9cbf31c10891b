package sqlrewrite

import (
	"strings"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/types"
)

// lowerFunctions inlines lix builtin SQL functions for the target dialect.
// Currently: lix_json_text(col, 'field').
func lowerFunctions(stmt string, dialect backend.Dialect) (string, error) {
	if !strings.Contains(strings.ToLower(stmt), "lix_json_text") {
		return stmt, nil
	}
	tokens, err := tokenize(stmt)
	if err != nil {
		return "", err
	}

	type replacement struct {
		start, end int
		text       string
	}
	var replacements []replacement
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if t.kind != tokIdent || !strings.EqualFold(t.text, "lix_json_text") {
			continue
		}
		if i+1 >= len(tokens) || tokens[i+1].text != "(" {
			continue
		}
		// Argument 1: a column reference up to the comma; argument 2: a
		// string literal naming the field.
		depth := 0
		var argEnd, comma int
		for j := i + 1; j < len(tokens); j++ {
			switch {
			case tokens[j].kind == tokPunct && tokens[j].text == "(":
				depth++
			case tokens[j].kind == tokPunct && tokens[j].text == ")":
				depth--
				if depth == 0 {
					argEnd = j
				}
			case tokens[j].kind == tokPunct && tokens[j].text == "," && depth == 1 && comma == 0:
				comma = j
			}
			if argEnd != 0 {
				break
			}
		}
		if argEnd == 0 || comma == 0 {
			return "", &types.LixError{Message: "lix_json_text requires (column, 'field')"}
		}
		colTokens := tokens[i+2 : comma]
		fieldTok := tokens[comma+1]
		if fieldTok.kind != tokString {
			return "", &types.LixError{Message: "lix_json_text requires a string literal field name"}
		}
		col := render(colTokens)
		field := unquoteString(fieldTok.text)
		end := tokens[argEnd].pos + 1
		replacements = append(replacements, replacement{
			start: t.pos,
			end:   end,
			text:  jsonExtract(dialect, col, field),
		})
		i = argEnd
	}

	rewritten := stmt
	for i := len(replacements) - 1; i >= 0; i-- {
		r := replacements[i]
		rewritten = rewritten[:r.start] + r.text + rewritten[r.end:]
	}
	return rewritten, nil
}
