package sqlrewrite

import (
	"context"

	"github.com/untoldecay/lix/internal/debug"
	"github.com/untoldecay/lix/internal/types"
)

// Preprocess lowers a client script into prepared statements plus the
// follow-up plans the write post-processor consumes.
//
// Stage order: split, transaction coalescing, VALUES materialization,
// default application, per-statement rewrite, subquery descent, predicate
// pushdown, function lowering, parameter binding, postprocess planning.
//
// Placeholder discipline: statements carrying only bare ? placeholders
// keep them, bound positionally from the script vector. A statement with
// any numbered placeholder (?N / $N) is resolved to literals up front —
// numbered placeholders may repeat and always push into inner CTEs, which
// only literal inlining can express without disturbing bindings.
func Preprocess(ctx context.Context, script string, params []types.Value, opt Options) (*Output, error) {
	statements, err := splitStatements(script)
	if err != nil {
		return nil, err
	}

	out := &Output{}
	ps := &paramState{params: params}

	// Transaction coalescing: contiguous plain vtable inserts merge into
	// one staged batch; staged rows accumulate until a non-insert
	// statement (or a stored-schema row) flushes them.
	var staged []stagedRow
	flush := func() {
		if len(staged) == 0 {
			return
		}
		out.Statements = append(out.Statements, buildVtableInsert(staged, opt.Provider.Timestamp()))
		staged = nil
	}

	for _, stmt := range statements {
		tokens, err := tokenize(stmt)
		if err != nil {
			return nil, err
		}

		if hasNumberedPlaceholder(tokens) {
			resolved, err := resolvePlaceholdersInline(tokens, ps.params, ps.cursor)
			if err != nil {
				return nil, err
			}
			advanceBare(ps, tokens)
			stmt = resolved
			tokens, err = tokenize(stmt)
			if err != nil {
				return nil, err
			}
		}

		kind := classify(tokens)
		switch kind {
		case stmtBegin, stmtCommit, stmtRollback:
			// The engine owns the transaction; explicit markers are
			// accepted and elided.
			continue

		case stmtInsert:
			rows, err := handleInsert(ctx, stmt, tokens, ps, opt, out)
			if err != nil {
				return nil, err
			}
			if rows == nil {
				flush()
				if err := passThrough(stmt, tokens, ps, opt, out, RoleGeneric); err != nil {
					return nil, err
				}
				continue
			}
			staged = append(staged, rows...)
			if containsStoredSchema(rows) {
				flush()
			}

		case stmtUpdate:
			flush()
			handled, err := handleUpdate(ctx, stmt, tokens, ps, opt, out)
			if err != nil {
				return nil, err
			}
			if !handled {
				if err := passThrough(stmt, tokens, ps, opt, out, RoleGeneric); err != nil {
					return nil, err
				}
			}

		case stmtDelete:
			flush()
			handled, err := handleDelete(ctx, stmt, tokens, ps, opt, out)
			if err != nil {
				return nil, err
			}
			if !handled {
				if err := passThrough(stmt, tokens, ps, opt, out, RoleGeneric); err != nil {
					return nil, err
				}
			}

		case stmtSelect:
			flush()
			rewritten, _, err := rewriteReadStatement(ctx, stmt, ps.params, ps.cursor, opt, out)
			if err != nil {
				return nil, err
			}
			out.Statements = append(out.Statements, PreparedStatement{
				SQL: rewritten, Params: bareParams(ps, tokens), Role: RoleRead,
			})

		default:
			flush()
			if err := passThrough(stmt, tokens, ps, opt, out, RoleGeneric); err != nil {
				return nil, err
			}
		}
	}
	flush()

	if debug.Enabled() {
		debug.Logf("sqlrewrite: %d statements, %d staged mutations, fingerprint=%s",
			len(out.Statements), len(out.Mutations), Fingerprint(out))
	}
	return out, nil
}

func passThrough(stmt string, tokens []token, ps *paramState, opt Options, out *Output, role StatementRole) error {
	lowered, err := lowerFunctions(stmt, opt.Dialect)
	if err != nil {
		return err
	}
	out.Statements = append(out.Statements, PreparedStatement{
		SQL: lowered, Params: bareParams(ps, tokens), Role: role,
	})
	return nil
}

func hasNumberedPlaceholder(tokens []token) bool {
	for _, t := range tokens {
		if t.kind == tokPlaceholder && t.number > 0 {
			return true
		}
	}
	return false
}

// bareParams consumes the statement's bare placeholders from the script
// vector, in order, so later statements keep consistent bindings.
func bareParams(ps *paramState, tokens []token) []types.Value {
	var out []types.Value
	for _, t := range tokens {
		if t.kind == tokPlaceholder && t.number == 0 && ps.cursor < len(ps.params) {
			out = append(out, ps.params[ps.cursor])
			ps.cursor++
		}
	}
	return out
}

func advanceBare(ps *paramState, tokens []token) {
	for _, t := range tokens {
		if t.kind == tokPlaceholder && t.number == 0 && ps.cursor < len(ps.params) {
			ps.cursor++
		}
	}
}

// containsStoredSchema reports whether any staged row targets
// lix_stored_schema, which must never coalesce.
func containsStoredSchema(rows []stagedRow) bool {
	for _, row := range rows {
		if row.schemaKey == types.SchemaKeyStoredSchema {
			return true
		}
	}
	return false
}
