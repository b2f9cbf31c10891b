package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/untoldecay/lix/internal/funcs"
	"github.com/untoldecay/lix/internal/types"
)

// Evaluator evaluates x-lix-default expressions. The language is CEL over
// a single variable `snapshot` (the in-progress snapshot object) plus a
// fixed, side-effect-free function vocabulary: timestamp() and uuid_v7().
type Evaluator struct {
	env      *cel.Env
	provider funcs.Provider
	programs map[string]cel.Program
}

// NewEvaluator builds an evaluator bound to the given function provider.
func NewEvaluator(provider funcs.Provider) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("snapshot", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("uuid_v7",
			cel.Overload("uuid_v7_string", []*cel.Type{}, cel.StringType,
				cel.FunctionBinding(func(_ ...ref.Val) ref.Val {
					return celtypes.String(provider.UUID())
				}))),
		cel.Function("timestamp",
			cel.Overload("timestamp_now_string", []*cel.Type{}, cel.StringType,
				cel.FunctionBinding(func(_ ...ref.Val) ref.Val {
					return celtypes.String(provider.Timestamp())
				}))),
	)
	if err != nil {
		return nil, types.Errorf("failed to build default expression environment: %v", err)
	}
	return &Evaluator{env: env, provider: provider, programs: map[string]cel.Program{}}, nil
}

// Eval evaluates expr against the snapshot object (JSON text) and returns
// a JSON-compatible native value.
func (e *Evaluator) Eval(expr, snapshotJSON string) (any, error) {
	prg, ok := e.programs[expr]
	if !ok {
		ast, iss := e.env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
		}
		var err error
		prg, err = e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program %q: %w", expr, err)
		}
		e.programs[expr] = prg
	}

	var snapshot map[string]any
	if err := json.Unmarshal([]byte(snapshotJSON), &snapshot); err != nil {
		return nil, fmt.Errorf("snapshot is not an object: %w", err)
	}
	out, _, err := prg.Eval(map[string]any{"snapshot": snapshot})
	if err != nil {
		return nil, err
	}
	return nativeValue(out), nil
}

func nativeValue(v ref.Val) any {
	switch t := v.Value().(type) {
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000Z")
	case []ref.Val:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = nativeValue(el)
		}
		return out
	default:
		return t
	}
}
