package sqlrewrite

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"lukechampine.com/blake3"

	"github.com/untoldecay/lix/internal/types"
)

// Fingerprint hashes the normalized rewrite output: statements, bound
// parameters, registrations, postprocess plans, and mutation descriptors.
// Identical logical inputs fingerprint identically; any divergence in
// bound parameters or plans diverges the hash.
func Fingerprint(out *Output) string {
	type fpStatement struct {
		SQL    string   `json:"sql"`
		Params []string `json:"params"`
		Role   int      `json:"role"`
	}
	type fpPlan struct {
		Update *VtableUpdatePlan `json:"update,omitempty"`
		Delete *VtableDeletePlan `json:"delete,omitempty"`
	}
	payload := struct {
		Statements    []fpStatement        `json:"statements"`
		Registrations Registrations        `json:"registrations"`
		Postprocess   []fpPlan             `json:"postprocess"`
		Mutations     []MutationDescriptor `json:"mutations"`
	}{}

	for _, stmt := range out.Statements {
		fp := fpStatement{SQL: normalizeSQL(stmt.SQL), Role: int(stmt.Role)}
		for _, p := range stmt.Params {
			fp.Params = append(fp.Params, paramRepr(p))
		}
		payload.Statements = append(payload.Statements, fp)
	}
	payload.Registrations = out.Registrations
	for _, pp := range out.Postprocess {
		payload.Postprocess = append(payload.Postprocess, fpPlan{Update: pp.Update, Delete: pp.Delete})
	}
	payload.Mutations = out.Mutations

	encoded, err := json.Marshal(payload)
	if err != nil {
		// Marshalling plain structs cannot fail; keep the signature total.
		return "fingerprint-error"
	}
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func paramRepr(v types.Value) string {
	switch v.Kind {
	case types.KindNull:
		return "null"
	case types.KindInteger:
		return "i:" + v.AsText()
	case types.KindReal:
		return "r:" + v.AsText()
	case types.KindText:
		return "t:" + v.Text
	case types.KindBlob:
		sum := blake3.Sum256(v.Blob)
		return "b:" + hex.EncodeToString(sum[:8])
	}
	return "?"
}

// normalizeSQL collapses whitespace for fingerprinting.
func normalizeSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
