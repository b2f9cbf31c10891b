package sqlrewrite

import (
	"context"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/funcs"
	"github.com/untoldecay/lix/internal/schema"
	"github.com/untoldecay/lix/internal/types"
)

// StatementRole tells the write post-processor how to treat a prepared
// statement's result rows.
type StatementRole int

const (
	// RoleGeneric statements run for their effect or result only.
	RoleGeneric StatementRole = iota
	// RoleVtableWrite statements stage rows in the virtual state table;
	// their RETURNING rows become domain change inputs.
	RoleVtableWrite
	// RoleRead statements are plain reads whose result is the client's
	// answer.
	RoleRead
)

// PreparedStatement is one rewritten statement with bound parameters.
type PreparedStatement struct {
	SQL    string
	Params []types.Value
	Role   StatementRole
}

// Registrations are follow-ups the engine performs before or after
// executing the statement list.
type Registrations struct {
	// HistoryRoots lists root commits whose timeline must be built before
	// the statement runs.
	HistoryRoots []string
	// HistoryAllTips requests timeline builds for every version tip
	// (history read without an extractable root filter).
	HistoryAllTips bool
	// SchemaKeys whose materialized tables the statement touches.
	SchemaKeys []string
	// StoredSchemas are schema definitions registered by this script.
	StoredSchemas []string
}

// Assignment is one SET column = value in an update plan, resolved to a
// concrete value at rewrite time.
type Assignment struct {
	Column string
	Value  types.Value
}

// FileUpdateSpec carries the write-only columns an UPDATE on lix_file
// assigned; bytes are applied through the side-effect engine, never
// through the descriptor write.
type FileUpdateSpec struct {
	DataSet  bool
	Data     []byte
	Path     *string
	Hidden   *int64
	Metadata *string
}

// VtableUpdatePlan describes the follow-up for an UPDATE against the
// virtual state table or a view over it.
type VtableUpdatePlan struct {
	SchemaKey string
	// SelectionSQL selects the addressed rows through the logical
	// (inheritance-resolving) read; it is self-contained (no parameters).
	SelectionSQL               string
	Assignments                []Assignment // lixcol / direct column updates
	PropertyAssignments        []Assignment // lifted into snapshot_content
	ExplicitWriterKey          *string
	WriterKeyAssignmentPresent bool
	Untracked                  bool
	File                       *FileUpdateSpec
}

// VtableDeletePlan describes the follow-up for a DELETE.
type VtableDeletePlan struct {
	SchemaKey string
	// Target distinguishes plain state deletes from filesystem cascades:
	// "state", "file", or "directory".
	Target string
	// EffectiveScopeSelectionSQL selects the rows the delete addresses
	// through the logical (inheritance-resolving) read, so inherited rows
	// receive tombstones too.
	EffectiveScopeSelectionSQL string
	EffectiveScopeFallback     bool
	// CascadeDirectoryFiles is set for lix_directory_descriptor deletes.
	CascadeDirectoryFiles bool
}

// Postprocess carries at most one write plan per script statement.
type Postprocess struct {
	Update *VtableUpdatePlan
	Delete *VtableDeletePlan
}

// MutationDescriptor summarizes one staged write for events and
// fingerprinting.
type MutationDescriptor struct {
	Kind      string // insert | update | delete
	Table     string
	SchemaKey string
	VersionID string
}

// PendingFileWrite is a file-content write detected at rewrite time; the
// side-effect engine resolves it into domain changes and CAS rows.
type PendingFileWrite struct {
	FileID              string
	VersionID           string
	BeforePath          *string
	AfterPath           *string
	BeforeData          []byte
	AfterData           []byte
	DataIsAuthoritative bool
	WriterKey           *string
}

// PendingFileDelete marks a file removal for cache and CAS maintenance.
type PendingFileDelete struct {
	FileID    string
	VersionID string
	Path      *string
}

// Output is the result of preprocessing one script.
type Output struct {
	Statements         []PreparedStatement
	Registrations      Registrations
	Postprocess        []Postprocess
	Mutations          []MutationDescriptor
	UpdateValidations  []string
	PendingFileWrites  []PendingFileWrite
	PendingFileDeletes []PendingFileDelete
}

// Options configures one preprocess run.
type Options struct {
	Dialect backend.Dialect
	// WriterKey applies to staged writes that don't set one explicitly.
	WriterKey *string
	// ActiveVersionID resolves unqualified view variants.
	ActiveVersionID string
	// KnownSchemaKeys enumerates schemas with existing projection tables,
	// for unfiltered lix_state scans.
	KnownSchemaKeys []string
	// Lookup resolves schema definitions (builtin or stored).
	Lookup func(ctx context.Context, schemaKey string) (*schema.Definition, error)
	// Exec runs a read statement during rewriting (VALUES
	// materialization, directory ancestor lookups).
	Exec func(ctx context.Context, sql string, params []types.Value) (*backend.QueryResult, error)
	// Provider supplies timestamps and uuids for defaults.
	Provider funcs.Provider
}
