// Package types holds the leaf data model shared by every engine package:
// the Value union, change and commit rows, version context, and LixError.
package types

// Reserved identifiers.
const (
	// GlobalVersion owns meta entities: commits, edges, version pointers,
	// change-set elements and change authors.
	GlobalVersion = "global"

	// NoContentSnapshotID is the reserved snapshot id for tombstones.
	NoContentSnapshotID = "no-content"
)

// Builtin schema keys.
const (
	SchemaKeyCommit            = "lix_commit"
	SchemaKeyCommitEdge        = "lix_commit_edge"
	SchemaKeyVersionTip        = "lix_version_tip"
	SchemaKeyVersionDescriptor = "lix_version_descriptor"
	SchemaKeyVersionPointer    = "lix_version_pointer"
	SchemaKeyChangeSetElement  = "lix_change_set_element"
	SchemaKeyChangeAuthor      = "lix_change_author"
	SchemaKeyKeyValue          = "lix_key_value"
	SchemaKeyFileDescriptor    = "lix_file_descriptor"
	SchemaKeyDirDescriptor     = "lix_directory_descriptor"
	SchemaKeyStoredSchema      = "lix_stored_schema"
	SchemaKeyAccount           = "lix_account"
	SchemaKeyActiveVersion     = "lix_active_version"
)

// LixError is the engine's single error kind. Message carries enough
// context for callers and tests to match on.
type LixError struct {
	Message string
}

func (e *LixError) Error() string { return e.Message }

// Errorf builds a *LixError with a formatted message.
//
// Kept in types so leaf packages can produce engine errors without an
// import cycle.
func Errorf(format string, args ...any) *LixError {
	return &LixError{Message: sprintf(format, args...)}
}

// ChangeRow is one immutable change record. SnapshotContent == nil marks a
// tombstone.
type ChangeRow struct {
	ID              string
	EntityID        string
	SchemaKey       string
	SchemaVersion   string
	FileID          string
	PluginKey       string
	SnapshotContent *string
	Metadata        *string
	CreatedAt       string
}

// DomainChangeInput is a change as submitted to the commit generator: a
// ChangeRow plus the version it belongs to and optional writer provenance.
type DomainChangeInput struct {
	ChangeRow
	VersionID string
	WriterKey *string
	Untracked bool
}

// MaterializedStateRow is one projection row emitted by the commit
// generator or the materializer.
type MaterializedStateRow struct {
	ID              string
	EntityID        string
	SchemaKey       string
	SchemaVersion   string
	FileID          string
	PluginKey       string
	SnapshotContent *string
	Metadata        *string
	CreatedAt       string
	UpdatedAt       string
	VersionID       string
	CommitID        string
	WriterKey       *string
	InheritedFrom   *string
}

// IsTombstone reports whether the row represents a deletion.
func (r *MaterializedStateRow) IsTombstone() bool { return r.SnapshotContent == nil }

// VersionSnapshot is the pointer payload of a version: its id, current
// commit, and working commit.
type VersionSnapshot struct {
	ID              string  `json:"id"`
	CommitID        string  `json:"commit_id"`
	WorkingCommitID *string `json:"working_commit_id"`
}

// VersionInfo is the per-version context handed to the commit generator.
type VersionInfo struct {
	ParentCommitIDs []string
	Snapshot        VersionSnapshot
}

// CommitSnapshot is the JSON payload of a lix_commit change.
type CommitSnapshot struct {
	ID               string   `json:"id"`
	ChangeSetID      string   `json:"change_set_id"`
	ParentCommitIDs  []string `json:"parent_commit_ids"`
	ChangeIDs        []string `json:"change_ids"`
	AuthorAccountIDs []string `json:"author_account_ids"`
	MetaChangeIDs    []string `json:"meta_change_ids"`
}

// CommitEdge is one parent→child edge of the commit DAG.
type CommitEdge struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
}

// ChangeSetElementSnapshot joins a change set to one member change.
type ChangeSetElementSnapshot struct {
	ChangeSetID string `json:"change_set_id"`
	ChangeID    string `json:"change_id"`
	EntityID    string `json:"entity_id"`
	SchemaKey   string `json:"schema_key"`
	FileID      string `json:"file_id"`
}

// ChangeAuthorSnapshot attributes one change to one account.
type ChangeAuthorSnapshot struct {
	ChangeID  string `json:"change_id"`
	AccountID string `json:"account_id"`
}

// VersionDescriptor describes a named branch.
type VersionDescriptor struct {
	ID                    string  `json:"id"`
	Name                  *string `json:"name,omitempty"`
	InheritsFromVersionID *string `json:"inherits_from_version_id"`
	Hidden                bool    `json:"hidden,omitempty"`
}

// DetectedFileChange is one domain-level change a plugin derived from file
// bytes.
type DetectedFileChange struct {
	EntityID        string  `json:"entity_id"`
	SchemaKey       string  `json:"schema_key"`
	SchemaVersion   string  `json:"schema_version"`
	SnapshotContent *string `json:"snapshot_content"`
	PluginKey       string  `json:"plugin_key"`
}

// DetectedFileDomainChange carries a detected change plus routing context.
type DetectedFileDomainChange struct {
	DetectedFileChange
	FileID    string
	VersionID string
	WriterKey *string
}
