// Package engine binds the pipeline together: it owns the backend
// transaction discipline, runs the rewrite output, generates and persists
// commits, applies file side effects, and coordinates the active version.
package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/debug"
	"github.com/untoldecay/lix/internal/fileops"
	"github.com/untoldecay/lix/internal/funcs"
	"github.com/untoldecay/lix/internal/materialize"
	"github.com/untoldecay/lix/internal/plugin"
	"github.com/untoldecay/lix/internal/plugin/jsonprop"
	"github.com/untoldecay/lix/internal/schema"
	"github.com/untoldecay/lix/internal/types"
)

// DefaultVersionID is the working version created at init.
const DefaultVersionID = "main"

const activeVersionStateKey = "active_version_id"

// CommitEvent notifies subscribers of a successful mutation.
type CommitEvent struct {
	CommitIDs []string
	Versions  []string
}

// Config parameterizes engine construction.
type Config struct {
	Backend  backend.Backend
	Provider funcs.Provider // defaults to the real clock
	// WriterKey applies to all writes of this engine instance unless a
	// statement overrides it.
	WriterKey *string
}

// Engine is the public API: SQL over the logical views plus a handful of
// lifecycle operations.
type Engine struct {
	backend  backend.Backend
	provider funcs.Provider
	schemas  *schema.Store
	plugins  *plugin.Host
	fileops  *fileops.Engine
	writer   *string

	// activeMu guards the process-wide active version cell. It is only
	// held across non-awaiting sections.
	activeMu        sync.RWMutex
	activeVersionID string

	knownMu      sync.Mutex
	knownSchemas map[string]bool

	subsMu sync.Mutex
	subs   []chan CommitEvent
}

// New constructs an engine over the given backend.
func New(cfg Config) *Engine {
	provider := cfg.Provider
	if provider == nil {
		provider = funcs.NewClock()
	}
	host := plugin.NewHost()
	host.RegisterBuiltin(jsonprop.New())
	return &Engine{
		backend:      cfg.Backend,
		provider:     provider,
		schemas:      schema.NewStore(),
		plugins:      host,
		fileops:      &fileops.Engine{Host: host, Provider: provider},
		writer:       cfg.WriterKey,
		knownSchemas: map[string]bool{},
	}
}

// Init bootstraps the physical tables and the global/main versions. Safe
// to call on an already-initialized database.
func (e *Engine) Init(ctx context.Context) error {
	if err := backend.Bootstrap(ctx, e.backend); err != nil {
		return err
	}
	for _, schemaKey := range []string{
		types.SchemaKeyCommit, types.SchemaKeyCommitEdge, types.SchemaKeyVersionTip,
		types.SchemaKeyVersionDescriptor, types.SchemaKeyVersionPointer,
		types.SchemaKeyChangeSetElement, types.SchemaKeyChangeAuthor,
		types.SchemaKeyKeyValue, types.SchemaKeyFileDescriptor,
		types.SchemaKeyDirDescriptor, types.SchemaKeyStoredSchema,
	} {
		if err := e.ensureSchemaTable(ctx, e.backend, schemaKey); err != nil {
			return err
		}
	}

	active, err := e.loadEngineState(ctx, activeVersionStateKey)
	if err != nil {
		return err
	}
	if active != "" {
		e.setActiveVersion(active)
		return nil
	}

	// First boot: create the global version and a main version inheriting
	// from it, in one transaction.
	err = backend.WithTransaction(ctx, e.backend, func(tx backend.Transaction) error {
		timestamp := e.provider.Timestamp()
		global := types.GlobalVersion
		globalDesc := mustJSON(types.VersionDescriptor{ID: global, InheritsFromVersionID: nil})
		mainDesc := mustJSON(types.VersionDescriptor{ID: DefaultVersionID, InheritsFromVersionID: &global})

		changes := []types.DomainChangeInput{
			{
				ChangeRow: types.ChangeRow{
					ID: e.provider.UUID(), EntityID: global,
					SchemaKey: types.SchemaKeyVersionDescriptor, SchemaVersion: "1.0",
					FileID: schema.MetaFileID, PluginKey: schema.OwnChangeControlPlugin,
					SnapshotContent: &globalDesc, CreatedAt: timestamp,
				},
				VersionID: global,
			},
			{
				ChangeRow: types.ChangeRow{
					ID: e.provider.UUID(), EntityID: DefaultVersionID,
					SchemaKey: types.SchemaKeyVersionDescriptor, SchemaVersion: "1.0",
					FileID: schema.MetaFileID, PluginKey: schema.OwnChangeControlPlugin,
					SnapshotContent: &mainDesc, CreatedAt: timestamp,
				},
				VersionID: global,
			},
		}
		if _, err := e.commitDomainChanges(ctx, tx, timestamp, nil, changes); err != nil {
			return err
		}
		return e.saveEngineState(ctx, tx, activeVersionStateKey, DefaultVersionID)
	})
	if err != nil {
		return err
	}
	e.setActiveVersion(DefaultVersionID)
	debug.Logf("engine: initialized with active version %s", DefaultVersionID)
	return nil
}

// ActiveVersionID snapshots the active version cell.
func (e *Engine) ActiveVersionID() string {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	return e.activeVersionID
}

func (e *Engine) setActiveVersion(versionID string) {
	e.activeMu.Lock()
	e.activeVersionID = versionID
	e.activeMu.Unlock()
}

// SwitchActiveVersion moves the active version pointer. The switch
// persists in its own transaction; a failed persist leaves the cell
// untouched.
func (e *Engine) SwitchActiveVersion(ctx context.Context, versionID string) error {
	if versionID == "" {
		return &types.LixError{Message: "missing version context: version id is empty"}
	}
	err := backend.WithTransaction(ctx, e.backend, func(tx backend.Transaction) error {
		return e.saveEngineState(ctx, tx, activeVersionStateKey, versionID)
	})
	if err != nil {
		return err
	}
	e.setActiveVersion(versionID)
	return nil
}

// InstallPlugin loads a WASM component; reinstalling a key replaces the
// cached instance.
func (e *Engine) InstallPlugin(ctx context.Context, manifest plugin.Manifest, component []byte) error {
	return e.plugins.Install(ctx, manifest, component)
}

// Subscribe returns a channel receiving one event per successful
// mutation. Slow subscribers drop events rather than blocking commits.
func (e *Engine) Subscribe() <-chan CommitEvent {
	ch := make(chan CommitEvent, 16)
	e.subsMu.Lock()
	e.subs = append(e.subs, ch)
	e.subsMu.Unlock()
	return ch
}

func (e *Engine) notify(event CommitEvent) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// MaterializationRequest scopes a materialization run.
type MaterializationRequest struct {
	VersionIDs    []string
	Debug         materialize.TraceMode
	DebugRowLimit int
}

// Materialize recomputes the projection tables from the commit graph.
func (e *Engine) Materialize(ctx context.Context, req MaterializationRequest) (*materialize.Plan, error) {
	var plan *materialize.Plan
	err := backend.WithTransaction(ctx, e.backend, func(tx backend.Transaction) error {
		data, err := materialize.Load(ctx, tx)
		if err != nil {
			return err
		}
		scope := materialize.Scope{VersionIDs: req.VersionIDs}
		plan, err = materialize.BuildPlan(data, scope, req.Debug, req.DebugRowLimit)
		if err != nil {
			return err
		}
		targets := req.VersionIDs
		if len(targets) == 0 {
			targets = planTargets(plan)
		}
		for _, write := range plan.Writes {
			e.rememberSchema(write.Row.SchemaKey)
		}
		return materialize.Apply(ctx, tx, plan, targets)
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func planTargets(plan *materialize.Plan) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range plan.Writes {
		if !seen[w.Row.VersionID] {
			seen[w.Row.VersionID] = true
			out = append(out, w.Row.VersionID)
		}
	}
	sort.Strings(out)
	return out
}

// Close releases the backend.
func (e *Engine) Close() error {
	return e.backend.Close()
}

func (e *Engine) ensureSchemaTable(ctx context.Context, ex backend.Executor, schemaKey string) error {
	if err := backend.EnsureMaterializedTable(ctx, ex, schemaKey); err != nil {
		return err
	}
	e.rememberSchema(schemaKey)
	return nil
}

func (e *Engine) rememberSchema(schemaKey string) {
	e.knownMu.Lock()
	e.knownSchemas[schemaKey] = true
	e.knownMu.Unlock()
}

func (e *Engine) knownSchemaKeys() []string {
	e.knownMu.Lock()
	defer e.knownMu.Unlock()
	out := make([]string, 0, len(e.knownSchemas))
	for key := range e.knownSchemas {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) loadEngineState(ctx context.Context, key string) (string, error) {
	res, err := e.backend.Execute(ctx,
		"SELECT value FROM lix_internal_engine_state WHERE key = ?",
		[]types.Value{types.Text(key)})
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 {
		return "", nil
	}
	return res.Rows[0][0].AsText(), nil
}

func (e *Engine) saveEngineState(ctx context.Context, ex backend.Executor, key, value string) error {
	_, err := ex.Execute(ctx, `
		INSERT INTO lix_internal_engine_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, []types.Value{types.Text(key), types.Text(value)})
	return err
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
