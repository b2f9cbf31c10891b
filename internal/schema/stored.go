package schema

import (
	"context"
	"sync"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/types"
)

// Store resolves schema definitions, checking builtins first and falling
// back to rows persisted in lix_internal_stored_schema. Lookups are cached
// per store; RegisterStored invalidates the cached key.
type Store struct {
	mu    sync.Mutex
	cache map[string]*Definition
}

// NewStore returns an empty schema store.
func NewStore() *Store {
	return &Store{cache: map[string]*Definition{}}
}

// Lookup returns the definition for schemaKey, or an error naming the key.
func (s *Store) Lookup(ctx context.Context, e backend.Executor, schemaKey string) (*Definition, error) {
	if def := Builtin(schemaKey); def != nil {
		return def, nil
	}

	s.mu.Lock()
	if def, ok := s.cache[schemaKey]; ok {
		s.mu.Unlock()
		if def == nil {
			return nil, types.Errorf("unknown schema_key '%s'", schemaKey)
		}
		return def, nil
	}
	s.mu.Unlock()

	res, err := e.Execute(ctx, `
		SELECT definition FROM lix_internal_stored_schema
		WHERE schema_key = ?
		ORDER BY schema_version DESC
		LIMIT 1
	`, []types.Value{types.Text(schemaKey)})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		s.remember(schemaKey, nil)
		return nil, types.Errorf("unknown schema_key '%s'", schemaKey)
	}
	def, err := ParseDefinition(res.Rows[0][0].AsText())
	if err != nil {
		return nil, err
	}
	s.remember(schemaKey, def)
	return def, nil
}

// RegisterStored persists a schema definition and refreshes the cache.
func (s *Store) RegisterStored(ctx context.Context, e backend.Executor, raw string) (*Definition, error) {
	def, err := ParseDefinition(raw)
	if err != nil {
		return nil, err
	}
	_, err = e.Execute(ctx, `
		INSERT INTO lix_internal_stored_schema (schema_key, schema_version, definition)
		VALUES (?, ?, ?)
		ON CONFLICT (schema_key, schema_version) DO UPDATE SET definition = excluded.definition
	`, []types.Value{types.Text(def.Key), types.Text(def.Version), types.Text(raw)})
	if err != nil {
		return nil, err
	}
	s.remember(def.Key, def)
	return def, nil
}

func (s *Store) remember(key string, def *Definition) {
	s.mu.Lock()
	s.cache[key] = def
	s.mu.Unlock()
}

// Invalidate drops a cached lookup (negative results included).
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}
