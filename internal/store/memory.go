// Package store — in-memory Store implementation. Used as the default
// backend (local dev, tests) and as the reference implementation the
// Postgres-backed store must behave identically to.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/conduithq/conduit/internal/models"
	"github.com/google/uuid"
)

// MemoryStore implements Store with in-memory maps guarded by a single
// RWMutex, covering the three record types this gateway owns.
type MemoryStore struct {
	mu          sync.RWMutex
	cmds        map[string]*models.ConnectionModelDefinition
	connections map[string]*models.Connection
	cvms        map[string]*models.ConnectionVariableMapping
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cmds:        make(map[string]*models.ConnectionModelDefinition),
		connections: make(map[string]*models.Connection),
		cvms:        make(map[string]*models.ConnectionVariableMapping),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// ── generic filter matching ─────────────────────────────────

// toDoc round-trips a record through JSON to get a generic document for
// filter matching — the same representation ApplySet uses for updates.
func toDoc(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func getDotPath(doc map[string]any, path string) (any, bool) {
	cur := any(doc)
	for _, p := range splitDot(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func splitDot(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

func matchesFilter(doc map[string]any, filter Filter) bool {
	for k, want := range filter {
		got, ok := getDotPath(doc, k)
		if !ok {
			// Absent field matches an explicit false/"" expectation in
			// neither direction — treat as non-match unless the filter
			// wants exactly the zero value for bool false.
			if b, isBool := want.(bool); isBool && !b {
				continue
			}
			return false
		}
		if !valueEquals(got, want) {
			return false
		}
	}
	return true
}

func valueEquals(got, want any) bool {
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	default:
		return got == want
	}
}

// ── CMD ──────────────────────────────────────────────────────

func (s *MemoryStore) GetOneCMD(ctx context.Context, filter Filter) (*models.ConnectionModelDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range sortedKeysCMD(s.cmds) {
		c := s.cmds[id]
		doc, err := toDoc(c)
		if err != nil {
			continue
		}
		if matchesFilter(doc, filter) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "connection_model_definition", Key: "filter"}
}

func (s *MemoryStore) GetManyCMD(ctx context.Context, filter Filter, opts ListOptions) ([]models.ConnectionModelDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConnectionModelDefinition
	for _, id := range sortedKeysCMD(s.cmds) {
		c := s.cmds[id]
		doc, err := toDoc(c)
		if err != nil {
			continue
		}
		if matchesFilter(doc, filter) {
			out = append(out, *c)
		}
	}
	return paginate(out, opts), nil
}

func (s *MemoryStore) CountCMD(ctx context.Context, filter Filter) (int64, error) {
	rows, err := s.GetManyCMD(ctx, filter, ListOptions{Limit: MaxLimit})
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *MemoryStore) CreateCMD(ctx context.Context, cmd *models.ConnectionModelDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.ID == "" {
		cmd.ID = "cmd_" + uuid.NewString()
	}
	cmd.Key = cmd.ComputeKey()
	now := time.Now().UTC()
	cmd.RecordMetadata.CreatedAt = now
	cmd.RecordMetadata.UpdatedAt = now
	cp := *cmd
	s.cmds[cmd.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateCMD(ctx context.Context, id string, set map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cmds[id]
	if !ok {
		return &ErrNotFound{Entity: "connection_model_definition", Key: id}
	}
	if err := ApplySet(c, set); err != nil {
		return err
	}
	c.RecordMetadata.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetSparseCMD(ctx context.Context, filter Filter) (*models.SparseCMD, error) {
	full, err := s.GetOneCMD(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &models.SparseCMD{
		ConnectionPlatform: full.Platform,
		DefinitionId:       full.ID,
		PlatformVersion:    full.PlatformVersion,
		Key:                full.Key,
		Title:              full.Title,
		Name:               full.Name,
		Path:               full.Api.Path,
		Action:             full.Action,
		ActionName:         full.ActionName,
	}, nil
}

func sortedKeysCMD(m map[string]*models.ConnectionModelDefinition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ── Connection ───────────────────────────────────────────────

func (s *MemoryStore) GetOneConnection(ctx context.Context, filter Filter) (*models.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.connections))
	for k := range s.connections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, id := range keys {
		c := s.connections[id]
		doc, err := toDoc(c)
		if err != nil {
			continue
		}
		if matchesFilter(doc, filter) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "connection", Key: "filter"}
}

func (s *MemoryStore) CreateConnection(ctx context.Context, conn *models.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.ID == "" {
		conn.ID = "conn_" + uuid.NewString()
	}
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	cp := *conn
	s.connections[conn.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateConnection(ctx context.Context, id string, set map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return &ErrNotFound{Entity: "connection", Key: id}
	}
	if err := ApplySet(c, set); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Connection Variable Mapping ──────────────────────────────

func (s *MemoryStore) GetOneCVM(ctx context.Context, filter Filter) (*models.ConnectionVariableMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.cvms))
	for k := range s.cvms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, id := range keys {
		c := s.cvms[id]
		doc, err := toDoc(c)
		if err != nil {
			continue
		}
		if matchesFilter(doc, filter) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "connection_variable_mapping", Key: "filter"}
}

func (s *MemoryStore) GetManyCVM(ctx context.Context, filter Filter, opts ListOptions) ([]models.ConnectionVariableMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.cvms))
	for k := range s.cvms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []models.ConnectionVariableMapping
	for _, id := range keys {
		c := s.cvms[id]
		doc, err := toDoc(c)
		if err != nil {
			continue
		}
		if matchesFilter(doc, filter) {
			out = append(out, *c)
		}
	}
	return paginate(out, opts), nil
}

// CreateCVM enforces "at most one non-deleted CVM per
// connection_model_definition_id" under the store's write lock,
// so two concurrent creates against the same in-memory instance resolve
// deterministically: the loser observes the winner's row and gets
// ErrConflict, never a second row.
func (s *MemoryStore) CreateCVM(ctx context.Context, cvm *models.ConnectionVariableMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cvms {
		if !existing.Deleted && existing.ConnectionModelDefinitionId == cvm.ConnectionModelDefinitionId {
			return &ErrConflict{
				Entity: "connection_variable_mapping",
				Reason: "mapping already exists for model definition " + cvm.ConnectionModelDefinitionId,
			}
		}
	}
	if cvm.ID == "" {
		cvm.ID = "cvm_" + uuid.NewString()
	}
	now := time.Now().UTC()
	cvm.CreatedAt = now
	cvm.UpdatedAt = now
	cp := *cvm
	s.cvms[cvm.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateCVM(ctx context.Context, id string, set map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cvms[id]
	if !ok {
		return &ErrNotFound{Entity: "connection_variable_mapping", Key: id}
	}
	if err := ApplySet(c, set); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteCVM(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cvms[id]
	if !ok {
		return &ErrNotFound{Entity: "connection_variable_mapping", Key: id}
	}
	c.Deleted = true
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// paginate applies skip/limit to an in-memory slice the same way the
// Postgres store's OFFSET/LIMIT clause would.
func paginate[T any](rows []T, opts ListOptions) []T {
	skip := opts.Skip
	if skip < 0 {
		skip = 0
	}
	if skip >= len(rows) {
		return []T{}
	}
	rows = rows[skip:]
	limit := opts.limit()
	if limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
