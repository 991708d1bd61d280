package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store by keeping the full document as JSONB,
// the same document-over-relational shape the in-memory store models in
// Go maps — filters compile down to jsonb containment (`document @> $1`),
// which gives the dot-path equality semantics the generic Filter expects.
// Unlike MemoryStore, a filter key absent from the document never matches,
// even when the filter value is false.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and pings it. It does not create
// tables; call Migrate for that.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("gateway store: parse connection url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("gateway store: ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the three document tables if they don't already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS connection_model_definitions (
			id       TEXT PRIMARY KEY,
			document JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS connections (
			id       TEXT PRIMARY KEY,
			document JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS connection_variable_mappings (
			id       TEXT PRIMARY KEY,
			document JSONB NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS cvm_definition_id_live
			ON connection_variable_mappings ((document->>'connectionModelDefinitionId'))
			WHERE (document->>'deleted')::boolean IS NOT TRUE;
	`
	_, err := s.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("gateway store: migrate: %w", err)
	}
	return nil
}

// ── filter → jsonb containment ──────────────────────────────

// filterDocument turns a flat/dot-path Filter into the nested JSON object
// Postgres' `@>` containment operator expects.
func filterDocument(filter Filter) (map[string]any, error) {
	doc := map[string]any{}
	for path, val := range filter {
		setDotPath(doc, path, val)
	}
	return doc, nil
}

func (s *PostgresStore) queryRows(ctx context.Context, table string, filter Filter, opts ListOptions) (pgx.Rows, error) {
	doc, err := filterDocument(filter)
	if err != nil {
		return nil, apperror.SerializeError("failed to build filter document", err.Error())
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, apperror.SerializeError("failed to serialize filter document", err.Error())
	}

	query := fmt.Sprintf("SELECT document FROM %s WHERE document @> $1::jsonb", table)
	args := []any{string(raw)}

	if opts.SortField != "" {
		dir := "ASC"
		if opts.SortDesc {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY document->>'%s' %s", sanitizeField(opts.SortField), dir)
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.limit(), opts.Skip)

	return s.pool.Query(ctx, query, args...)
}

func sanitizeField(f string) string {
	return strings.ReplaceAll(f, "'", "")
}

func scanDocument[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, apperror.Unknown("failed to scan document row", err.Error())
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, apperror.SerializeError("failed to decode document row", err.Error())
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryOne(ctx context.Context, table string, filter Filter, entity string) ([]byte, error) {
	doc, err := filterDocument(filter)
	if err != nil {
		return nil, apperror.SerializeError("failed to build filter document", err.Error())
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, apperror.SerializeError("failed to serialize filter document", err.Error())
	}

	query := fmt.Sprintf("SELECT document FROM %s WHERE document @> $1::jsonb LIMIT 1", table)
	var out []byte
	err = s.pool.QueryRow(ctx, query, string(raw)).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: entity, Key: string(raw)}
	}
	if err != nil {
		return nil, apperror.Unknown("failed to query "+entity, err.Error())
	}
	return out, nil
}

func (s *PostgresStore) upsert(ctx context.Context, table, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return apperror.SerializeError("failed to serialize document for write", err.Error())
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, document) VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document
	`, table)
	_, err = s.pool.Exec(ctx, query, id, string(raw))
	if err != nil {
		return apperror.Unknown("failed to write "+table+" row", err.Error())
	}
	return nil
}

func (s *PostgresStore) applySet(ctx context.Context, table, id string, set map[string]any, target any, entity string) error {
	raw, err := s.queryOne(ctx, table, Filter{"_id": id}, entity)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return apperror.SerializeError("failed to decode "+entity+" for update", err.Error())
	}
	if err := ApplySet(target, set); err != nil {
		return err
	}
	return s.upsert(ctx, table, id, target)
}

// ── CMD ──────────────────────────────────────────────────────

func (s *PostgresStore) GetOneCMD(ctx context.Context, filter Filter) (*models.ConnectionModelDefinition, error) {
	raw, err := s.queryOne(ctx, "connection_model_definitions", filter, "connection model definition")
	if err != nil {
		return nil, err
	}
	var cmd models.ConnectionModelDefinition
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, apperror.SerializeError("failed to decode connection model definition", err.Error())
	}
	return &cmd, nil
}

func (s *PostgresStore) GetManyCMD(ctx context.Context, filter Filter, opts ListOptions) ([]models.ConnectionModelDefinition, error) {
	rows, err := s.queryRows(ctx, "connection_model_definitions", filter, opts)
	if err != nil {
		return nil, err
	}
	return scanDocument[models.ConnectionModelDefinition](rows)
}

func (s *PostgresStore) CountCMD(ctx context.Context, filter Filter) (int64, error) {
	doc, err := filterDocument(filter)
	if err != nil {
		return 0, apperror.SerializeError("failed to build filter document", err.Error())
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return 0, apperror.SerializeError("failed to serialize filter document", err.Error())
	}
	var count int64
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM connection_model_definitions WHERE document @> $1::jsonb", string(raw)).Scan(&count)
	if err != nil {
		return 0, apperror.Unknown("failed to count connection model definitions", err.Error())
	}
	return count, nil
}

func (s *PostgresStore) CreateCMD(ctx context.Context, cmd *models.ConnectionModelDefinition) error {
	if cmd.ID == "" {
		cmd.ID = "cmd_" + uuid.NewString()
	}
	cmd.Key = cmd.ComputeKey()
	return s.upsert(ctx, "connection_model_definitions", cmd.ID, cmd)
}

func (s *PostgresStore) UpdateCMD(ctx context.Context, id string, set map[string]any) error {
	var cmd models.ConnectionModelDefinition
	return s.applySet(ctx, "connection_model_definitions", id, set, &cmd, "connection model definition")
}

func (s *PostgresStore) GetSparseCMD(ctx context.Context, filter Filter) (*models.SparseCMD, error) {
	cmd, err := s.GetOneCMD(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &models.SparseCMD{
		ConnectionPlatform: cmd.Platform,
		DefinitionId:       cmd.ID,
		PlatformVersion:    cmd.PlatformVersion,
		Key:                cmd.Key,
		Title:              cmd.Title,
		Name:               cmd.Name,
		Path:               cmd.Api.Path,
		Action:             cmd.Action,
		ActionName:         cmd.ActionName,
	}, nil
}

// ── Connection ───────────────────────────────────────────────

func (s *PostgresStore) GetOneConnection(ctx context.Context, filter Filter) (*models.Connection, error) {
	raw, err := s.queryOne(ctx, "connections", filter, "connection")
	if err != nil {
		return nil, err
	}
	var conn models.Connection
	if err := json.Unmarshal(raw, &conn); err != nil {
		return nil, apperror.SerializeError("failed to decode connection", err.Error())
	}
	return &conn, nil
}

func (s *PostgresStore) CreateConnection(ctx context.Context, conn *models.Connection) error {
	if conn.ID == "" {
		conn.ID = "conn_" + uuid.NewString()
	}
	return s.upsert(ctx, "connections", conn.ID, conn)
}

func (s *PostgresStore) UpdateConnection(ctx context.Context, id string, set map[string]any) error {
	var conn models.Connection
	return s.applySet(ctx, "connections", id, set, &conn, "connection")
}

// ── CVM ──────────────────────────────────────────────────────

func (s *PostgresStore) GetOneCVM(ctx context.Context, filter Filter) (*models.ConnectionVariableMapping, error) {
	raw, err := s.queryOne(ctx, "connection_variable_mappings", filter, "connection variable mapping")
	if err != nil {
		return nil, err
	}
	var cvm models.ConnectionVariableMapping
	if err := json.Unmarshal(raw, &cvm); err != nil {
		return nil, apperror.SerializeError("failed to decode connection variable mapping", err.Error())
	}
	return &cvm, nil
}

func (s *PostgresStore) GetManyCVM(ctx context.Context, filter Filter, opts ListOptions) ([]models.ConnectionVariableMapping, error) {
	rows, err := s.queryRows(ctx, "connection_variable_mappings", filter, opts)
	if err != nil {
		return nil, err
	}
	return scanDocument[models.ConnectionVariableMapping](rows)
}

// CreateCVM relies on the partial unique index created in Migrate to
// surface a lost check-then-create race as a conflict, rather than the
// in-process mutex the in-memory store uses.
func (s *PostgresStore) CreateCVM(ctx context.Context, cvm *models.ConnectionVariableMapping) error {
	if cvm.ID == "" {
		cvm.ID = "cvm_" + uuid.NewString()
	}
	raw, err := json.Marshal(cvm)
	if err != nil {
		return apperror.SerializeError("failed to serialize connection variable mapping", err.Error())
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO connection_variable_mappings (id, document) VALUES ($1, $2::jsonb)`, cvm.ID, string(raw))
	if err != nil {
		if isUniqueViolation(err) {
			return &ErrConflict{
				Entity: "connection_variable_mapping",
				Reason: "mapping already exists for model definition " + cvm.ConnectionModelDefinitionId,
			}
		}
		return apperror.Unknown("failed to create connection variable mapping", err.Error())
	}
	return nil
}

func (s *PostgresStore) UpdateCVM(ctx context.Context, id string, set map[string]any) error {
	var cvm models.ConnectionVariableMapping
	return s.applySet(ctx, "connection_variable_mappings", id, set, &cvm, "connection variable mapping")
}

func (s *PostgresStore) DeleteCVM(ctx context.Context, id string) error {
	return s.applySet(ctx, "connection_variable_mappings", id, map[string]any{"deleted": true}, &models.ConnectionVariableMapping{}, "connection variable mapping")
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
