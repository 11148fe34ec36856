package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trovehq/trove/pkg/models"
)

// UpsertSourceType inserts or refreshes the row for a connector kind. Called
// once per discovered connector at process start; rows are never deleted.
func (s *Store) UpsertSourceType(ctx context.Context, st models.SourceType) error {
	fields, err := json.Marshal(st.ConfigFields)
	if err != nil {
		return fmt.Errorf("marshal config fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_types (name, display_name, config_fields, has_prerequisites)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			display_name = excluded.display_name,
			config_fields = excluded.config_fields,
			has_prerequisites = excluded.has_prerequisites
	`, st.Name, st.DisplayName, string(fields), boolToInt(st.HasPrerequisites))
	if err != nil {
		return fmt.Errorf("upsert source type: %w", err)
	}
	return nil
}

// ListSourceTypes returns every registered connector kind.
func (s *Store) ListSourceTypes(ctx context.Context) ([]models.SourceType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, display_name, config_fields, has_prerequisites
		FROM source_types ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query source types: %w", err)
	}
	defer rows.Close()

	var types []models.SourceType
	for rows.Next() {
		st, err := scanSourceType(rows)
		if err != nil {
			return nil, err
		}
		types = append(types, st)
	}
	return types, rows.Err()
}

// CreateSource inserts a configured connector instance and returns its id.
func (s *Store) CreateSource(ctx context.Context, typeName string, config json.RawMessage) (models.Source, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (type_name, config, created_at, last_indexed_at)
		VALUES (?, ?, ?, ?)
	`, typeName, string(config), now, models.NeverIndexed)
	if err != nil {
		return models.Source{}, fmt.Errorf("insert source: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return models.Source{}, fmt.Errorf("source id: %w", err)
	}

	return models.Source{
		ID:            id,
		TypeName:      typeName,
		Config:        config,
		CreatedAt:     now,
		LastIndexedAt: models.NeverIndexed,
	}, nil
}

// GetSource loads one source with its type eagerly.
func (s *Store) GetSource(ctx context.Context, id int64) (models.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.type_name, s.config, s.created_at, s.last_indexed_at,
		       t.name, t.display_name, t.config_fields, t.has_prerequisites
		FROM sources s JOIN source_types t ON s.type_name = t.name
		WHERE s.id = ?
	`, id)

	src, err := scanSourceWithType(row)
	if err == sql.ErrNoRows {
		return models.Source{}, models.NewError(models.ErrSourceNotFound,
			fmt.Sprintf("source %d not found", id))
	}
	if err != nil {
		return models.Source{}, fmt.Errorf("scan source: %w", err)
	}
	return src, nil
}

// ListSources loads every configured source with its type eagerly.
func (s *Store) ListSources(ctx context.Context) ([]models.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.type_name, s.config, s.created_at, s.last_indexed_at,
		       t.name, t.display_name, t.config_fields, t.has_prerequisites
		FROM sources s JOIN source_types t ON s.type_name = t.name
		ORDER BY s.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		src, err := scanSourceWithType(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// TouchSourceIndexed records when a crawl of the source last started.
func (s *Store) TouchSourceIndexed(ctx context.Context, id int64, t time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_indexed_at = ? WHERE id = ?`, t.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewError(models.ErrSourceNotFound,
			fmt.Sprintf("source %d not found", id))
	}
	return nil
}

// DeleteHook receives the chunk ids about to be cascaded away. It runs inside
// the delete transaction so index state and store state cannot diverge: if the
// hook fails, the delete rolls back.
type DeleteHook func(ctx context.Context, chunkIDs []int64) error

// DeleteSource removes a source and, via cascade, all its documents and
// chunks. The hook is invoked with the doomed chunk ids before the delete is
// committed.
func (s *Store) DeleteSource(ctx context.Context, id int64, hook DeleteHook) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete source: %w", err)
	}
	defer tx.Rollback()

	chunkIDs, err := chunkIDsForSource(ctx, tx, id)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewError(models.ErrSourceNotFound,
			fmt.Sprintf("source %d not found", id))
	}

	if hook != nil {
		if err := hook(ctx, chunkIDs); err != nil {
			return fmt.Errorf("delete-source index hook: %w", err)
		}
	}

	return tx.Commit()
}

func chunkIDsForSource(ctx context.Context, tx *sql.Tx, sourceID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT c.id FROM chunks c
		JOIN documents d ON c.document_id = d.id
		WHERE d.source_id = ?
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query source chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSourceType(row scannable) (models.SourceType, error) {
	var st models.SourceType
	var fields string
	var hasPrereq int
	if err := row.Scan(&st.Name, &st.DisplayName, &fields, &hasPrereq); err != nil {
		return st, fmt.Errorf("scan source type: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &st.ConfigFields); err != nil {
		return st, fmt.Errorf("decode config fields: %w", err)
	}
	st.HasPrerequisites = hasPrereq != 0
	return st, nil
}

func scanSourceWithType(row scannable) (models.Source, error) {
	var src models.Source
	var config, fields string
	var hasPrereq int
	st := &models.SourceType{}

	err := row.Scan(&src.ID, &src.TypeName, &config, &src.CreatedAt, &src.LastIndexedAt,
		&st.Name, &st.DisplayName, &fields, &hasPrereq)
	if err != nil {
		return src, err
	}
	if err := json.Unmarshal([]byte(fields), &st.ConfigFields); err != nil {
		return src, fmt.Errorf("decode config fields: %w", err)
	}
	st.HasPrerequisites = hasPrereq != 0
	src.Config = json.RawMessage(config)
	src.CreatedAt = src.CreatedAt.UTC()
	src.LastIndexedAt = src.LastIndexedAt.UTC()
	src.Type = st
	return src, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
