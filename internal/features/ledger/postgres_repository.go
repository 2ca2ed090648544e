package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go-crmsync/internal/common/models"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS crm_sync_ledger (
	id              TEXT PRIMARY KEY,
	direction       TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	action          TEXT NOT NULL,
	integration_id  TEXT NOT NULL,
	provider        TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	remote_id       TEXT NOT NULL DEFAULT '',
	request         JSONB,
	response        JSONB,
	status          TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	error_kind      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS crm_sync_ledger_integration_idx ON crm_sync_ledger (integration_id, created_at DESC);

CREATE TABLE IF NOT EXISTS crm_entity_map (
	integration_id TEXT NOT NULL,
	entity_type    TEXT NOT NULL,
	local_id       TEXT NOT NULL,
	remote_id      TEXT NOT NULL,
	last_synced_at TIMESTAMPTZ NOT NULL,
	snapshot       JSONB,
	PRIMARY KEY (integration_id, entity_type, local_id)
);
CREATE INDEX IF NOT EXISTS crm_entity_map_remote_idx ON crm_entity_map (integration_id, entity_type, remote_id);
`

type mappingRow struct {
	IntegrationID string         `db:"integration_id"`
	EntityType    string         `db:"entity_type"`
	LocalID       string         `db:"local_id"`
	RemoteID      string         `db:"remote_id"`
	LastSyncedAt  time.Time      `db:"last_synced_at"`
	Snapshot      sql.NullString `db:"snapshot"`
}

func (row mappingRow) toMapping() *EntityMapping {
	m := &EntityMapping{
		IntegrationID: row.IntegrationID,
		EntityType:    models.EntityType(row.EntityType),
		LocalID:       row.LocalID,
		RemoteID:      row.RemoteID,
		LastSyncedAt:  row.LastSyncedAt,
	}
	if row.Snapshot.Valid {
		_ = json.Unmarshal([]byte(row.Snapshot.String), &m.Snapshot)
	}
	return m
}

// PostgresLedgerRepository keeps the ledger and the entity map in Postgres
type PostgresLedgerRepository struct {
	db *sqlx.DB
}

func NewPostgresLedgerRepository(db *sqlx.DB) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{db: db}
}

func (r *PostgresLedgerRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, ledgerSchema)
	return err
}

func (r *PostgresLedgerRepository) Insert(ctx context.Context, entry *Entry) error {
	request, err := jsonColumn(entry.Request)
	if err != nil {
		return err
	}
	response, err := jsonColumn(entry.Response)
	if err != nil {
		return err
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("crm_sync_ledger")
	ib.Cols("id", "direction", "entity_type", "action", "integration_id", "provider", "conversation_id",
		"remote_id", "request", "response", "status", "error", "error_kind", "created_at")
	ib.Values(entry.ID, entry.Direction, entry.EntityType, entry.Action, entry.IntegrationID, entry.Provider,
		entry.ConversationID, entry.RemoteID, request, response, entry.Status, entry.Error, entry.ErrorKind, entry.CreatedAt)

	query, args := ib.Build()
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func jsonColumn(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func entryWhere(sb *sqlbuilder.SelectBuilder, filter StatsFilter) {
	if filter.IntegrationID != "" {
		sb.Where(sb.Equal("integration_id", filter.IntegrationID))
	}
	if !filter.Range.From.IsZero() {
		sb.Where(sb.GreaterEqualThan("created_at", filter.Range.From))
	}
	if !filter.Range.To.IsZero() {
		sb.Where(sb.LessThan("created_at", filter.Range.To))
	}
}

func statsQuery(filter StatsFilter) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_type", "action", "status", sb.As("COUNT(*)", "count"))
	sb.From("crm_sync_ledger")
	entryWhere(sb, filter)
	sb.GroupBy("entity_type", "action", "status")
	sb.OrderBy("entity_type", "action", "status")
	return sb.Build()
}

func (r *PostgresLedgerRepository) Stats(ctx context.Context, filter StatsFilter) ([]Stat, error) {
	query, args := statsQuery(filter)

	var stats []Stat
	if err := r.db.SelectContext(ctx, &stats, query, args...); err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *PostgresLedgerRepository) Recent(ctx context.Context, filter StatsFilter, limit int64) ([]Entry, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "direction", "entity_type", "action", "integration_id", "provider", "conversation_id",
		"remote_id", "status", "error", "error_kind", "created_at")
	sb.From("crm_sync_ledger")
	entryWhere(sb, filter)
	sb.OrderBy("created_at").Desc()
	sb.Limit(int(limit))

	query, args := sb.Build()
	var entries []Entry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *PostgresLedgerRepository) UpsertMapping(ctx context.Context, m *EntityMapping) error {
	if m.LastSyncedAt.IsZero() {
		m.LastSyncedAt = time.Now()
	}
	snapshot, err := jsonColumn(m.Snapshot)
	if err != nil {
		return err
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("crm_entity_map")
	ib.Cols("integration_id", "entity_type", "local_id", "remote_id", "last_synced_at", "snapshot")
	ib.Values(m.IntegrationID, m.EntityType, m.LocalID, m.RemoteID, m.LastSyncedAt, snapshot)
	ib.SQL(`ON CONFLICT (integration_id, entity_type, local_id) DO UPDATE SET
		remote_id = EXCLUDED.remote_id,
		last_synced_at = EXCLUDED.last_synced_at,
		snapshot = EXCLUDED.snapshot`)

	query, args := ib.Build()
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *PostgresLedgerRepository) FindMapping(ctx context.Context, integrationID string, entityType models.EntityType, localID string) (*EntityMapping, error) {
	return r.findOne(ctx, integrationID, entityType, "local_id", localID)
}

func (r *PostgresLedgerRepository) FindByRemote(ctx context.Context, integrationID string, entityType models.EntityType, remoteID string) (*EntityMapping, error) {
	return r.findOne(ctx, integrationID, entityType, "remote_id", remoteID)
}

func (r *PostgresLedgerRepository) findOne(ctx context.Context, integrationID string, entityType models.EntityType, column, value string) (*EntityMapping, error) {
	sb := mappingSelect()
	sb.Where(
		sb.Equal("integration_id", integrationID),
		sb.Equal("entity_type", entityType),
		sb.Equal(column, value),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var row mappingRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMappingNotFound
		}
		return nil, err
	}
	return row.toMapping(), nil
}

func (r *PostgresLedgerRepository) MappedLocalIDs(ctx context.Context, integrationID string, entityType models.EntityType, localIDs []string) (map[string]string, error) {
	out := map[string]string{}
	if len(localIDs) == 0 {
		return out, nil
	}

	sb := mappingSelect()
	sb.Where(
		sb.Equal("integration_id", integrationID),
		sb.Equal("entity_type", entityType),
		sb.In("local_id", sqlbuilder.Flatten(localIDs)...),
	)

	query, args := sb.Build()
	var rows []mappingRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.LocalID] = row.RemoteID
	}
	return out, nil
}

func mappingSelect() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("integration_id", "entity_type", "local_id", "remote_id", "last_synced_at", "snapshot")
	sb.From("crm_entity_map")
	return sb
}
