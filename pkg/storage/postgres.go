package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/TheJokr/chatload/pkg/logger"
	"github.com/TheJokr/chatload/pkg/retry"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Postgres stores characters in PostgreSQL.
type Postgres struct {
	db     DB
	logger *logger.Logger
	now    func() time.Time
}

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	URI             string
	MinConns        int32
	MaxConns        int32
	ConnectAttempts int
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const insertNameQuery = `
	INSERT INTO characters (character_name)
	VALUES ($1)
	ON CONFLICT (character_name) DO NOTHING
`

// Connect opens a pool and waits until the database answers a ping.
func Connect(ctx context.Context, cfg PostgresConfig, l *logger.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	opts := retry.DefaultOptions()
	if cfg.ConnectAttempts > 0 {
		opts.MaxAttempts = cfg.ConnectAttempts
	}
	opts.OnRetry = func(attempt int, wait time.Duration, err error) {
		l.WarnErr("postgres not reachable yet", err, zap.Int("attempt", attempt), zap.Duration("wait", wait))
	}
	if err := retry.Do(ctx, pool.Ping, opts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(pool, l), nil
}

// New wraps an existing pool.
func New(db DB, l *logger.Logger) *Postgres {
	return &Postgres{db: db, logger: l, now: time.Now}
}

// WithClock replaces the time source used for staleness cutoffs and
// timestamp bumps.
func (p *Postgres) WithClock(now func() time.Time) *Postgres {
	p.now = now
	return p
}

// Ping checks that the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close closes the pool
func (p *Postgres) Close() {
	p.db.Close()
}

// InsertNames adds every name as an unresolved character, skipping names
// that already exist. All inserts share one transaction. It returns the
// number of rows actually created.
func (p *Postgres) InsertNames(ctx context.Context, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted int64
	for _, name := range names {
		tag, err := tx.Exec(ctx, insertNameQuery, name)
		if err != nil {
			return 0, fmt.Errorf("failed to insert %q: %w", name, err)
		}
		inserted += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit names: %w", err)
	}
	return inserted, nil
}

// selectStaleQuery builds the query for rows that were never resolved or
// were last touched before cutoff.
func selectStaleQuery(cutoff time.Time) sq.SelectBuilder {
	return psql.Select(characterColumns...).
		From(charactersTable).
		Where(sq.Or{
			sq.Eq{"character_id": nil},
			sq.Lt{"last_modified": cutoff},
		}).
		OrderBy("id")
}

// ClaimStale selects every row due for enrichment and bumps its
// last_modified to now before returning, so an overlapping run does not
// pick the same rows up again. The claim is committed immediately.
func (p *Postgres) ClaimStale(ctx context.Context, staleAfter time.Duration) ([]Character, error) {
	now := p.now()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query, args, err := selectStaleQuery(now.Add(-staleAfter)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale characters: %w", err)
	}
	chars, err := scanCharacters(rows)
	if err != nil {
		return nil, err
	}
	if len(chars) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(chars))
	for i, c := range chars {
		ids[i] = c.ID
	}
	query, args, err = psql.Update(charactersTable).
		Set("last_modified", now).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build touch: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to touch claimed characters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	for i := range chars {
		chars[i].LastModified.Time = now
		chars[i].LastModified.Valid = true
	}
	p.logger.Debug("claimed stale characters", zap.Int("count", len(chars)))
	return chars, nil
}

func scanCharacters(rows pgx.Rows) ([]Character, error) {
	defer rows.Close()

	var chars []Character
	for rows.Next() {
		var c Character
		if err := rows.Scan(
			&c.ID,
			&c.Name,
			&c.CharacterID,
			&c.CorporationID,
			&c.CorporationName,
			&c.AllianceID,
			&c.AllianceName,
			&c.FactionID,
			&c.FactionName,
			&c.LastModified,
		); err != nil {
			return nil, fmt.Errorf("failed to scan character: %w", err)
		}
		chars = append(chars, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read characters: %w", err)
	}
	return chars, nil
}

// Apply deletes the invalid rows and writes every resolution in a single
// transaction. Zero ids and empty names of alliance and faction are
// stored as NULL.
func (p *Postgres) Apply(ctx context.Context, invalid []int64, resolved []Resolution) error {
	if len(invalid) == 0 && len(resolved) == 0 {
		return nil
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(invalid) > 0 {
		query, args, err := psql.Delete(charactersTable).Where(sq.Eq{"id": invalid}).ToSql()
		if err != nil {
			return fmt.Errorf("failed to build delete: %w", err)
		}
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to delete invalid characters: %w", err)
		}
		p.logger.Info("removed invalid characters", zap.Int64("rows", tag.RowsAffected()))
	}

	for _, r := range resolved {
		query, args, err := updateQuery(r).ToSql()
		if err != nil {
			return fmt.Errorf("failed to build update: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update character %d: %w", r.RowID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit enrichment: %w", err)
	}
	return nil
}

func updateQuery(r Resolution) sq.UpdateBuilder {
	a := r.Affiliation
	return psql.Update(charactersTable).
		Set("character_id", r.CharacterID).
		Set("corporation_id", a.CorporationID).
		Set("corporation_name", a.CorporationName).
		Set("alliance_id", nullableID(a.AllianceID)).
		Set("alliance_name", nullableName(a.AllianceName)).
		Set("faction_id", nullableID(a.FactionID)).
		Set("faction_name", nullableName(a.FactionName)).
		Where(sq.Eq{"id": r.RowID})
}
