package storage

// sqlite.go: persistencia de posiciones.
//
// Estrategia:
//   - `positions`: UNA fila por posición (UPSERT por id). Las cerradas se
//     marcan con closed_at y se conservan como histórico.
//   - Cantidades como TEXT (decimal exacto), tiempos como unix millis.
//   - Prune automático al arrancar: posiciones cerradas hace más de 30d.

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id                TEXT PRIMARY KEY,
    ledger_id         TEXT    NOT NULL DEFAULT '',
    owner             TEXT    NOT NULL,
    token0            TEXT    NOT NULL,
    token1            TEXT    NOT NULL,
    fee               INTEGER NOT NULL,
    tick_lower        INTEGER NOT NULL,
    tick_upper        INTEGER NOT NULL,
    min_price         REAL    NOT NULL,
    max_price         REAL    NOT NULL,
    liquidity         TEXT    NOT NULL DEFAULT '0',
    amount0           TEXT    NOT NULL DEFAULT '0',
    amount1           TEXT    NOT NULL DEFAULT '0',
    fees0             TEXT    NOT NULL DEFAULT '0',
    fees1             TEXT    NOT NULL DEFAULT '0',
    in_range          INTEGER NOT NULL DEFAULT 0,
    time_in_range_ms  INTEGER NOT NULL DEFAULT 0,
    tracked_ms        INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL,
    last_update       INTEGER NOT NULL DEFAULT 0,
    last_collected_at INTEGER,
    closed_at         INTEGER
);

CREATE INDEX IF NOT EXISTS idx_pos_owner  ON positions(lower(owner));
CREATE INDEX IF NOT EXISTS idx_pos_ledger ON positions(ledger_id);
CREATE INDEX IF NOT EXISTS idx_pos_closed ON positions(closed_at);
`

const retentionClosed = 30 * 24 * time.Hour

const positionColumns = `id, ledger_id, owner, token0, token1, fee, tick_lower, tick_upper,
    min_price, max_price, liquidity, amount0, amount1, fees0, fees1, in_range,
    time_in_range_ms, tracked_ms, created_at, last_update, last_collected_at`

// SQLiteStorage implementa ports.PositionRepository usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada.
// Aplica el schema y limpia posiciones cerradas antiguas.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db, now: time.Now}
	if err := s.pruneOld(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: %w", err)
	}
	return s, nil
}

// Save hace upsert de la posición completa.
func (s *SQLiteStorage) Save(ctx context.Context, p domain.Position) error {
	if p.ID == "" {
		return domain.NewValidationError("id", "empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ledger_id         = excluded.ledger_id,
			liquidity         = excluded.liquidity,
			amount0           = excluded.amount0,
			amount1           = excluded.amount1,
			fees0             = excluded.fees0,
			fees1             = excluded.fees1,
			in_range          = excluded.in_range,
			time_in_range_ms  = excluded.time_in_range_ms,
			tracked_ms        = excluded.tracked_ms,
			last_update       = excluded.last_update,
			last_collected_at = excluded.last_collected_at,
			closed_at         = NULL`,
		p.ID, p.LedgerID, p.Owner, p.Token0, p.Token1, int(p.Fee), p.TickLower, p.TickUpper,
		p.MinPrice, p.MaxPrice, p.Liquidity, p.Amount0, p.Amount1, p.UncollectedFees0, p.UncollectedFees1,
		p.InRange, p.TimeInRange.Milliseconds(), p.TrackedTime.Milliseconds(),
		millis(p.CreatedAt), millis(p.LastUpdate), nullMillis(p.LastCollectedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.Save %s: %w", p.ID, err)
	}
	return nil
}

// Update applies the non-nil fields of patch.
func (s *SQLiteStorage) Update(ctx context.Context, id string, patch ports.PositionPatch) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.LedgerID != nil {
		set("ledger_id", *patch.LedgerID)
	}
	if patch.Liquidity != nil {
		set("liquidity", *patch.Liquidity)
	}
	if patch.Amount0 != nil {
		set("amount0", *patch.Amount0)
	}
	if patch.Amount1 != nil {
		set("amount1", *patch.Amount1)
	}
	if patch.UncollectedFees0 != nil {
		set("fees0", *patch.UncollectedFees0)
	}
	if patch.UncollectedFees1 != nil {
		set("fees1", *patch.UncollectedFees1)
	}
	if patch.InRange != nil {
		set("in_range", *patch.InRange)
	}
	if patch.TimeInRange != nil {
		set("time_in_range_ms", patch.TimeInRange.Milliseconds())
	}
	if patch.TrackedTime != nil {
		set("tracked_ms", patch.TrackedTime.Milliseconds())
	}
	if patch.LastCollectedAt != nil {
		set("last_collected_at", nullMillis(*patch.LastCollectedAt))
	}
	if patch.ClosedAt != nil {
		set("closed_at", nullMillis(*patch.ClosedAt))
	}
	if !patch.LastUpdate.IsZero() {
		set("last_update", millis(patch.LastUpdate))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE positions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("storage.Update %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("storage.Update %s: %w", id, domain.ErrPositionNotFound)
	}
	return nil
}

// Find devuelve las posiciones que cumplen el filtro, ordenadas por creación.
func (s *SQLiteStorage) Find(ctx context.Context, f ports.PositionFilter) ([]domain.Position, error) {
	var where []string
	var args []any
	if f.ID != "" {
		where = append(where, "id = ?")
		args = append(args, f.ID)
	}
	if f.LedgerID != "" {
		where = append(where, "ledger_id = ?")
		args = append(args, f.LedgerID)
	}
	if f.Owner != "" {
		where = append(where, "lower(owner) = ?")
		args = append(args, domain.NormalizeToken(f.Owner))
	}
	if f.Token0 != "" {
		where = append(where, "lower(token0) = ?")
		args = append(args, domain.NormalizeToken(f.Token0))
	}
	if f.Token1 != "" {
		where = append(where, "lower(token1) = ?")
		args = append(args, domain.NormalizeToken(f.Token1))
	}
	if f.OpenOnly {
		where = append(where, "closed_at IS NULL")
	}

	q := "SELECT " + positionColumns + " FROM positions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.Find: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.Find: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindOne returns nil, nil when nothing matches.
func (s *SQLiteStorage) FindOne(ctx context.Context, f ports.PositionFilter) (*domain.Position, error) {
	found, err := s.Find(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// Close cierra la conexión.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// pruneOld elimina posiciones cerradas fuera de la retención.
func (s *SQLiteStorage) pruneOld(ctx context.Context) error {
	cutoff := millis(s.now().Add(-retentionClosed))
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff); err != nil {
		return fmt.Errorf("prune closed positions: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (domain.Position, error) {
	var (
		p                     domain.Position
		fee                   int
		inRange               bool
		inRangeMs, trackedMs  int64
		createdAt, lastUpdate int64
		lastCollected         sql.NullInt64
	)
	err := row.Scan(
		&p.ID, &p.LedgerID, &p.Owner, &p.Token0, &p.Token1, &fee, &p.TickLower, &p.TickUpper,
		&p.MinPrice, &p.MaxPrice, &p.Liquidity, &p.Amount0, &p.Amount1, &p.UncollectedFees0, &p.UncollectedFees1,
		&inRange, &inRangeMs, &trackedMs, &createdAt, &lastUpdate, &lastCollected,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Fee = domain.FeeTier(fee)
	p.InRange = inRange
	p.TimeInRange = time.Duration(inRangeMs) * time.Millisecond
	p.TrackedTime = time.Duration(trackedMs) * time.Millisecond
	p.CreatedAt = fromMillis(createdAt)
	p.LastUpdate = fromMillis(lastUpdate)
	if lastCollected.Valid {
		p.LastCollectedAt = fromMillis(lastCollected.Int64)
	}
	return p, nil
}

// Compile-time check.
var _ ports.PositionRepository = (*SQLiteStorage)(nil)

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
