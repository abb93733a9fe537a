package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/transfer"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts and ratios are stored as NUMERIC for exact precision.
type PostgresStore struct {
	pool *pgxpool.Pool // nil inside a transaction
	q    querier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{q: tx})
	})
}

func (s *PostgresStore) Config(ctx context.Context) (*model.Config, error) {
	var cfg model.Config
	err := s.q.QueryRow(ctx,
		`SELECT owner, oracle, base_denom, token_code_id FROM cdp_config WHERE id = 1`).
		Scan(&cfg.Owner, &cfg.Oracle, &cfg.BaseDenom, &cfg.TokenCodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) SaveConfig(ctx context.Context, cfg *model.Config) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO cdp_config (id, owner, oracle, base_denom, token_code_id, updated_at)
		 VALUES (1, $1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE
		 SET owner = EXCLUDED.owner, oracle = EXCLUDED.oracle,
		     base_denom = EXCLUDED.base_denom, token_code_id = EXCLUDED.token_code_id,
		     updated_at = now()`,
		cfg.Owner, cfg.Oracle, cfg.BaseDenom, cfg.TokenCodeID,
	)
	return err
}

func (s *PostgresStore) AssetConfig(ctx context.Context, token string) (*model.AssetConfig, error) {
	var discount, ratio string
	cfg := model.AssetConfig{Token: token}
	err := s.q.QueryRow(ctx,
		`SELECT auction_discount::TEXT, min_collateral_ratio::TEXT
		 FROM asset_configs WHERE token = $1`, token).
		Scan(&discount, &ratio)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, token)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", token, err)
	}
	if err := parseAssetConfig(&cfg, discount, ratio); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *PostgresStore) CreateAssetConfig(ctx context.Context, cfg *model.AssetConfig) error {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO asset_configs (token, auction_discount, min_collateral_ratio)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 ON CONFLICT (token) DO NOTHING`,
		cfg.Token, cfg.AuctionDiscount.String(), cfg.MinCollateralRatio.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAssetExists, cfg.Token)
	}
	return nil
}

func (s *PostgresStore) UpdateAssetConfig(ctx context.Context, cfg *model.AssetConfig) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE asset_configs
		 SET auction_discount = $2::NUMERIC, min_collateral_ratio = $3::NUMERIC, updated_at = now()
		 WHERE token = $1`,
		cfg.Token, cfg.AuctionDiscount.String(), cfg.MinCollateralRatio.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, cfg.Token)
	}
	return nil
}

func (s *PostgresStore) ListAssetConfigs(ctx context.Context) ([]model.AssetConfig, error) {
	rows, err := s.q.Query(ctx,
		`SELECT token, auction_discount::TEXT, min_collateral_ratio::TEXT
		 FROM asset_configs ORDER BY token`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.AssetConfig
	for rows.Next() {
		var cfg model.AssetConfig
		var discount, ratio string
		if err := rows.Scan(&cfg.Token, &discount, &ratio); err != nil {
			return nil, err
		}
		if err := parseAssetConfig(&cfg, discount, ratio); err != nil {
			return nil, err
		}
		assets = append(assets, cfg)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	err := s.q.QueryRow(ctx,
		`UPDATE position_counter SET next_idx = next_idx + 1 WHERE id = 1 RETURNING next_idx - 1`).
		Scan(&p.Idx)
	if err != nil {
		return fmt.Errorf("allocate position idx: %w", err)
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO positions (idx, owner,
		        collateral_kind, collateral_id, collateral_amount,
		        asset_kind, asset_id, asset_amount,
		        created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9, $10)`,
		p.Idx, p.Owner,
		string(p.Collateral.Info.Kind), p.Collateral.Info.ID(), p.Collateral.Amount.String(),
		string(p.Asset.Info.Kind), p.Asset.Info.ID(), p.Asset.Amount.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

const positionColumns = `idx, owner,
	collateral_kind, collateral_id, collateral_amount::TEXT,
	asset_kind, asset_id, asset_amount::TEXT,
	created_at, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, idx uint64) (*model.Position, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE idx = $1`, idx)
	if err != nil {
		return nil, fmt.Errorf("get position %d: %w", idx, err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, idx)
	}
	return &positions[0], nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE positions
		 SET collateral_amount = $2::NUMERIC, asset_amount = $3::NUMERIC, updated_at = $4
		 WHERE idx = $1`,
		p.Idx, p.Collateral.Amount.String(), p.Asset.Amount.String(), p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, p.Idx)
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	f = f.Normalize()

	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE ($1 = '' OR owner = $1)
		  AND ($2 = '' OR asset_id = $2)`
	args := []any{f.Owner, f.AssetToken}
	if f.StartAfter != nil {
		if f.Order == Descending {
			query += ` AND idx < $3`
		} else {
			query += ` AND idx > $3`
		}
		args = append(args, *f.StartAfter)
	}
	if f.Order == Descending {
		query += ` ORDER BY idx DESC`
	} else {
		query += ` ORDER BY idx ASC`
	}
	query += fmt.Sprintf(` LIMIT %d`, f.Limit)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) NextPositionIdx(ctx context.Context) (uint64, error) {
	var next uint64
	err := s.q.QueryRow(ctx, `SELECT next_idx FROM position_counter WHERE id = 1`).Scan(&next)
	return next, err
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO position_events (id, position_idx, action, sender,
		        collateral_kind, collateral_id, collateral_amount,
		        asset_kind, asset_id, asset_amount,
		        attributes, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10::NUMERIC, $11, $12)`,
		e.ID, e.PositionIdx, string(e.Action), e.Sender,
		string(e.Collateral.Info.Kind), e.Collateral.Info.ID(), e.Collateral.Amount.String(),
		string(e.Asset.Info.Kind), e.Asset.Info.ID(), e.Asset.Amount.String(),
		attrs, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) EventsByPosition(ctx context.Context, idx uint64) ([]model.Event, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id::TEXT, position_idx, action, sender,
		        collateral_kind, collateral_id, collateral_amount::TEXT,
		        asset_kind, asset_id, asset_amount::TEXT,
		        attributes, timestamp
		 FROM position_events WHERE position_idx = $1 ORDER BY seq`, idx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var action, cKind, cID, cAmt, aKind, aID, aAmt string
		var attrs []byte
		if err := rows.Scan(&e.ID, &e.PositionIdx, &action, &e.Sender,
			&cKind, &cID, &cAmt, &aKind, &aID, &aAmt,
			&attrs, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Action = model.Action(action)
		if e.Collateral, err = parseAsset(cKind, cID, cAmt); err != nil {
			return nil, err
		}
		if e.Asset, err = parseAsset(aKind, aID, aAmt); err != nil {
			return nil, err
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) EnqueueTransfers(ctx context.Context, b *transfer.Batch) error {
	ins, err := json.Marshal(b.Instructions)
	if err != nil {
		return fmt.Errorf("encode transfer batch %s: %w", b.ID, err)
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO transfer_outbox (id, instructions, created_at) VALUES ($1, $2, $3)`,
		b.ID, ins, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue transfer batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *PostgresStore) PendingTransfers(ctx context.Context, limit int) ([]transfer.Batch, error) {
	query := `SELECT id::text, instructions, created_at FROM transfer_outbox
		 WHERE sent_at IS NULL ORDER BY seq`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pending transfers: %w", err)
	}
	defer rows.Close()

	var batches []transfer.Batch
	for rows.Next() {
		var b transfer.Batch
		var ins []byte
		if err := rows.Scan(&b.ID, &ins, &b.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(ins, &b.Instructions); err != nil {
			return nil, fmt.Errorf("decode transfer batch %s: %w", b.ID, err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *PostgresStore) MarkTransfersSent(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx,
		`UPDATE transfer_outbox SET sent_at = now() WHERE id = $1 AND sent_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark transfer batch %s sent: %w", id, err)
	}
	return nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var cKind, cID, cAmt, aKind, aID, aAmt string

		if err := rows.Scan(&p.Idx, &p.Owner,
			&cKind, &cID, &cAmt,
			&aKind, &aID, &aAmt,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}

		var err error
		if p.Collateral, err = parseAsset(cKind, cID, cAmt); err != nil {
			return nil, err
		}
		if p.Asset, err = parseAsset(aKind, aID, aAmt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// parseAsset rebuilds an Asset from flat columns. Events not tied to a
// position carry an empty kind and decode to the zero Asset.
func parseAsset(kind, id, amount string) (model.Asset, error) {
	if kind == "" {
		return model.Asset{}, nil
	}
	info, err := model.NewAssetInfo(kind, id)
	if err != nil {
		return model.Asset{}, err
	}
	amt, err := fixedpoint.ParseUint(amount)
	if err != nil {
		return model.Asset{}, fmt.Errorf("amount of %s: %w", info, err)
	}
	return model.Asset{Info: info, Amount: amt}, nil
}

func parseAssetConfig(cfg *model.AssetConfig, discount, ratio string) error {
	var err error
	if cfg.AuctionDiscount, err = fixedpoint.ParseDecimal(discount); err != nil {
		return fmt.Errorf("asset %s auction_discount: %w", cfg.Token, err)
	}
	if cfg.MinCollateralRatio, err = fixedpoint.ParseDecimal(ratio); err != nil {
		return fmt.Errorf("asset %s min_collateral_ratio: %w", cfg.Token, err)
	}
	return nil
}
