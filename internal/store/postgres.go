package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/flashpool/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// lockNotAvailable is the SQLSTATE raised by FOR UPDATE NOWAIT.
const lockNotAvailable = "55P03"

const selectPool = `SELECT id, name, authority, decimals,
        total_liquidity::TEXT, reserved_for_loan::TEXT, fee_accumulated::TEXT,
        fee_bps, min_loan::TEXT, total_shares::TEXT, loan_count,
        created_at, updated_at
 FROM pools`

const selectPosition = `SELECT pool_id, owner, shares::TEXT, deposited::TEXT, withdrawn::TEXT, updated_at
 FROM positions`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// An atomic unit is one database transaction holding the pool row lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.Pool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (id, name, authority, decimals, total_liquidity, reserved_for_loan,
		                    fee_accumulated, fee_bps, min_loan, total_shares, loan_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, NULL, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		p.ID, p.Name, p.Authority, p.Decimals,
		p.TotalLiquidity.String(), p.FeeAccumulated.String(),
		int64(p.FeeBps), p.MinLoan.String(), p.TotalShares.String(),
		p.LoanCount, p.CreatedAt, p.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("pool %s: %w", p.ID, ErrExists)
	}
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx, selectPool+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, selectPool+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, poolID, owner string) (*model.Position, error) {
	return getPosition(ctx, s.pool, poolID, owner, "")
}

func (s *PostgresStore) ListPositions(ctx context.Context, poolID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, selectPosition+` WHERE pool_id = $1 ORDER BY owner`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListLoans(ctx context.Context, poolID string) ([]model.LoanRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pool_id, borrower, principal::TEXT, repaid::TEXT, fee::TEXT, timestamp
		 FROM loans WHERE pool_id = $1 ORDER BY timestamp`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []model.LoanRecord
	for rows.Next() {
		var l model.LoanRecord
		var principalS, repaidS, feeS string
		if err := rows.Scan(&l.ID, &l.PoolID, &l.Borrower, &principalS, &repaidS, &feeS, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Principal, _ = decimal.NewFromString(principalS)
		l.Repaid, _ = decimal.NewFromString(repaidS)
		l.Fee, _ = decimal.NewFromString(feeS)
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, poolID string, fn TxFunc) error {
	return s.update(ctx, poolID, "FOR UPDATE", fn)
}

func (s *PostgresStore) TryUpdate(ctx context.Context, poolID string, fn TxFunc) error {
	return s.update(ctx, poolID, "FOR UPDATE NOWAIT", fn)
}

func (s *PostgresStore) update(ctx context.Context, poolID, lockClause string, fn TxFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	// No-op once committed.
	defer tx.Rollback(ctx)

	p, err := scanPool(tx.QueryRow(ctx, selectPool+` WHERE id = $1 `+lockClause, poolID))
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("pool %s: %w", poolID, ErrNotFound)
		case errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable:
			return fmt.Errorf("pool %s: %w", poolID, ErrLocked)
		}
		return fmt.Errorf("lock pool %s: %w", poolID, err)
	}

	if err := fn(&pgTx{tx: tx, pool: p}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgTx writes through to the database transaction; Rollback discards it.
type pgTx struct {
	tx   pgx.Tx
	pool *model.Pool
}

func (t *pgTx) Pool(_ context.Context) (*model.Pool, error) {
	return t.pool.Clone(), nil
}

func (t *pgTx) SavePool(ctx context.Context, p *model.Pool) error {
	if p.ID != t.pool.ID {
		return fmt.Errorf("save pool %s in transaction for %s", p.ID, t.pool.ID)
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE pools
		 SET total_liquidity = $2::NUMERIC, reserved_for_loan = $3::NUMERIC,
		     fee_accumulated = $4::NUMERIC, total_shares = $5::NUMERIC,
		     loan_count = $6, updated_at = $7
		 WHERE id = $1`,
		p.ID, p.TotalLiquidity.String(), nullDecimalArg(p.Reserved),
		p.FeeAccumulated.String(), p.TotalShares.String(),
		p.LoanCount, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save pool %s: %w", p.ID, err)
	}
	t.pool = p.Clone()
	return nil
}

func (t *pgTx) Position(ctx context.Context, owner string) (*model.Position, error) {
	return getPosition(ctx, t.tx, t.pool.ID, owner, " FOR UPDATE")
}

func (t *pgTx) SavePosition(ctx context.Context, pos *model.Position) error {
	if pos.PoolID != t.pool.ID {
		return fmt.Errorf("save position for pool %s in transaction for %s", pos.PoolID, t.pool.ID)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (pool_id, owner, shares, deposited, withdrawn, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (pool_id, owner)
		 DO UPDATE SET shares = EXCLUDED.shares, deposited = EXCLUDED.deposited,
		               withdrawn = EXCLUDED.withdrawn, updated_at = EXCLUDED.updated_at`,
		pos.PoolID, pos.Owner, pos.Shares.String(), pos.Deposited.String(), pos.Withdrawn.String(), pos.UpdatedAt,
	)
	return err
}

func (t *pgTx) InsertLoan(ctx context.Context, l *model.LoanRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO loans (id, pool_id, borrower, principal, repaid, fee, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		l.ID, l.PoolID, l.Borrower, l.Principal.String(), l.Repaid.String(), l.Fee.String(), l.Timestamp,
	)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getPosition(ctx context.Context, q querier, poolID, owner, suffix string) (*model.Position, error) {
	pos, err := scanPosition(q.QueryRow(ctx, selectPosition+` WHERE pool_id = $1 AND owner = $2`+suffix, poolID, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return emptyPosition(poolID, owner), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", poolID, owner, err)
	}
	return pos, nil
}

// scanner reads one row; pgx.Row and pgx.Rows both satisfy it.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPool(row scanner) (*model.Pool, error) {
	var p model.Pool
	var liquidityS, feeAccS, minLoanS, sharesS string
	var reservedS *string
	var feeBps int64

	if err := row.Scan(&p.ID, &p.Name, &p.Authority, &p.Decimals,
		&liquidityS, &reservedS, &feeAccS,
		&feeBps, &minLoanS, &sharesS, &p.LoanCount,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.FeeBps = uint32(feeBps)
	p.TotalLiquidity, _ = decimal.NewFromString(liquidityS)
	p.FeeAccumulated, _ = decimal.NewFromString(feeAccS)
	p.MinLoan, _ = decimal.NewFromString(minLoanS)
	p.TotalShares, _ = decimal.NewFromString(sharesS)
	if reservedS != nil {
		p.Reserved = decimal.NewNullDecimal(decimal.RequireFromString(*reservedS))
	}
	return &p, nil
}

func scanPosition(row scanner) (*model.Position, error) {
	var pos model.Position
	var sharesS, depositedS, withdrawnS string

	if err := row.Scan(&pos.PoolID, &pos.Owner, &sharesS, &depositedS, &withdrawnS, &pos.UpdatedAt); err != nil {
		return nil, err
	}

	pos.Shares, _ = decimal.NewFromString(sharesS)
	pos.Deposited, _ = decimal.NewFromString(depositedS)
	pos.Withdrawn, _ = decimal.NewFromString(withdrawnS)
	return &pos, nil
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}
