package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/silo-engine/internal/amount"
	"github.com/atmx/silo-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All quantities are stored as NUMERIC raw integers for exact precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const depositColumns = `scheme, marker::TEXT, amount::TEXT, amount_decimals,
	bdv::TEXT, stalk_base::TEXT, stalk_grown::TEXT, seeds::TEXT`

func (s *PostgresStore) InsertDeposit(ctx context.Context, account, token string, d model.Deposit) error {
	d, err := d.Normalize()
	if err != nil {
		return err
	}

	// Concurrent deposits at one marker merge by adding columns, which
	// keeps Total = Base + Grown since total is never stored.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO deposits (account, token, scheme, marker, amount, amount_decimals, bdv, stalk_base, stalk_grown, seeds)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC)
		 ON CONFLICT (account, token, scheme, marker) DO UPDATE SET
		     amount      = deposits.amount + EXCLUDED.amount,
		     bdv         = deposits.bdv + EXCLUDED.bdv,
		     stalk_base  = deposits.stalk_base + EXCLUDED.stalk_base,
		     stalk_grown = deposits.stalk_grown + EXCLUDED.stalk_grown,
		     seeds       = deposits.seeds + EXCLUDED.seeds
		 WHERE deposits.amount_decimals = EXCLUDED.amount_decimals`,
		account, token, int16(d.Marker.Scheme), d.Marker.Value.String(),
		d.Amount.Raw().String(), int16(d.Amount.Decimals()),
		d.BDV.Raw().String(), d.Stalk.Base.Raw().String(), d.Stalk.Grown.Raw().String(),
		d.Seeds.Raw().String(),
	)
	if err != nil {
		return fmt.Errorf("insert deposit %s/%s at %s: %w", account, token, d.Marker, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert deposit %s/%s at %s: %w", account, token, d.Marker, amount.ErrScaleMismatch)
	}
	return nil
}

func (s *PostgresStore) ListDeposits(ctx context.Context, account, token string) ([]model.Deposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositColumns+`
		 FROM deposits WHERE account = $1 AND token = $2
		 ORDER BY scheme, marker DESC`, account, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeposits(rows)
}

func (s *PostgresStore) ApplyWithdrawal(ctx context.Context, account, token string, picked []model.Deposit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, p := range picked {
		row := tx.QueryRow(ctx,
			`SELECT `+depositColumns+`
			 FROM deposits WHERE account = $1 AND token = $2 AND scheme = $3 AND marker = $4::NUMERIC
			 FOR UPDATE`,
			account, token, int16(p.Marker.Scheme), p.Marker.Value.String())
		existing, err := scanDeposit(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s at %s", ErrDepositNotFound, account, p.Marker)
		}
		if err != nil {
			return err
		}

		next, err := subtractDeposit(existing, p)
		if err != nil {
			return err
		}

		if next.Amount.IsZero() {
			_, err = tx.Exec(ctx,
				`DELETE FROM deposits WHERE account = $1 AND token = $2 AND scheme = $3 AND marker = $4::NUMERIC`,
				account, token, int16(p.Marker.Scheme), p.Marker.Value.String())
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE deposits
				 SET amount = $5::NUMERIC, bdv = $6::NUMERIC,
				     stalk_base = $7::NUMERIC, stalk_grown = $8::NUMERIC, seeds = $9::NUMERIC
				 WHERE account = $1 AND token = $2 AND scheme = $3 AND marker = $4::NUMERIC`,
				account, token, int16(p.Marker.Scheme), p.Marker.Value.String(),
				next.Amount.Raw().String(), next.BDV.Raw().String(),
				next.Stalk.Base.Raw().String(), next.Stalk.Grown.Raw().String(),
				next.Seeds.Raw().String())
		}
		if err != nil {
			return fmt.Errorf("apply withdrawal at %s: %w", p.Marker, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetStemTip(ctx context.Context, token string) (*big.Int, error) {
	var tipS string
	err := s.pool.QueryRow(ctx,
		`SELECT stem_tip::TEXT FROM stem_tips WHERE token = $1`, token).Scan(&tipS)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stem tip %s: %w", token, err)
	}
	tip, ok := new(big.Int).SetString(tipS, 10)
	if !ok {
		return nil, fmt.Errorf("get stem tip %s: invalid value %q", token, tipS)
	}
	return tip, nil
}

func (s *PostgresStore) SetStemTip(ctx context.Context, token string, tip *big.Int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stem_tips (token, stem_tip) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (token) DO UPDATE SET stem_tip = EXCLUDED.stem_tip`,
		token, tip.String())
	return err
}

func (s *PostgresStore) GetSeason(ctx context.Context) (uint32, error) {
	var season int64
	err := s.pool.QueryRow(ctx, `SELECT season FROM silo_season`).Scan(&season)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint32(season), nil
}

func (s *PostgresStore) SetSeason(ctx context.Context, season uint32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO silo_season (id, season) VALUES (TRUE, $1)
		 ON CONFLICT (id) DO UPDATE SET season = EXCLUDED.season`,
		int64(season))
	return err
}

// pgxRows is the subset of pgx.Rows that scanDeposits needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanDeposits(rows pgxRows) ([]model.Deposit, error) {
	deposits := []model.Deposit{}
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

func scanDeposit(row pgx.Row) (model.Deposit, error) {
	var (
		scheme, decimals                          int16
		markerS, amountS, bdvS, baseS, grownS, sS string
	)
	if err := row.Scan(&scheme, &markerS, &amountS, &decimals, &bdvS, &baseS, &grownS, &sS); err != nil {
		return model.Deposit{}, err
	}

	marker, ok := new(big.Int).SetString(markerS, 10)
	if !ok {
		return model.Deposit{}, fmt.Errorf("invalid marker %q", markerS)
	}
	d := model.Deposit{Marker: model.Marker{Scheme: model.Scheme(scheme), Value: marker}}

	var err error
	if d.Amount, err = amount.FromRawString(amountS, uint8(decimals)); err != nil {
		return model.Deposit{}, err
	}
	if d.BDV, err = amount.FromRawString(bdvS, model.BDVDecimals); err != nil {
		return model.Deposit{}, err
	}
	if d.Seeds, err = amount.FromRawString(sS, model.SeedsDecimals); err != nil {
		return model.Deposit{}, err
	}
	base, err := amount.FromRawString(baseS, model.StalkDecimals)
	if err != nil {
		return model.Deposit{}, err
	}
	grown, err := amount.FromRawString(grownS, model.StalkDecimals)
	if err != nil {
		return model.Deposit{}, err
	}
	if d.Stalk, err = model.NewStalk(base, grown); err != nil {
		return model.Deposit{}, err
	}
	return d, nil
}
