package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/model"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// The store remembers the last record it wrote or read for each vault, so
// SaveVault only writes the receipt, withdrawal, share and price rows that
// changed since.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	written map[string]*model.VaultRecord
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, written: make(map[string]*model.VaultRecord)}
}

func (s *PostgresStore) lastWritten(id string) *model.VaultRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[id]
}

func (s *PostgresStore) remember(v *model.VaultRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written[v.ID] = v.Clone()
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

func (s *PostgresStore) CreateVault(ctx context.Context, v *model.VaultRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	params, _ := json.Marshal(v.Params)
	config, _ := json.Marshal(v.Config)
	roles, _ := json.Marshal(v.Roles)
	state, _ := json.Marshal(v.State)
	position, _ := json.Marshal(v.Position)

	_, err = tx.Exec(ctx,
		`INSERT INTO vaults (id, address, asset, underlying, is_put, round, params, config, roles, state, position, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		v.ID, v.Address.Hex(), string(v.Params.Asset), string(v.Params.Underlying), v.Params.IsPut,
		int64(v.State.Round), params, config, roles, state, position, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrVaultExists, v.ID)
		}
		return fmt.Errorf("create vault %s: %w", v.ID, err)
	}
	if err := writeTables(ctx, tx, v.ID, diffRows(nil, v)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.remember(v)
	return nil
}

func (s *PostgresStore) SaveVault(ctx context.Context, v *model.VaultRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	config, _ := json.Marshal(v.Config)
	roles, _ := json.Marshal(v.Roles)
	state, _ := json.Marshal(v.State)
	position, _ := json.Marshal(v.Position)

	tag, err := tx.Exec(ctx,
		`UPDATE vaults
		 SET round = $2, config = $3, roles = $4, state = $5, position = $6, updated_at = $7
		 WHERE id = $1`,
		v.ID, int64(v.State.Round), config, roles, state, position, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save vault %s: %w", v.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vault %s: %w", v.ID, ErrNotFound)
	}
	if err := writeTables(ctx, tx, v.ID, diffRows(s.lastWritten(v.ID), v)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.remember(v)
	return nil
}

// writeTables upserts the changed per-depositor rows and appends new
// prices.
func writeTables(ctx context.Context, tx pgx.Tx, id string, c rowChanges) error {
	if c.empty() {
		return nil
	}
	batch := &pgx.Batch{}
	for addr, r := range c.receipts {
		batch.Queue(
			`INSERT INTO deposit_receipts (vault_id, account, round, amount, unredeemed_shares)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)
			 ON CONFLICT (vault_id, account) DO UPDATE
			 SET round = EXCLUDED.round, amount = EXCLUDED.amount, unredeemed_shares = EXCLUDED.unredeemed_shares`,
			id, addr.Hex(), int64(r.Round), r.Amount.String(), r.UnredeemedShares.String())
	}
	for addr, w := range c.withdrawals {
		batch.Queue(
			`INSERT INTO withdrawals (vault_id, account, round, shares)
			 VALUES ($1, $2, $3, $4::NUMERIC)
			 ON CONFLICT (vault_id, account) DO UPDATE
			 SET round = EXCLUDED.round, shares = EXCLUDED.shares`,
			id, addr.Hex(), int64(w.Round), w.Shares.String())
	}
	for addr, bal := range c.shares {
		batch.Queue(
			`INSERT INTO share_balances (vault_id, account, balance)
			 VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (vault_id, account) DO UPDATE SET balance = EXCLUDED.balance`,
			id, addr.Hex(), bal.String())
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("write vault %s tables: %w", id, err)
		}
	}

	for round, price := range c.prices {
		var stored string
		err := tx.QueryRow(ctx,
			`INSERT INTO round_prices (vault_id, round, price)
			 VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (vault_id, round) DO UPDATE SET price = round_prices.price
			 RETURNING price::TEXT`,
			id, int64(round), price.String()).Scan(&stored)
		if err != nil {
			return fmt.Errorf("append price %d: %w", round, err)
		}
		got, err := parseDecimal(stored)
		if err != nil {
			return err
		}
		if !got.Equal(price) {
			return fmt.Errorf("%w: vault %s round %d", ErrPriceExists, id, round)
		}
	}
	return nil
}

func (s *PostgresStore) GetVault(ctx context.Context, id string) (*model.VaultRecord, error) {
	v := &model.VaultRecord{ID: id}
	var addr string
	var params, config, roles, state, position []byte

	err := s.pool.QueryRow(ctx,
		`SELECT address, params, config, roles, state, position, created_at, updated_at
		 FROM vaults WHERE id = $1`, id).
		Scan(&addr, &params, &config, &roles, &state, &position, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("vault %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get vault %s: %w", id, err)
	}
	v.Address = common.HexToAddress(addr)
	for _, part := range []struct {
		raw []byte
		dst any
	}{{params, &v.Params}, {config, &v.Config}, {roles, &v.Roles}, {state, &v.State}, {position, &v.Position}} {
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return nil, fmt.Errorf("decode vault %s: %w", id, err)
		}
	}

	if err := s.loadTables(ctx, v); err != nil {
		return nil, err
	}
	prices, err := s.GetRoundPrices(ctx, id)
	if err != nil {
		return nil, err
	}
	v.Prices = prices
	s.remember(v)
	return v, nil
}

func (s *PostgresStore) loadTables(ctx context.Context, v *model.VaultRecord) error {
	v.Receipts = make(map[model.Address]model.DepositReceipt)
	v.Withdrawals = make(map[model.Address]model.Withdrawal)
	v.Shares = make(map[model.Address]decimal.Decimal)

	rows, err := s.pool.Query(ctx,
		`SELECT account, round, amount::TEXT, unredeemed_shares::TEXT
		 FROM deposit_receipts WHERE vault_id = $1`, v.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var acct, amt, unredeemed string
		var round int64
		if err := rows.Scan(&acct, &round, &amt, &unredeemed); err != nil {
			rows.Close()
			return err
		}
		r := model.DepositReceipt{Round: uint64(round)}
		if r.Amount, err = parseDecimal(amt); err != nil {
			rows.Close()
			return err
		}
		if r.UnredeemedShares, err = parseDecimal(unredeemed); err != nil {
			rows.Close()
			return err
		}
		v.Receipts[common.HexToAddress(acct)] = r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT account, round, shares::TEXT FROM withdrawals WHERE vault_id = $1`, v.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var acct, shares string
		var round int64
		if err := rows.Scan(&acct, &round, &shares); err != nil {
			rows.Close()
			return err
		}
		w := model.Withdrawal{Round: uint64(round)}
		if w.Shares, err = parseDecimal(shares); err != nil {
			rows.Close()
			return err
		}
		v.Withdrawals[common.HexToAddress(acct)] = w
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT account, balance::TEXT FROM share_balances WHERE vault_id = $1`, v.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var acct, bal string
		if err := rows.Scan(&acct, &bal); err != nil {
			return err
		}
		d, err := parseDecimal(bal)
		if err != nil {
			return err
		}
		v.Shares[common.HexToAddress(acct)] = d
	}
	return rows.Err()
}

func (s *PostgresStore) ListVaults(ctx context.Context) ([]model.VaultSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, address, asset, underlying, is_put, round,
		        state->>'locked_amount', state->>'total_pending'
		 FROM vaults ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.VaultSummary
	for rows.Next() {
		var sum model.VaultSummary
		var addr, asset, underlying, locked, pending string
		var round int64
		if err := rows.Scan(&sum.ID, &addr, &asset, &underlying, &sum.IsPut, &round, &locked, &pending); err != nil {
			return nil, err
		}
		sum.Address = common.HexToAddress(addr)
		sum.Asset = model.AssetID(asset)
		sum.Underlying = model.AssetID(underlying)
		sum.Round = uint64(round)
		if sum.LockedAmount, err = parseDecimal(locked); err != nil {
			return nil, err
		}
		if sum.TotalPending, err = parseDecimal(pending); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertRoundPrice(ctx context.Context, vaultID string, round uint64, price decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO round_prices (vault_id, round, price) VALUES ($1, $2, $3::NUMERIC)`,
		vaultID, int64(round), price.String())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: vault %s round %d", ErrPriceExists, vaultID, round)
	}
	return err
}

func (s *PostgresStore) GetRoundPrices(ctx context.Context, vaultID string) (map[uint64]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT round, price::TEXT FROM round_prices WHERE vault_id = $1`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uint64]decimal.Decimal)
	for rows.Next() {
		var round int64
		var price string
		if err := rows.Scan(&round, &price); err != nil {
			return nil, err
		}
		d, err := parseDecimal(price)
		if err != nil {
			return nil, err
		}
		out[uint64(round)] = d
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_events (id, vault_id, round, type, account, option, amount, shares, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		e.ID, e.VaultID, int64(e.Round), string(e.Type), e.Account.Hex(), string(e.Option),
		e.Amount.String(), e.Shares.String(), e.Price.String(), e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetEvents(ctx context.Context, vaultID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, vault_id, round, type, account, option,
		        amount::TEXT, shares::TEXT, price::TEXT, timestamp
		 FROM vault_events WHERE vault_id = $1 ORDER BY seq`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var round int64
		var typ, acct, option, amt, shares, price string
		var ts time.Time
		if err := rows.Scan(&e.ID, &e.VaultID, &round, &typ, &acct, &option, &amt, &shares, &price, &ts); err != nil {
			return nil, err
		}
		e.Round = uint64(round)
		e.Type = model.EventType(typ)
		e.Account = common.HexToAddress(acct)
		e.Option = model.OptionID(option)
		e.Timestamp = ts
		if e.Amount, err = parseDecimal(amt); err != nil {
			return nil, err
		}
		if e.Shares, err = parseDecimal(shares); err != nil {
			return nil, err
		}
		if e.Price, err = parseDecimal(price); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) SaveAuctionBook(ctx context.Context, book model.AuctionBook) error {
	data, err := json.Marshal(book)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO auction_book (id, book) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET book = EXCLUDED.book`, data)
	return err
}

func (s *PostgresStore) GetAuctionBook(ctx context.Context) (model.AuctionBook, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT book FROM auction_book WHERE id = 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuctionBook{}, fmt.Errorf("auction book: %w", ErrNotFound)
		}
		return model.AuctionBook{}, err
	}
	var book model.AuctionBook
	if err := json.Unmarshal(data, &book); err != nil {
		return model.AuctionBook{}, fmt.Errorf("decode auction book: %w", err)
	}
	return book, nil
}
