package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dev.c0redev.ilp/internal/ilp"
	"dev.c0redev.ilp/internal/server/auth"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound: no such account.
var ErrNotFound = errors.New("store: account not found")

// DB wraps sqlite (accounts + routes).
type DB struct {
	*sql.DB
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// each new connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ilp_address TEXT NOT NULL UNIQUE,
			asset_code TEXT NOT NULL,
			asset_scale INTEGER NOT NULL,
			max_packet_amount INTEGER NOT NULL DEFAULT 0,
			http_endpoint TEXT NOT NULL DEFAULT '',
			http_outgoing_token TEXT NOT NULL DEFAULT '',
			http_incoming_token_hash TEXT NOT NULL DEFAULT '',
			btp_addr TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS routes (
			account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			prefix TEXT NOT NULL,
			PRIMARY KEY (account_id, position)
		);
		CREATE INDEX IF NOT EXISTS idx_routes_account ON routes(account_id);
	`)
	return err
}

// Account: peer or local user; read-only to router and sender.
type Account struct {
	ID                    int64
	ILPAddress            ilp.Address
	AdditionalRoutes      []string
	AssetCode             string
	AssetScale            uint8
	MaxPacketAmount       uint64 // 0 = unlimited
	HTTPEndpoint          string
	HTTPOutgoingToken     string
	HTTPIncomingTokenHash string
	BTPAddr               string
	CreatedAt             time.Time
}

// Prefixes returns routing prefixes in registration order: address first, then additional routes.
func (a *Account) Prefixes() []string {
	out := make([]string, 0, 1+len(a.AdditionalRoutes))
	if a.ILPAddress != "" {
		out = append(out, string(a.ILPAddress))
	}
	return append(out, a.AdditionalRoutes...)
}

// CreateAccount inserts a (ID, CreatedAt ignored); returns new id.
func (db *DB) CreateAccount(ctx context.Context, a Account) (int64, error) {
	if _, err := ilp.ParseAddress(string(a.ILPAddress)); err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO accounts (ilp_address, asset_code, asset_scale, max_packet_amount,
		http_endpoint, http_outgoing_token, http_incoming_token_hash, btp_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ILPAddress), a.AssetCode, a.AssetScale, int64(a.MaxPacketAmount),
		a.HTTPEndpoint, a.HTTPOutgoingToken, a.HTTPIncomingTokenHash, a.BTPAddr, now)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, prefix := range a.AdditionalRoutes {
		if _, err := tx.ExecContext(ctx, "INSERT INTO routes (account_id, position, prefix) VALUES (?, ?, ?)", id, i, prefix); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// IssueIncomingToken sets a fresh bearer token for account id; returns plaintext (only bcrypt hash is stored).
func (db *DB) IssueIncomingToken(ctx context.Context, id int64) (string, error) {
	tok, err := newToken()
	if err != nil {
		return "", err
	}
	hash, err := auth.HashPassword(tok)
	if err != nil {
		return "", err
	}
	res, err := db.ExecContext(ctx, "UPDATE accounts SET http_incoming_token_hash = ? WHERE id = ?", hash, id)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return tok, nil
}

// DeleteAccount removes account and its routes.
func (db *DB) DeleteAccount(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const accountColumns = `id, ilp_address, asset_code, asset_scale, max_packet_amount, http_endpoint,
	http_outgoing_token, http_incoming_token_hash, btp_addr, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (Account, error) {
	var a Account
	var addr, createdAt string
	var scale, maxPacket int64
	err := s.Scan(&a.ID, &addr, &a.AssetCode, &scale, &maxPacket, &a.HTTPEndpoint,
		&a.HTTPOutgoingToken, &a.HTTPIncomingTokenHash, &a.BTPAddr, &createdAt)
	if err != nil {
		return Account{}, err
	}
	a.ILPAddress = ilp.Address(addr)
	a.AssetScale = uint8(scale)
	a.MaxPacketAmount = uint64(maxPacket)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return a, nil
}

// AccountByID returns account or ErrNotFound.
func (db *DB) AccountByID(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	routes, err := db.routesFor(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	a.AdditionalRoutes = routes[id]
	return &a, nil
}

// ListAccounts returns all accounts ordered by id, routes in registration order.
func (db *DB) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Account
	var ids []int64
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	routes, err := db.routesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].AdditionalRoutes = routes[list[i].ID]
	}
	return list, nil
}

func (db *DB) routesFor(ctx context.Context, ids []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := fmt.Sprintf("SELECT account_id, prefix FROM routes WHERE account_id IN (%s) ORDER BY account_id, position",
		strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","))
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var prefix string
		if err := rows.Scan(&id, &prefix); err != nil {
			return nil, err
		}
		out[id] = append(out[id], prefix)
	}
	return out, rows.Err()
}

// Authenticate returns the account if token matches its incoming token hash.
func (db *DB) Authenticate(ctx context.Context, id int64, token string) (*Account, error) {
	a, err := db.AccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(token, a.HTTPIncomingTokenHash) {
		return nil, auth.ErrBadCredentials
	}
	return a, nil
}
