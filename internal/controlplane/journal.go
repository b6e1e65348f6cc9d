package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarbot/gostellar/internal/domain"
)

// Journal 订单流水（SQLite）。记录订单创建与每次状态变化，
// 供控制面历史接口与事后审计使用。
type Journal struct {
	db *sql.DB
}

// OpenJournal 打开（必要时创建）流水数据库
func OpenJournal(dbPath string) (*Journal, error) {
	if dbPath == "" {
		return nil, errors.New("controlplane: journal db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("controlplane: mkdir db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("controlplane: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id   TEXT PRIMARY KEY,
	pair       TEXT NOT NULL,
	side       TEXT NOT NULL,
	amount     TEXT NOT NULL,
	price      TEXT NOT NULL,
	offer_id   INTEGER NOT NULL DEFAULT 0,
	tx_hash    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS order_events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id TEXT NOT NULL,
	status   TEXT NOT NULL,
	tx_hash  TEXT NOT NULL DEFAULT '',
	at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id);
`
	_, err := j.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("controlplane: migrate: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordOrder 记录新订单
func (j *Journal) RecordOrder(ctx context.Context, o *domain.Order) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO orders (order_id, pair, side, amount, price, offer_id, tx_hash, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.Pair.Symbol, string(o.Side), o.Amount.String(), o.PriceDecimal.String(),
		o.OfferID, o.TxHash, string(o.Status), o.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("controlplane: record order: %w", err)
	}
	return j.recordEvent(ctx, o.OrderID, string(o.Status), o.TxHash)
}

// RecordStatus 记录状态变化
func (j *Journal) RecordStatus(ctx context.Context, orderID string, status domain.OrderStatus, txHash string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE orders SET status = ? WHERE order_id = ?`, string(status), orderID)
	if err != nil {
		return fmt.Errorf("controlplane: update order status: %w", err)
	}
	return j.recordEvent(ctx, orderID, string(status), txHash)
}

func (j *Journal) recordEvent(ctx context.Context, orderID, status, txHash string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO order_events (order_id, status, tx_hash, at) VALUES (?, ?, ?, ?)`,
		orderID, status, txHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("controlplane: record event: %w", err)
	}
	return nil
}

// HistoryRow 历史接口返回的一行
type HistoryRow struct {
	OrderID   string    `json:"order_id"`
	Pair      string    `json:"pair"`
	Side      string    `json:"side"`
	Amount    string    `json:"amount"`
	Price     string    `json:"price"`
	OfferID   int64     `json:"offer_id"`
	TxHash    string    `json:"tx_hash"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// History 按创建时间倒序返回最近的订单
func (j *Journal) History(ctx context.Context, limit int) ([]HistoryRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT order_id, pair, side, amount, price, offer_id, tx_hash, status, created_at
		 FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("controlplane: query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(&r.OrderID, &r.Pair, &r.Side, &r.Amount, &r.Price,
			&r.OfferID, &r.TxHash, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("controlplane: scan history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
