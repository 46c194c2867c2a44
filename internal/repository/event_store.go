// Package repository 订单事件日志与快照的持久化层
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/pkg/saga"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrSequenceConflict = errors.New("event sequence conflict")
)

// Store is the durable event log of all orders. Append writes one event and
// the snapshot that results from it atomically.
type Store interface {
	Append(ctx context.Context, ev order.Event, snap *order.Order) error
	Load(ctx context.Context, orderID string) ([]order.Event, error)
	LoadSnapshot(ctx context.Context, orderID string) (*order.Order, error)
	ListActive(ctx context.Context) ([]string, error)
	ListCompensationFailed(ctx context.Context) ([]string, error)
}

// CreateTableSQL 事件表与快照表结构（可用于初始化/迁移）
const CreateTableSQL = `
CREATE SCHEMA IF NOT EXISTS preorder;
CREATE TABLE IF NOT EXISTS preorder.order_events (
  order_id VARCHAR(64) NOT NULL,
  version BIGINT NOT NULL,
  event_type VARCHAR(32) NOT NULL,
  payload JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (order_id, version)
);
CREATE TABLE IF NOT EXISTS preorder.order_snapshots (
  order_id VARCHAR(64) PRIMARY KEY,
  version BIGINT NOT NULL,
  status VARCHAR(32) NOT NULL,
  compensation VARCHAR(16) NOT NULL DEFAULT 'NONE',
  snapshot JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_snapshots_status ON preorder.order_snapshots(status, compensation);
`

var terminalStatuses = []string{
	string(order.StatusCompleted),
	string(order.StatusCancelled),
	string(order.StatusRejected),
}

// PostgresStore 基于 PostgreSQL 的事件存储
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建事件存储
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate 建表
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, CreateTableSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Append 追加事件并在同一事务内推进快照。ev.Version 必须等于当前版本 + 1。
func (s *PostgresStore) Append(ctx context.Context, ev order.Event, snap *order.Order) error {
	if ev.Version <= 0 || snap == nil || snap.Version != ev.Version {
		return fmt.Errorf("append %s: snapshot version %d does not match event version %d", ev.OrderID, snapVersion(snap), ev.Version)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data, err := snap.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO preorder.order_events (order_id, version, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.OrderID, ev.Version, string(ev.Type), payload, ev.At.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSequenceConflict
		}
		return fmt.Errorf("insert event: %w", err)
	}

	status := string(snap.Status)
	compensation := string(snap.Compensation())
	updatedAt := snap.UpdatedAt.UTC()
	if ev.Version == 1 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO preorder.order_snapshots (order_id, version, status, compensation, snapshot, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, ev.OrderID, ev.Version, status, compensation, data, updatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrSequenceConflict
			}
			return fmt.Errorf("insert snapshot: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE preorder.order_snapshots
			SET version = $1, status = $2, compensation = $3, snapshot = $4, updated_at = $5
			WHERE order_id = $6 AND version = $7
		`, ev.Version, status, compensation, data, updatedAt, ev.OrderID, ev.Version-1)
		if err != nil {
			return fmt.Errorf("update snapshot: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrSequenceConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load 按版本顺序读取订单的全部事件
func (s *PostgresStore) Load(ctx context.Context, orderID string) ([]order.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, payload
		FROM preorder.order_events
		WHERE order_id = $1
		ORDER BY version ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []order.Event
	for rows.Next() {
		var version int64
		var payload []byte
		if err := rows.Scan(&version, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev order.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event %s v%d: %w", orderID, version, err)
		}
		if version != int64(len(events))+1 {
			return nil, fmt.Errorf("event log of %s has a gap at v%d", orderID, version)
		}
		ev.Version = version
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrOrderNotFound
	}
	return events, nil
}

// LoadSnapshot 读取最新快照
func (s *PostgresStore) LoadSnapshot(ctx context.Context, orderID string) (*order.Order, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot
		FROM preorder.order_snapshots
		WHERE order_id = $1
	`, orderID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	o, err := order.UnmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", orderID, err)
	}
	return o, nil
}

// ListActive 返回仍需运行时处理的订单：非终态，或补偿尚未结束的已取消订单
func (s *PostgresStore) ListActive(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT order_id
		FROM preorder.order_snapshots
		WHERE status <> ALL($1)
		   OR (status = $2 AND compensation = $3)
		ORDER BY order_id
	`, pq.Array(terminalStatuses), string(order.StatusCancelled), string(saga.StateRunning))
}

// ListCompensationFailed 返回补偿失败、等待人工或对账任务处理的订单
func (s *PostgresStore) ListCompensationFailed(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT order_id
		FROM preorder.order_snapshots
		WHERE status = $1 AND compensation = $2
		ORDER BY updated_at ASC
	`, string(order.StatusCancelled), string(saga.StateFailed))
}

func (s *PostgresStore) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return ids, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func snapVersion(o *order.Order) int64 {
	if o == nil {
		return 0
	}
	return o.Version
}
