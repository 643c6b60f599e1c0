// Package store 用 SQLite 保存逻辑定义和面向用户的执行日志。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trade-builder/internal/graph"
	"trade-builder/internal/model"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound 逻辑不存在
var ErrNotFound = errors.New("logic not found")

const schema = `
CREATE TABLE IF NOT EXISTS logics (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	interval_ms INTEGER NOT NULL DEFAULT 0,
	buy_graph   TEXT NOT NULL,
	sell_graph  TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	logic_id   TEXT NOT NULL,
	title      TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_logic ON logs(logic_id, id);
`

// DefaultLogLimit Logs 未指定条数时返回的条数
const DefaultLogLimit = 100

// LogicRecord 是保存下来的一个逻辑
type LogicRecord struct {
	ID        string        `json:"id"`
	Symbol    string        `json:"symbol"`
	Interval  time.Duration `json:"-"`
	Buy       *graph.Graph  `json:"buy"`
	Sell      *graph.Graph  `json:"sell"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Store 包装 SQLite 连接
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open 打开 (必要时创建) path 处的数据库并建表；path 为 ":memory:" 时使用内存库
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接：SQLite 只允许一个写者，内存库也依赖同一连接
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveLogic 新建或覆盖一个逻辑
func (s *Store) SaveLogic(ctx context.Context, rec LogicRecord) error {
	if rec.ID == "" {
		return errors.New("logic id is empty")
	}
	buy, err := encodeGraph(rec.Buy)
	if err != nil {
		return fmt.Errorf("encode buy graph: %w", err)
	}
	sell, err := encodeGraph(rec.Sell)
	if err != nil {
		return fmt.Errorf("encode sell graph: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO logics (id, symbol, interval_ms, buy_graph, sell_graph, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			interval_ms = excluded.interval_ms,
			buy_graph = excluded.buy_graph,
			sell_graph = excluded.sell_graph,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Symbol, rec.Interval.Milliseconds(), buy, sell, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save logic %s: %w", rec.ID, err)
	}
	return nil
}

// GetLogic 读取一个逻辑，不存在时返回 ErrNotFound
func (s *Store) GetLogic(ctx context.Context, id string) (LogicRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, interval_ms, buy_graph, sell_graph, updated_at
		FROM logics WHERE id = ?`, id)
	rec, err := scanLogic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LogicRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// ListLogics 按 id 顺序返回所有逻辑
func (s *Store) ListLogics(ctx context.Context) ([]LogicRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, interval_ms, buy_graph, sell_graph, updated_at
		FROM logics ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list logics: %w", err)
	}
	defer rows.Close()

	var out []LogicRecord
	for rows.Next() {
		rec, err := scanLogic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteLogic 删除逻辑及其日志，返回是否存在
func (s *Store) DeleteLogic(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM logics WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete logic %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE logic_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete logs of %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLogic(sc scanner) (LogicRecord, error) {
	var (
		rec             LogicRecord
		intervalMs, upd int64
		buyRaw, sellRaw string
	)
	if err := sc.Scan(&rec.ID, &rec.Symbol, &intervalMs, &buyRaw, &sellRaw, &upd); err != nil {
		return LogicRecord{}, err
	}
	rec.Interval = time.Duration(intervalMs) * time.Millisecond
	rec.UpdatedAt = time.UnixMilli(upd)

	var err error
	if rec.Buy, err = graph.DecodeBytes([]byte(buyRaw)); err != nil {
		return LogicRecord{}, fmt.Errorf("logic %s: buy graph: %w", rec.ID, err)
	}
	if rec.Sell, err = graph.DecodeBytes([]byte(sellRaw)); err != nil {
		return LogicRecord{}, fmt.Errorf("logic %s: sell graph: %w", rec.ID, err)
	}
	return rec, nil
}

func encodeGraph(g *graph.Graph) (string, error) {
	if g == nil {
		g = &graph.Graph{}
	}
	b, err := graph.EncodeBytes(g)
	return string(b), err
}

// Log 实现 strategy.LogSink：写入 logs 表并同时输出到 zap。写入失败只记录警告。
func (s *Store) Log(logicID, title, message string) {
	s.logger.Info("Logic log", zap.String("Logic", logicID), zap.String("Title", title), zap.String("Message", message))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (logic_id, title, message, created_at) VALUES (?, ?, ?, ?)`,
		logicID, title, message, s.now().UnixMilli())
	if err != nil {
		s.logger.Warn("Persisting log entry failed", zap.String("Logic", logicID), zap.Error(err))
	}
}

// Logs 返回逻辑最近的 limit 条日志 (旧 → 新)
func (s *Store) Logs(ctx context.Context, logicID string, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT logic_id, title, message, created_at FROM (
			SELECT id, logic_id, title, message, created_at FROM logs
			WHERE logic_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, logicID, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	out := []model.LogEntry{}
	for rows.Next() {
		var e model.LogEntry
		var ts int64
		if err := rows.Scan(&e.LogicID, &e.Title, &e.Message, &ts); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
