// Package replay 持久化离线期间的写请求，并在连通性恢复后按序重放。
//
// 交付语义是 at-least-once：发送成功与删除条目之间若进程崩溃，重启后
// 会重复重放同一条写请求。下游接口必须对重放幂等，这是对 API 消费方的
// 明确要求而非实现缺陷。
package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Mutation 是一条排队等待重放的写请求快照。
type Mutation struct {
	ID         int64
	Method     string
	URL        string
	Headers    map[string]string
	Body       []byte
	EnqueuedAt time.Time
	Attempts   int
}

// 条目状态：pending 等待重放，dead 超过重试上限被搁置。
const (
	statePending = "pending"
	stateDead    = "dead"
)

const schema = `
CREATE TABLE IF NOT EXISTS mutations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	method      TEXT    NOT NULL,
	url         TEXT    NOT NULL,
	headers     TEXT    NOT NULL DEFAULT '{}',
	body        BLOB,
	enqueued_at INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	state       TEXT    NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_mutations_state ON mutations(state, id);
`

// Queue 是 SQLite 承载的持久化顺序队列。AUTOINCREMENT 保证 id 单调递增，
// 条目在被成功重放确认之前归队列独占。
type Queue struct {
	db *sql.DB
}

// Open 打开（必要时初始化）队列数据库，WAL 模式保证写入落盘后才返回。
func Open(path string) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("queue path required")
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close 关闭底层数据库句柄。
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue 追加一条写请求快照，返回其单调 id。INSERT 提交即持久化。
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (int64, error) {
	if m.Method == "" || m.URL == "" {
		return 0, errors.New("mutation method and url required")
	}
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return 0, fmt.Errorf("encode headers: %w", err)
	}
	enqueuedAt := m.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}

	result, err := q.db.ExecContext(ctx,
		`INSERT INTO mutations (method, url, headers, body, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		m.Method, m.URL, string(headers), m.Body, enqueuedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue mutation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read mutation id: %w", err)
	}
	return id, nil
}

// Pending 按入队顺序返回全部待重放条目。
func (q *Queue) Pending(ctx context.Context) ([]Mutation, error) {
	return q.listByState(ctx, statePending)
}

// DeadLetters 返回超过重试上限被搁置的条目，供宿主应用展示。
func (q *Queue) DeadLetters(ctx context.Context) ([]Mutation, error) {
	return q.listByState(ctx, stateDead)
}

func (q *Queue) listByState(ctx context.Context, state string) ([]Mutation, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, method, url, headers, body, enqueued_at, attempts
		 FROM mutations WHERE state = ? ORDER BY id ASC`, state)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var result []Mutation
	for rows.Next() {
		var (
			m          Mutation
			rawHeaders string
			enqueuedAt int64
		)
		if err := rows.Scan(&m.ID, &m.Method, &m.URL, &rawHeaders, &m.Body, &enqueuedAt, &m.Attempts); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		if rawHeaders != "" {
			if err := json.Unmarshal([]byte(rawHeaders), &m.Headers); err != nil {
				return nil, fmt.Errorf("decode headers: %w", err)
			}
		}
		m.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		result = append(result, m)
	}
	return result, rows.Err()
}

// MarkReplayed 删除已成功重放的条目，完成确认。
func (q *Queue) MarkReplayed(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mutation %d: %w", id, err)
	}
	return nil
}

// RecordFailure 递增尝试计数并返回新值。
func (q *Queue) RecordFailure(ctx context.Context, id int64) (int, error) {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE mutations SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("record failure for %d: %w", id, err)
	}
	var attempts int
	if err := q.db.QueryRowContext(ctx,
		`SELECT attempts FROM mutations WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts for %d: %w", id, err)
	}
	return attempts, nil
}

// MarkDead 把条目移入 dead-letter 状态，不再参与自动重放。
func (q *Queue) MarkDead(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE mutations SET state = ? WHERE id = ?`, stateDead, id)
	if err != nil {
		return fmt.Errorf("mark mutation %d dead: %w", id, err)
	}
	return nil
}

// Depth 返回待重放条目数。
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE state = ?`, statePending).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return depth, nil
}
