package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/freemell/merlintg/internal/engine"
	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/session"
)

// Journal 将执行流水写入 executions 表。
type Journal struct {
	db *DB
}

var _ engine.Journal = (*Journal)(nil)

// Journal 返回基于当前连接池的执行流水。
func (d *DB) Journal() *Journal {
	return &Journal{db: d}
}

// Start 实现 engine.Journal 接口。
func (j *Journal) Start(ctx context.Context, record *engine.ExecutionRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "执行记录缺少 ID")
	}
	params, err := json.Marshal(record.Params)
	if err != nil {
		return fmt.Errorf("序列化执行参数失败: %w", err)
	}
	const stmt = `INSERT INTO executions
        (id, user_id, kind, status, signature, detail, params, created_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`
	if _, err := j.db.db.ExecContext(ctx, stmt,
		record.ID,
		record.UserID,
		string(record.Kind),
		string(record.Status),
		record.Signature,
		record.Detail,
		string(params),
		record.CreatedAt.UTC().UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行记录失败")
	}
	return nil
}

// Finish 实现 engine.Journal 接口。
func (j *Journal) Finish(ctx context.Context, id string, result engine.ExecutionResult) error {
	const stmt = `UPDATE executions SET status = ?, signature = ?, detail = ?, finished_at = ? WHERE id = ?`
	res, err := j.db.db.ExecContext(ctx, stmt,
		string(result.Status),
		result.TransactionID,
		result.ErrorDetail,
		time.Now().UTC().UnixMilli(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行记录失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return xerrors.New(xerrors.CodeNotFound, "执行记录不存在: "+id)
	}
	return nil
}

// ListByUser 实现 engine.Journal 接口。
func (j *Journal) ListByUser(ctx context.Context, userID int64, limit int) ([]engine.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, user_id, kind, status, signature, detail, params, created_at, finished_at
        FROM executions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := j.db.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	defer rows.Close()

	var out []engine.ExecutionRecord
	for rows.Next() {
		var (
			rec               engine.ExecutionRecord
			kind, status      string
			detail, params    sql.NullString
			created, finished int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &kind, &status, &rec.Signature, &detail, &params, &created, &finished); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		rec.Kind = session.Kind(kind)
		rec.Status = engine.Status(status)
		rec.Detail = detail.String
		rec.CreatedAt = fromMillis(created)
		rec.FinishedAt = fromMillis(finished)
		if params.Valid && strings.TrimSpace(params.String) != "" {
			if err := json.Unmarshal([]byte(params.String), &rec.Params); err != nil {
				return nil, fmt.Errorf("解析执行参数失败: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return out, nil
}
