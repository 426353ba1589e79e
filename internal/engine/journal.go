package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/internal/session"
)

// ExecutionRecord is one journaled execution attempt.
type ExecutionRecord struct {
	ID         string
	UserID     int64
	Kind       session.Kind
	Status     Status
	Signature  string
	Detail     string
	Params     map[string]string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Journal 持久化每一次执行尝试，用于审计与排障。
type Journal interface {
	Start(ctx context.Context, record *ExecutionRecord) error
	Finish(ctx context.Context, id string, result ExecutionResult) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]ExecutionRecord, error)
}

// NewRecord fills the identifier and timestamps of a pending record.
func NewRecord(userID int64, kind session.Kind, params map[string]string) *ExecutionRecord {
	clone := make(map[string]string, len(params))
	for k, v := range params {
		// key material never reaches the journal
		if k == session.ParamPrivateKey {
			continue
		}
		clone[k] = v
	}
	return &ExecutionRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Status:    StatusPending,
		Params:    clone,
		CreatedAt: time.Now().UTC(),
	}
}

// MemoryJournal keeps records in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string]ExecutionRecord
}

var _ Journal = (*MemoryJournal)(nil)

// NewMemoryJournal 创建内存流水。
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string]ExecutionRecord)}
}

// Start 实现 Journal 接口。
func (m *MemoryJournal) Start(_ context.Context, record *ExecutionRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "执行记录缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = *record
	return nil
}

// Finish 实现 Journal 接口。
func (m *MemoryJournal) Finish(_ context.Context, id string, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "执行记录不存在: "+id)
	}
	rec.Status = result.Status
	rec.Signature = result.TransactionID
	rec.Detail = result.ErrorDetail
	rec.FinishedAt = time.Now().UTC()
	m.records[id] = rec
	return nil
}

// ListByUser 实现 Journal 接口，按创建时间倒序返回。
func (m *MemoryJournal) ListByUser(_ context.Context, userID int64, limit int) ([]ExecutionRecord, error) {
	m.mu.RLock()
	var out []ExecutionRecord
	for _, rec := range m.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
