package task

import (
	"encoding/json"

	"github.com/freemell/merlintg/internal/agent"
	xerrors "github.com/freemell/merlintg/internal/errors"
)

// Envelope 是队列中传递的一条入站更新。
type Envelope struct {
	ID         string       `json:"id"`
	Update     agent.Update `json:"update"`
	Attempts   int          `json:"attempts"`
	MaxRetries int          `json:"max_retries"`
	EnqueuedAt int64        `json:"enqueued_at"`
}

const (
	CodeUpdateDecode     xerrors.Code = "UPDATE_DECODE_FAILED"
	CodeUpdatePublish    xerrors.Code = "UPDATE_PUBLISH_FAILED"
	CodeUpdateProcessing xerrors.Code = "UPDATE_PROCESSING_FAILED"
	CodeUpdateExhausted  xerrors.Code = "UPDATE_RETRIES_EXHAUSTED"
	CodeReplyDelivery    xerrors.Code = "REPLY_DELIVERY_FAILED"
)

func init() {
	xerrors.Register(CodeUpdateDecode, xerrors.Attributes{
		Message:   "malformed update envelope",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUpdatePublish, xerrors.Attributes{
		Message:   "failed to publish update",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeUpdateProcessing, xerrors.Attributes{
		Message:   "update handling failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeUpdateExhausted, xerrors.Attributes{
		Message:   "update retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeReplyDelivery, xerrors.Attributes{
		Message:   "reply delivery failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

func encode(env *Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, xerrors.Wrap(CodeUpdatePublish, err, "序列化更新失败")
	}
	return payload, nil
}

func decode(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, xerrors.Wrap(CodeUpdateDecode, err, "解析更新失败")
	}
	if env.Update.UserID == 0 || env.Update.ChatID == 0 {
		return nil, xerrors.New(CodeUpdateDecode, "更新缺少用户或会话标识",
			xerrors.WithMetadata("envelope_id", env.ID))
	}
	return &env, nil
}
