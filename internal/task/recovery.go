package task

import (
	"context"

	"github.com/freemell/merlintg/internal/agent"
)

// RecoveryHandler 在更新彻底处理失败后生成发给用户的补偿回复。
type RecoveryHandler interface {
	Recover(ctx context.Context, env *Envelope, cause error) []agent.Reply
}

// RecoveryFunc 适配普通函数为 RecoveryHandler。
type RecoveryFunc func(ctx context.Context, env *Envelope, cause error) []agent.Reply

// Recover 实现 RecoveryHandler。
func (f RecoveryFunc) Recover(ctx context.Context, env *Envelope, cause error) []agent.Reply {
	return f(ctx, env, cause)
}

// ApologyRecovery tells the user their message could not be processed so
// they are not left waiting.
var ApologyRecovery RecoveryHandler = RecoveryFunc(func(_ context.Context, env *Envelope, _ error) []agent.Reply {
	r := agent.Reply{
		ChatID: env.Update.ChatID,
		Text:   "⚠️ Sorry, something went wrong while processing your message. Please try again in a moment.",
	}
	if !env.Update.Group {
		r.Keyboard = agent.BackMenu()
	}
	return []agent.Reply{r}
})
