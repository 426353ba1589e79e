package session

import (
	"strings"
	"time"
)

// State 表示会话所处的对话阶段。
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingParam State = "awaiting_param"
	StateExecuting     State = "executing"
)

// Valid reports whether s is one of the three known states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingParam, StateExecuting:
		return true
	}
	return false
}

// Kind 标识动作类型。
type Kind string

const (
	KindTransfer     Kind = "transfer"
	KindSwap         Kind = "swap"
	KindBridge       Kind = "bridge"
	KindBalance      Kind = "balance"
	KindHistory      Kind = "history"
	KindConnect      Kind = "connect"
	KindCreateWallet Kind = "create_wallet"
	KindImportWallet Kind = "import_wallet"
	KindChat         Kind = "chat"
	KindStart        Kind = "start"
	KindHelp         Kind = "help"
	KindMenu         Kind = "menu"
	KindSettings     Kind = "settings"
	KindCancel       Kind = "cancel"
)

// Parameter names shared by the resolver, dispatcher and engine.
const (
	ParamAmount     = "amount"
	ParamPercentage = "percentage"
	ParamRecipient  = "recipient"
	ParamFromToken  = "fromToken"
	ParamToToken    = "toToken"
	ParamFromChain  = "fromChain"
	ParamToChain    = "toChain"
	ParamToAddress  = "toAddress"
	ParamToken      = "token"
	ParamPrivateKey = "privateKey"
	ParamMenu       = "menu"
)

var requiredParams = map[Kind][]string{
	KindTransfer:     {ParamAmount, ParamRecipient},
	KindSwap:         {ParamFromToken, ParamToToken, ParamAmount},
	KindBridge:       {ParamFromChain, ParamToChain, ParamToAddress, ParamAmount},
	KindImportWallet: {ParamPrivateKey},
}

// Required returns the required parameters of k in the order they are
// requested from the user.
func (k Kind) Required() []string {
	return requiredParams[k]
}

// Executable reports whether k runs through the execution engine and must
// therefore be serialized against other executions of the same user.
func (k Kind) Executable() bool {
	switch k {
	case KindTransfer, KindSwap, KindBridge:
		return true
	}
	return false
}

// Action is a structured user intent.
type Action struct {
	Kind    Kind              `json:"kind"`
	Params  map[string]string `json:"params,omitempty"`
	RawText string            `json:"raw_text,omitempty"`
	// Reply is the conversational text supplied by the NLU, if any.
	Reply string `json:"reply,omitempty"`
}

// Clone 返回动作的深拷贝。
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Params = cloneParams(a.Params)
	return &clone
}

// Session 保存单个用户的多轮对话状态。
type Session struct {
	UserID    int64             `json:"user_id"`
	State     State             `json:"state"`
	Awaiting  string            `json:"awaiting,omitempty"`
	Pending   *Action           `json:"pending,omitempty"`
	Collected map[string]string `json:"collected,omitempty"`
	// ExecutingSince is set while State is StateExecuting.
	ExecutingSince time.Time `json:"executing_since,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
}

// New returns an idle session for userID.
func New(userID int64) *Session {
	return &Session{
		UserID:      userID,
		State:       StateIdle,
		Collected:   make(map[string]string),
		LastUpdated: time.Now().UTC(),
	}
}

// Begin 以新动作开始一轮参数收集，清除先前收集的参数。
func (s *Session) Begin(action *Action) {
	s.Pending = action.Clone()
	s.Collected = make(map[string]string)
	s.Awaiting = ""
	s.State = StateIdle
	for name, value := range action.Params {
		s.ApplyPartial(name, value)
	}
	s.touch()
}

// ApplyPartial merges one parameter value into the collected set. Newer
// values win; a literal amount and a percentage exclude each other.
func (s *Session) ApplyPartial(name, value string) {
	value = strings.TrimSpace(value)
	if name == "" || value == "" {
		return
	}
	if s.Collected == nil {
		s.Collected = make(map[string]string)
	}
	switch name {
	case ParamAmount:
		delete(s.Collected, ParamPercentage)
	case ParamPercentage:
		delete(s.Collected, ParamAmount)
	}
	s.Collected[name] = value
	s.touch()
}

// Drop 移除一个已收集的参数，通常在校验失败后重新询问时使用。
func (s *Session) Drop(name string) {
	delete(s.Collected, name)
	if name == ParamAmount {
		delete(s.Collected, ParamPercentage)
	}
	s.touch()
}

// NextMissing returns the first required parameter of the pending action
// that has not been collected yet, or "" when the action is complete.
func (s *Session) NextMissing() string {
	if s.Pending == nil {
		return ""
	}
	for _, name := range s.Pending.Kind.Required() {
		if s.has(name) {
			continue
		}
		return name
	}
	return ""
}

// Complete reports whether every required parameter is present.
func (s *Session) Complete() bool {
	return s.Pending != nil && s.NextMissing() == ""
}

func (s *Session) has(name string) bool {
	if s.Collected[name] != "" {
		return true
	}
	// a percentage satisfies the amount
	return name == ParamAmount && s.Collected[ParamPercentage] != ""
}

// Await 进入等待单个参数的状态。
func (s *Session) Await(name string) {
	s.State = StateAwaitingParam
	s.Awaiting = name
	s.touch()
}

// MarkExecuting 标记执行开始。
func (s *Session) MarkExecuting(now time.Time) {
	s.State = StateExecuting
	s.Awaiting = ""
	s.ExecutingSince = now.UTC()
	s.touch()
}

// Reset returns the session to Idle and forgets any pending action.
func (s *Session) Reset() {
	s.State = StateIdle
	s.Awaiting = ""
	s.Pending = nil
	s.Collected = make(map[string]string)
	s.ExecutingSince = time.Time{}
	s.touch()
}

// Busy reports whether an execution started less than lease ago.
func (s *Session) Busy(now time.Time, lease time.Duration) bool {
	if s.State != StateExecuting {
		return false
	}
	return lease <= 0 || now.Sub(s.ExecutingSince) < lease
}

// Params returns a copy of the collected parameters.
func (s *Session) Params() map[string]string {
	return cloneParams(s.Collected)
}

// Clone 返回会话的深拷贝。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Pending = s.Pending.Clone()
	clone.Collected = cloneParams(s.Collected)
	return &clone
}

func (s *Session) touch() {
	s.LastUpdated = time.Now().UTC()
}

func cloneParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
