package agent

import (
	"github.com/freemell/merlintg/internal/intent"
)

// Update 是传输层转换后的一条入站消息或按钮回调。
type Update struct {
	ID        string        `json:"id"`
	UserID    int64         `json:"user_id"`
	ChatID    int64         `json:"chat_id"`
	MessageID int           `json:"message_id,omitempty"`
	Username  string        `json:"username,omitempty"`
	FirstName string        `json:"first_name,omitempty"`
	Group     bool          `json:"group,omitempty"`
	Source    intent.Source `json:"source"`
	Text      string        `json:"text"`
	// ReplyTo is the text of the message this one answers, if any.
	ReplyTo string `json:"reply_to,omitempty"`
	// ReplyToBot is set when the answered message was sent by the bot.
	ReplyToBot bool `json:"reply_to_bot,omitempty"`
}

// Button is one inline keyboard button. Exactly one of Data and URL is set.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Keyboard is a grid of buttons, one slice per row.
type Keyboard [][]Button

// Reply is one outbound message.
type Reply struct {
	ChatID   int64    `json:"chat_id"`
	Text     string   `json:"text"`
	Keyboard Keyboard `json:"keyboard,omitempty"`
	// DisablePreview suppresses link previews for messages full of
	// explorer links.
	DisablePreview bool `json:"disable_preview,omitempty"`
	// DeleteMessageID removes a message from the chat before replying,
	// e.g. one that carried key material.
	DeleteMessageID int `json:"delete_message_id,omitempty"`
}

// MainMenu is shown once a wallet exists.
func MainMenu() Keyboard {
	return Keyboard{
		{{Text: "💰 Balance", Data: "balance"}, {Text: "📤 Send SOL", Data: "send"}},
		{{Text: "🔄 Swap Tokens", Data: "swap"}, {Text: "🌉 Bridge", Data: "bridge"}},
		{{Text: "📋 History", Data: "history"}, {Text: "⚙️ Settings", Data: "settings"}},
	}
}

// WalletMenu offers wallet creation and import.
func WalletMenu() Keyboard {
	return Keyboard{
		{{Text: "🆕 Create Wallet", Data: "create_wallet"}},
		{{Text: "📥 Import Wallet", Data: "import_wallet"}},
		{{Text: "◀️ Back", Data: "main_menu"}},
	}
}

// BackMenu returns to the main menu.
func BackMenu() Keyboard {
	return Keyboard{{{Text: "◀️ Back to Menu", Data: "main_menu"}}}
}
