package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freemell/merlintg/internal/intent"
)

const botID = 999

func TestConvertPrivateText(t *testing.T) {
	u, ok := Convert(telego.Update{
		UpdateID: 5,
		Message: &telego.Message{
			MessageID: 11,
			From:      &telego.User{ID: 7, Username: "alice", FirstName: "Alice"},
			Chat:      telego.Chat{ID: 7, Type: "private"},
			Text:      "  send 1 SOL to bob.sol ",
		},
	}, botID, "merlin_bot")
	require.True(t, ok)
	assert.Equal(t, "tg:5", u.ID)
	assert.Equal(t, int64(7), u.UserID)
	assert.Equal(t, int64(7), u.ChatID)
	assert.Equal(t, 11, u.MessageID)
	assert.Equal(t, "alice", u.Username)
	assert.False(t, u.Group)
	assert.Equal(t, intent.SourceText, u.Source)
	assert.Equal(t, "send 1 SOL to bob.sol", u.Text)
}

func TestConvertGroupReplyToBot(t *testing.T) {
	u, ok := Convert(telego.Update{
		UpdateID: 6,
		Message: &telego.Message{
			From: &telego.User{ID: 7},
			Chat: telego.Chat{ID: -100, Type: "supergroup"},
			Text: "0.5",
			ReplyToMessage: &telego.Message{
				From: &telego.User{ID: botID, IsBot: true},
				Text: "How much SOL would you like to send?",
			},
		},
	}, botID, "merlin_bot")
	require.True(t, ok)
	assert.True(t, u.Group)
	assert.True(t, u.ReplyToBot)
	assert.Equal(t, "How much SOL would you like to send?", u.ReplyTo)
}

func TestConvertCommands(t *testing.T) {
	msg := func(text string) telego.Update {
		return telego.Update{Message: &telego.Message{
			From: &telego.User{ID: 7},
			Chat: telego.Chat{ID: -100, Type: "group"},
			Text: text,
		}}
	}
	u, ok := Convert(msg("/balance"), botID, "merlin_bot")
	require.True(t, ok)
	assert.Equal(t, intent.SourceCommand, u.Source)

	_, ok = Convert(msg("/balance@Merlin_Bot"), botID, "merlin_bot")
	assert.True(t, ok)

	_, ok = Convert(msg("/balance@other_bot"), botID, "merlin_bot")
	assert.False(t, ok)
}

func TestConvertIgnoresBotsAndEmptyText(t *testing.T) {
	_, ok := Convert(telego.Update{Message: &telego.Message{
		From: &telego.User{ID: 8, IsBot: true},
		Chat: telego.Chat{ID: 8, Type: "private"},
		Text: "hi",
	}}, botID, "merlin_bot")
	assert.False(t, ok)

	_, ok = Convert(telego.Update{Message: &telego.Message{
		From: &telego.User{ID: 8},
		Chat: telego.Chat{ID: 8, Type: "private"},
	}}, botID, "merlin_bot")
	assert.False(t, ok)

	_, ok = Convert(telego.Update{}, botID, "merlin_bot")
	assert.False(t, ok)
}

func TestConvertCallback(t *testing.T) {
	u, ok := Convert(telego.Update{
		UpdateID: 9,
		CallbackQuery: &telego.CallbackQuery{
			ID:   "cb-1",
			From: telego.User{ID: 7, Username: "alice"},
			Data: "swap",
			Message: &telego.Message{
				MessageID: 44,
				Chat:      telego.Chat{ID: 7, Type: "private"},
			},
		},
	}, botID, "merlin_bot")
	require.True(t, ok)
	assert.Equal(t, intent.SourceCallback, u.Source)
	assert.Equal(t, "swap", u.Text)
	assert.Equal(t, int64(7), u.ChatID)
	assert.Equal(t, 44, u.MessageID)
}
