package telegram

import (
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/freemell/merlintg/internal/agent"
	"github.com/freemell/merlintg/internal/intent"
)

// Convert 将 Telegram 更新转换为调度器的 Update。机器人自己、其他机器人发出的
// 消息以及发给其他机器人的命令返回 false。
func Convert(raw telego.Update, botID int64, botUsername string) (agent.Update, bool) {
	switch {
	case raw.Message != nil:
		return fromMessage(raw.UpdateID, raw.Message, botID, botUsername)
	case raw.CallbackQuery != nil:
		return fromCallback(raw.UpdateID, raw.CallbackQuery)
	}
	return agent.Update{}, false
}

func fromMessage(updateID int, msg *telego.Message, botID int64, botUsername string) (agent.Update, bool) {
	if msg.From == nil || msg.From.IsBot {
		return agent.Update{}, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return agent.Update{}, false
	}
	u := agent.Update{
		ID:        updateKey(updateID),
		UserID:    msg.From.ID,
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Username:  msg.From.Username,
		FirstName: msg.From.FirstName,
		Group:     isGroup(msg.Chat.Type),
		Source:    intent.SourceText,
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		if !forThisBot(text, botUsername) {
			return agent.Update{}, false
		}
		u.Source = intent.SourceCommand
	}
	if reply := msg.ReplyToMessage; reply != nil {
		u.ReplyTo = reply.Text
		u.ReplyToBot = reply.From != nil && reply.From.ID == botID
	}
	return u, true
}

func fromCallback(updateID int, cq *telego.CallbackQuery) (agent.Update, bool) {
	if cq.Data == "" || cq.Message == nil {
		return agent.Update{}, false
	}
	chat := cq.Message.GetChat()
	return agent.Update{
		ID:        updateKey(updateID),
		UserID:    cq.From.ID,
		ChatID:    chat.ID,
		MessageID: cq.Message.GetMessageID(),
		Username:  cq.From.Username,
		FirstName: cq.From.FirstName,
		Group:     isGroup(chat.Type),
		Source:    intent.SourceCallback,
		Text:      cq.Data,
	}, true
}

// forThisBot reports whether a command is unaddressed or addressed to us, as
// in "/balance@merlin_bot".
func forThisBot(text, botUsername string) bool {
	head, _, _ := strings.Cut(text, " ")
	_, target, addressed := strings.Cut(head, "@")
	return !addressed || botUsername == "" || strings.EqualFold(target, botUsername)
}

func isGroup(chatType string) bool {
	return chatType == "group" || chatType == "supergroup"
}

func updateKey(id int) string {
	return "tg:" + strconv.Itoa(id)
}
