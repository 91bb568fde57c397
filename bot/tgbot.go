package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"

	"Switchboard/core"
)

type TgBot struct {
	conf        *core.Config
	api         *tgbotapi.BotAPI
	chat        core.ChatService
	botUsername string
	quit        chan struct{}
}

func NewTgBot(conf *core.Config) (*TgBot, error) {
	tgBot := &TgBot{
		conf:        conf,
		botUsername: conf.Telegram.Username,
		quit:        make(chan struct{}),
	}

	api, err := tgbotapi.NewBotAPI(conf.Telegram.ApiKey)
	if err != nil {
		return nil, err
	}
	tgBot.api = api

	return tgBot, nil
}

// SetChat set chat service
func (t *TgBot) SetChat(chat core.ChatService) {
	t.chat = chat
}

// sessionKey maps a telegram chat to a history session.
func sessionKey(chatId int64) string {
	return fmt.Sprintf("tg:%d", chatId)
}

func (t *TgBot) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates, err := t.api.GetUpdatesChan(u)
	if err != nil {
		return err
	}

	for {
		select {
		case <-t.quit:
			return nil
		case update, open := <-updates:
			if !open {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

func (t *TgBot) Stop() {
	close(t.quit)
}

func (t *TgBot) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil {
		return
	}

	incoming := update.Message
	chat := incoming.Chat
	question := incoming.Text

	if !incoming.IsCommand() && !chat.IsPrivate() && !t.isMentioned(incoming.Text) && !t.isReplyToBot(incoming) {
		return
	}
	if incoming.IsCommand() {
		switch incoming.Command() {
		case "help":
			text := "You can use the following commands:\n"
			text += "/help - show this help\n"
			text += "/ask - ask something, or ask for an image to be drawn\n"
			text += "/clear - clear the conversation history\n"
			t.plainResponse(chat.ID, text)
			return
		case "clear":
			t.chat.ClearHistory(sessionKey(chat.ID))
			t.plainResponse(chat.ID, "Let's talk.")
			return
		case "ask":
			question = strings.TrimPrefix(question, "/ask")
		}
	}

	logText := question
	if len(logText) > 50 {
		logText = logText[:50] + "..."
	}
	log.Printf("[%s] %s", incoming.From.UserName, logText)

	go t.SendResponse(chat.ID, question)
}

func (t *TgBot) SendResponse(chatId int64, request string) {
	stopTicker := make(chan bool)
	replyReady := make(chan string)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.sendChatAction(chatId, "typing")
			case <-stopTicker:
				return
			}
		}
	}()

	go func() {
		reply := t.chat.Handle(context.Background(), sessionKey(chatId), request)
		replyReady <- reply
	}()

	reply := <-replyReady
	stopTicker <- true

	// Telegram renders a bare URL as a preview, so strip the tag.
	reply = strings.TrimPrefix(reply, core.ImageUrlPrefix)

	t.plainResponse(chatId, reply)
}

func (t *TgBot) sendChatAction(chatId int64, action string) {
	msg := tgbotapi.NewChatAction(chatId, action)
	if _, err := t.api.Send(msg); err != nil {
		log.Printf("error sending chat action: %v", err)
	}
}

func (t *TgBot) plainResponse(chatId int64, text string) {
	msg := tgbotapi.NewMessage(chatId, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Printf("error sending message: %v", err)
	}
}

// detect if we are mentioned in the message
func (t *TgBot) isMentioned(text string) bool {
	if t.botUsername != "" {
		return strings.Contains(text, "@"+t.botUsername)
	}
	return false
}

// detect if message is a reply to a message from the bot
func (t *TgBot) isReplyToBot(message *tgbotapi.Message) bool {
	if message.ReplyToMessage != nil {
		return message.ReplyToMessage.From.UserName == t.botUsername
	}
	return false
}
