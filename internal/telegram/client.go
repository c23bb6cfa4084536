// Package telegram implements the bot surface of the bridge: outbound
// delivery to users and the command/callback dispatcher.
package telegram

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"twitter2telegram/internal/router"
)

// Client wraps the Telegram Bot API for outbound sends. It satisfies both
// router.Sender and subscriber.Notifier.
type Client struct {
	api *tgbotapi.BotAPI
	log *slog.Logger
}

// NewClient authorizes the bot and returns a send client.
func NewClient(botToken string, log *slog.Logger) (*Client, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("telegram authorize: %w", err)
	}
	log.Info("telegram bot authorized", "username", api.Self.UserName)
	return &Client{api: api, log: log}, nil
}

// SendText delivers a plain notice without formatting or keyboard.
func (c *Client) SendText(chatID int64, text string) error {
	_, err := c.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return fmt.Errorf("telegram send message: %w", err)
	}
	return nil
}

// SendTweet delivers a formatted tweet with its inline keyboard.
func (c *Client) SendTweet(chatID int64, text string, buttons []router.Button) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if len(buttons) > 0 {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
		for _, b := range buttons {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	}
	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send message: %w", err)
	}
	return nil
}

// SendMediaGroup delivers a tweet's attachments as one album.
func (c *Client) SendMediaGroup(chatID int64, media []router.MediaItem) error {
	group := make([]interface{}, 0, len(media))
	for _, m := range media {
		file := tgbotapi.FileURL(m.URL)
		switch m.Kind {
		case router.MediaVideo:
			v := tgbotapi.NewInputMediaVideo(file)
			v.Caption = m.Caption
			group = append(group, v)
		case router.MediaAnimation:
			a := tgbotapi.NewInputMediaAnimation(file)
			a.Caption = m.Caption
			group = append(group, a)
		default:
			p := tgbotapi.NewInputMediaPhoto(file)
			p.Caption = m.Caption
			group = append(group, p)
		}
	}
	if _, err := c.api.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, group)); err != nil {
		return fmt.Errorf("telegram send media group: %w", err)
	}
	return nil
}
