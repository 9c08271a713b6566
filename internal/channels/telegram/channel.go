package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/sasehq/sase-chop-telegram/internal/gate"
	"github.com/sasehq/sase-chop-telegram/internal/router"
)

const (
	// apiRate paces Bot API calls below Telegram's per-chat flood limit.
	apiRate  = rate.Limit(1)
	apiBurst = 5
)

// allowedUpdates restricts polling to the update types the router handles.
var allowedUpdates = []string{"message", "callback_query"}

// Config holds the Bot API identity.
type Config struct {
	Token string
	Proxy string
}

// Client is a synchronous Bot API client. Every call blocks until Telegram
// answers or ctx is done.
type Client struct {
	bot     *telego.Bot
	token   string
	limiter *rate.Limiter
	http    *http.Client
}

// New creates a client from cfg.
func New(cfg Config) (*Client, error) {
	httpClient := &http.Client{Timeout: 90 * time.Second}
	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	bot, err := telego.NewBot(cfg.Token, telego.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Client{
		bot:     bot,
		token:   cfg.Token,
		limiter: rate.NewLimiter(apiRate, apiBurst),
		http:    httpClient,
	}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limiter: %w", err)
	}
	return nil
}

// Me returns the bot's username, verifying the token.
func (c *Client) Me(ctx context.Context) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("telegram get me: %w", err)
	}
	return me.Username, nil
}

// Send posts text with an optional inline keyboard and returns the message id.
func (c *Client) Send(ctx context.Context, chatID, text string, buttons [][]gate.Button) (int, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return 0, err
	}
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	msg := tu.Message(tu.ID(id), Truncate(text, MaxMessageWidth))
	if markup := keyboard(buttons); markup != nil {
		msg.ReplyMarkup = markup
	}
	sent, err := c.bot.SendMessage(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("telegram send message: %w", err)
	}
	return sent.MessageID, nil
}

// EditButtons replaces a message's inline keyboard. Nil buttons remove it.
func (c *Client) EditButtons(ctx context.Context, chatID string, messageID int, buttons [][]gate.Button) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err = c.bot.EditMessageReplyMarkup(ctx, &telego.EditMessageReplyMarkupParams{
		ChatID:      tu.ID(id),
		MessageID:   messageID,
		ReplyMarkup: keyboard(buttons),
	})
	if err != nil {
		return fmt.Errorf("telegram edit reply markup: %w", err)
	}
	return nil
}

// AnswerCallback acknowledges a button press with a short toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            Truncate(text, maxCallbackAnswerWidth),
	})
	if err != nil {
		return fmt.Errorf("telegram answer callback: %w", err)
	}
	return nil
}

// SendFile uploads path as a document.
func (c *Client) SendFile(ctx context.Context, chatID, path string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	if err := c.wait(ctx); err != nil {
		return err
	}
	if _, err := c.bot.SendDocument(ctx, &telego.SendDocumentParams{
		ChatID:   tu.ID(id),
		Document: tu.File(f),
	}); err != nil {
		return fmt.Errorf("telegram send document: %w", err)
	}
	return nil
}

// PollUpdates fetches updates starting at offset, long-polling up to timeout.
// Updates the router cannot handle come back with Kind 0 so the caller can
// still advance past them.
func (c *Client) PollUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]router.Update, error) {
	updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         int(offset),
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: allowedUpdates,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("telegram get updates: %w", err)
	}
	out := make([]router.Update, 0, len(updates))
	for _, u := range updates {
		out = append(out, convertUpdate(u))
	}
	slog.Debug("telegram updates fetched", "count", len(out), "offset", offset)
	return out, nil
}

// convertUpdate maps a Bot API update onto the router's shape.
func convertUpdate(u telego.Update) router.Update {
	out := router.Update{ID: int64(u.UpdateID)}
	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		out.Kind = router.UpdateButton
		out.CallbackID = q.ID
		out.Data = q.Data
		out.Sender = senderOf(&q.From)
		if q.Message != nil {
			out.ChatID = strconv.FormatInt(q.Message.GetChat().ID, 10)
			out.MessageID = q.Message.GetMessageID()
		}

	case u.Message != nil:
		m := u.Message
		out.ChatID = strconv.FormatInt(m.Chat.ID, 10)
		out.MessageID = m.MessageID
		out.Sender = senderOf(m.From)
		switch {
		case len(m.Photo) > 0:
			// Sizes are ascending; the last one is the original.
			out.Kind = router.UpdatePhoto
			out.FileID = m.Photo[len(m.Photo)-1].FileID
			out.Text = restoreCodeMarkers(m.Caption, m.CaptionEntities)
		case m.Text != "":
			out.Kind = router.UpdateText
			out.Text = restoreCodeMarkers(m.Text, m.Entities)
		}
	}
	return out
}

func senderOf(u *telego.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

func keyboard(buttons [][]gate.Button) *telego.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]telego.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		r := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			r = append(r, telego.InlineKeyboardButton{Text: b.Text, CallbackData: b.Data})
		}
		rows = append(rows, r)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}
