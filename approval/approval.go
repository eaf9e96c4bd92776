// Package approval implements an optional human gate in front of the
// dispatch step. The candidate post is previewed in a Telegram chat with
// Approve and Deny buttons, and the caller blocks for a bounded time until
// an operator decides or the window runs out.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// Decision is the terminal state of one approval request.
type Decision string

const (
	Approved Decision = "approved"
	Rejected Decision = "rejected"
	TimedOut Decision = "timed_out"
)

const (
	callbackApprove = "go"
	callbackDeny    = "no"
)

// Request is one candidate post awaiting a decision.
type Request struct {
	Text     string
	MediaURL string
}

// Result carries the decision together with the new getUpdates offset the
// caller must persist so decided callbacks are not replayed next run.
type Result struct {
	Decision Decision
	Token    string
	Offset   int
}

// TelegramAPI is the slice of the bot API the gate needs. *tgbotapi.BotAPI
// satisfies it.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// Gate sends approval previews and waits for operator decisions.
type Gate struct {
	api          TelegramAPI
	chatID       int64
	ttl          time.Duration
	pollInterval time.Duration
	maxWait      time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithTTL caps how long a pending request stays decidable.
func WithTTL(d time.Duration) Option {
	return func(g *Gate) {
		g.ttl = d
	}
}

// WithPollInterval sets the getUpdates long-poll timeout.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) {
		g.pollInterval = d
	}
}

// WithMaxWait bounds the total blocking time per request.
func WithMaxWait(d time.Duration) Option {
	return func(g *Gate) {
		g.maxWait = d
	}
}

// NewGate creates a gate posting previews to the given chat.
func NewGate(api TelegramAPI, chatID int64, opts ...Option) *Gate {
	g := &Gate{
		api:          api,
		chatID:       chatID,
		ttl:          60 * time.Minute,
		pollInterval: 5 * time.Second,
		maxWait:      10 * time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Await sends the preview and blocks until the operator decides, the wait
// window closes, or ctx is cancelled. offset is the last persisted
// getUpdates offset; the returned Result carries the advanced one.
// A nil error with Decision TimedOut or Rejected is a normal outcome.
func (g *Gate) Await(ctx context.Context, req Request, offset int) (*Result, error) {
	token := uuid.NewString()
	msgID, err := g.sendPreview(req, token)
	if err != nil {
		return nil, fmt.Errorf("send approval preview: %w", err)
	}
	slog.Info("approval requested", "token", token, "message_id", msgID)

	deadline := time.Now().Add(g.waitWindow())
	for {
		select {
		case <-ctx.Done():
			g.closePreview(msgID, "⏳ Approval cancelled.")
			return &Result{Decision: TimedOut, Token: token, Offset: offset}, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			g.closePreview(msgID, "⏳ Approval timed out, post skipped.")
			slog.Warn("approval timed out", "token", token)
			return &Result{Decision: TimedOut, Token: token, Offset: offset}, nil
		}

		updates, err := g.api.GetUpdates(tgbotapi.UpdateConfig{
			Offset:  offset,
			Timeout: int(g.pollInterval.Seconds()),
		})
		if err != nil {
			slog.Warn("failed to get updates", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			decision, ok := g.handleCallback(update.CallbackQuery, token, msgID)
			if !ok {
				continue
			}
			slog.Info("approval decided", "token", token, "decision", decision)
			return &Result{Decision: decision, Token: token, Offset: offset}, nil
		}
	}
}

func (g *Gate) waitWindow() time.Duration {
	if g.ttl > 0 && g.ttl < g.maxWait {
		return g.ttl
	}
	return g.maxWait
}

func (g *Gate) sendPreview(req Request, token string) (int, error) {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", callbackApprove+":"+token),
			tgbotapi.NewInlineKeyboardButtonData("❌ Deny", callbackDeny+":"+token),
		),
	)

	text := "Pending post:\n\n" + req.Text
	if req.MediaURL != "" {
		photo := tgbotapi.NewPhoto(g.chatID, tgbotapi.FileURL(req.MediaURL))
		photo.Caption = text
		photo.ReplyMarkup = markup
		sent, err := g.api.Send(photo)
		if err == nil {
			return sent.MessageID, nil
		}
		// A broken media URL should not block the approval itself.
		slog.Warn("photo preview failed, falling back to text", "error", err)
	}

	msg := tgbotapi.NewMessage(g.chatID, text)
	msg.ReplyMarkup = markup
	sent, err := g.api.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// handleCallback inspects one callback query. It reports the decision and
// true when the query decides the current request; stale or foreign
// queries are answered and skipped.
func (g *Gate) handleCallback(cq *tgbotapi.CallbackQuery, token string, msgID int) (Decision, bool) {
	if cq == nil || cq.Message == nil {
		return "", false
	}
	if cq.Message.Chat.ID != g.chatID {
		slog.Warn("callback from unexpected chat", "chat_id", cq.Message.Chat.ID)
		return "", false
	}

	action, gotToken, ok := strings.Cut(cq.Data, ":")
	if !ok || gotToken != token {
		g.answer(cq.ID, "Expired")
		return "", false
	}

	switch action {
	case callbackApprove:
		g.answer(cq.ID, "Approved")
		g.closePreview(msgID, "✅ Approved, posting.")
		return Approved, true
	case callbackDeny:
		g.answer(cq.ID, "Denied")
		g.closePreview(msgID, "❌ Denied, post skipped.")
		return Rejected, true
	default:
		g.answer(cq.ID, "Expired")
		return "", false
	}
}

func (g *Gate) answer(callbackID, text string) {
	if _, err := g.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		slog.Warn("failed to answer callback", "error", err)
	}
}

// closePreview removes the buttons and appends the outcome so the chat
// history shows what happened.
func (g *Gate) closePreview(msgID int, note string) {
	edit := tgbotapi.NewEditMessageReplyMarkup(g.chatID, msgID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	if _, err := g.api.Request(edit); err != nil {
		slog.Warn("failed to remove approval buttons", "error", err)
	}
	followup := tgbotapi.NewMessage(g.chatID, note)
	if _, err := g.api.Send(followup); err != nil {
		slog.Warn("failed to send approval followup", "error", err)
	}
}
