package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"rotation-service/internal/utils"
)

var (
	_ Dispatcher = (*Telegram)(nil)
	_ Reporter   = (*Telegram)(nil)
)

// Telegram delivers rotation traffic through the Telegram Bot API. User ids
// must be numeric Telegram chat ids. Telegram has no usergroup or channel
// topic primitives, so both sync operations post a summary message to the
// team chat instead.
type Telegram struct {
	bot        *bot.Bot
	chatID     int64
	logger     *logrus.Logger
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
}

type TelegramOptions struct {
	Token         string
	ChatID        int64
	RatePerSecond int
	MaxRetries    int
	RetryDelay    time.Duration
	Timeout       time.Duration
}

func NewTelegram(opts TelegramOptions, logger *logrus.Logger) (*Telegram, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("missing Telegram bot token")
	}
	if opts.ChatID == 0 {
		return nil, fmt.Errorf("missing Telegram chat id")
	}
	b, err := bot.New(opts.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	if opts.RatePerSecond < 1 {
		opts.RatePerSecond = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Telegram{
		bot:        b,
		chatID:     opts.ChatID,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(float64(opts.RatePerSecond)), opts.RatePerSecond),
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		timeout:    opts.Timeout,
	}, nil
}

func (t *Telegram) SendDirectMessage(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid Telegram user id %q: %w", userID, err)
	}
	return t.send(ctx, chatID, text)
}

func (t *Telegram) SyncGroupMembership(ctx context.Context, userIDs []string) error {
	return t.send(ctx, t.chatID, "*On-call group updated*\n"+memberLines(userIDs))
}

func (t *Telegram) SyncChannelTopic(ctx context.Context, userIDs []string) error {
	return t.send(ctx, t.chatID, "*Currently on call*\n"+memberLines(userIDs))
}

// ReportError posts a failure to the team chat. It never propagates its own
// errors.
func (t *Telegram) ReportError(ctx context.Context, message string) {
	if err := t.send(ctx, t.chatID, "*Rotation engine error*\n"+message); err != nil {
		t.logger.WithError(err).WithField("message", message).Error("failed to report to Telegram chat")
	}
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit wait: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return utils.Retry(ctx, t.logger, t.maxRetries, t.retryDelay, func() error {
		params := &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      text,
			ParseMode: "Markdown",
		}
		if _, err := t.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("failed to send Telegram message to chat_id %d: %w", chatID, err)
		}
		return nil
	})
}

func memberLines(userIDs []string) string {
	if len(userIDs) == 0 {
		return "nobody assigned"
	}
	return strings.Join(userIDs, "\n")
}
