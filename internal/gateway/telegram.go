package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const defaultTelegramTimeout = 15 * time.Second

var telegramStatusPattern = regexp.MustCompile(`\((\d{3})\)\s*$`)

// chatTarget addresses a chat by numeric id or by @username.
type chatTarget string

func (c chatTarget) Recipient() string { return string(c) }

var _ Gateway = (*TelegramGateway)(nil)

// TelegramGateway delivers messages through the Telegram Bot API.
type TelegramGateway struct {
	bot     *tele.Bot
	timeout time.Duration
}

type TelegramOptions struct {
	Token   string
	APIURL  string
	Timeout time.Duration
}

func NewTelegramGateway(opts TelegramOptions) (*TelegramGateway, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTelegramTimeout
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     strings.TrimSpace(opts.APIURL),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramGateway{bot: bot, timeout: timeout}, nil
}

func (g *TelegramGateway) Name() string { return DriverTelegram }

func (g *TelegramGateway) Send(ctx context.Context, target, text string) (*Receipt, error) {
	if g == nil || g.bot == nil {
		return nil, fmt.Errorf("gateway is not initialized")
	}
	to, err := parseChatTarget(target)
	if err != nil {
		return nil, &GatewayError{Message: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return nil, &GatewayError{Message: "send aborted", Transient: true, Cause: err}
	}

	// telebot takes no context: the client timeout, set from SEND_TIMEOUT, bounds the call.
	msg, err := g.bot.Send(to, text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return nil, classifyTelegramError(err)
	}

	receipt := &Receipt{StatusCode: http.StatusOK}
	if msg != nil {
		receipt.MessageID = strconv.Itoa(msg.ID)
	}
	return receipt, nil
}

func parseChatTarget(target string) (tele.Recipient, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("telegram target is empty")
	}
	if strings.HasPrefix(target, "@") && len(target) > 1 {
		return chatTarget(target), nil
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram target %q is not a chat id", target)
	}
	return tele.ChatID(id), nil
}

func classifyTelegramError(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &ThrottledError{
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			StatusCode: http.StatusTooManyRequests,
			Cause:      err,
		}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &ThrottledError{
			RetryAfter: time.Duration(floodPtr.RetryAfter) * time.Second,
			StatusCode: http.StatusTooManyRequests,
			Cause:      err,
		}
	}

	statusCode := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		statusCode = apiErr.Code
	} else if m := telegramStatusPattern.FindStringSubmatch(err.Error()); m != nil {
		statusCode, _ = strconv.Atoi(m[1])
	}

	if statusCode == http.StatusTooManyRequests {
		return &ThrottledError{StatusCode: statusCode, Cause: err}
	}

	transient := isTransientStatus(statusCode)
	if statusCode == 0 {
		transient = IsTransient(err)
	}

	return &GatewayError{
		StatusCode: statusCode,
		Message:    "telegram send failed",
		Transient:  transient,
		Cause:      err,
	}
}
