// Package notify delivers one-off messages to users outside the current
// conversation: booking notices, cancellations and reminders.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"masterbook/internal/metrics"
	"masterbook/internal/model"
)

// telegramSender is the subset of *tgbotapi.BotAPI used for delivery.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		RetryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	if len(c.RetryDelays) == 0 {
		return time.Second
	}
	if attempt >= len(c.RetryDelays) {
		return c.RetryDelays[len(c.RetryDelays)-1]
	}
	return c.RetryDelays[attempt]
}

// Sender sends text messages with rate limiting and retries.
type Sender struct {
	tg      telegramSender
	limiter *rate.Limiter
	retry   RetryConfig
	logger  zerolog.Logger
}

// NewSender creates a sender allowing ratePerSecond messages with the given burst.
// A non-positive rate disables pacing.
func NewSender(tg telegramSender, ratePerSecond float64, burst int, retry RetryConfig, logger zerolog.Logger) *Sender {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Sender{
		tg:      tg,
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// Notify sends text to userID. Every failure is returned as *model.NotifyError.
func (s *Sender) Notify(ctx context.Context, userID int64, text string) error {
	err := s.send(ctx, userID, text)
	if err != nil {
		metrics.IncNotification("failed")
		return &model.NotifyError{UserID: userID, Err: err}
	}
	metrics.IncNotification("sent")
	return nil
}

func (s *Sender) send(ctx context.Context, userID int64, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	msg := tgbotapi.NewMessage(userID, text)
	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		_, err := s.tg.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		wait := s.retry.delay(attempt)
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) {
			switch tgErr.Code {
			case http.StatusTooManyRequests:
				if tgErr.RetryAfter > 0 {
					wait = time.Duration(tgErr.RetryAfter) * time.Second
				}
				s.logger.Warn().Int64("user_id", userID).Dur("retry_after", wait).Int("attempt", attempt).
					Msg("rate limited by Telegram, waiting")
			case http.StatusForbidden, http.StatusBadRequest:
				s.logger.Info().Int64("user_id", userID).Int("code", tgErr.Code).Msg("message rejected, not retrying")
				return err
			}
		}
		if attempt == s.retry.MaxRetries {
			break
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.logger.Error().Err(lastErr).Int64("user_id", userID).Msg("max retries exceeded")
	return fmt.Errorf("send after %d attempts: %w", s.retry.MaxRetries+1, lastErr)
}
