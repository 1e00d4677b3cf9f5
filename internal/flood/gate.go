// Package flood throttles and bans users who send events too fast, and
// counts input the conversation could not recognize.
package flood

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"masterbook/internal/metrics"
	"masterbook/internal/model"
)

// Decision is the outcome of a gate check.
type Decision int

const (
	// Forward passes the event to the conversation.
	Forward Decision = iota
	// Cooldown drops the event with a flood warning.
	Cooldown
	// Banned drops the event with the deactivation notice.
	Banned
)

func (d Decision) String() string {
	switch d {
	case Forward:
		return "forward"
	case Cooldown:
		return "cooldown"
	case Banned:
		return "banned"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Store is the persisted flood state.
type Store interface {
	TouchActivity(ctx context.Context, id int64, at time.Time) error
	RegisterFlood(ctx context.Context, id int64, at time.Time) (int, error)
	RegisterNonRecognized(ctx context.Context, id int64, at time.Time) (int, error)
	Deactivate(ctx context.Context, id int64, at time.Time) error
	Activate(ctx context.Context, id int64) error
	InactiveUserIDs(ctx context.Context) ([]int64, error)
	ExpiredFloodIDs(ctx context.Context, cutoff time.Time) ([]int64, error)
	ExpiredNonRecognizedIDs(ctx context.Context, cutoff time.Time) ([]int64, error)
	ResetFlood(ctx context.Context, id int64) error
	ResetNonRecognized(ctx context.Context, id int64) error
}

// Options are the gate thresholds.
type Options struct {
	Cooldown           time.Duration
	BanThreshold       int
	NonRecognizedLimit int
	Window             time.Duration
	AdminContact       string
	Now                func() time.Time
}

// Gate decides whether an event reaches the conversation.
type Gate struct {
	store  Store
	cache  BanCache
	opts   Options
	logger zerolog.Logger
}

func NewGate(store Store, cache BanCache, opts Options, logger zerolog.Logger) *Gate {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cache == nil {
		cache = NewMemoryBanCache()
	}
	return &Gate{
		store:  store,
		cache:  cache,
		opts:   opts,
		logger: logger.With().Str("component", "flood").Logger(),
	}
}

// BannedNotice is shown to deactivated users.
func (g *Gate) BannedNotice() string {
	return "Ваш аккаунт деактивирован. Для восстановления обратитесь к " + g.opts.AdminContact + "."
}

// CooldownNotice is shown when an event arrives during the cooldown.
func (g *Gate) CooldownNotice() string {
	return "Слишком много запросов. Подождите немного и повторите."
}

// UnrecognizedNotice hints at what to do after unexpected input. reset
// tells whether the conversation was restarted.
func (g *Gate) UnrecognizedNotice(reset bool) string {
	if reset {
		return "Не удалось разобрать запрос, начнём сначала. Если что-то не работает, обратитесь к " +
			g.opts.AdminContact + "."
	}
	return "Не понимаю. Пожалуйста, используйте кнопки."
}

// IsBanned consults the cache only; use it to short-circuit before the user
// is loaded. Cache errors read as not banned.
func (g *Gate) IsBanned(ctx context.Context, id int64) bool {
	banned, err := g.cache.IsBanned(ctx, id)
	if err != nil {
		g.logger.Warn().Err(err).Int64("user_id", id).Msg("ban cache lookup failed")
		return false
	}
	return banned
}

// Check classifies an event of u. When this event pushes the user over the
// ban threshold the decision is Banned and the error wraps
// model.ErrBanThresholdExceeded.
func (g *Gate) Check(ctx context.Context, u *model.User) (Decision, error) {
	now := g.opts.Now()

	if !u.IsActive {
		if err := g.cache.Ban(ctx, u.ID); err != nil {
			g.logger.Warn().Err(err).Int64("user_id", u.ID).Msg("ban cache update failed")
		}
		metrics.IncFloodDecision(Banned.String())
		return Banned, nil
	}

	if !u.LastActivityAt.IsZero() && now.Sub(u.LastActivityAt) < g.opts.Cooldown {
		n, err := g.store.RegisterFlood(ctx, u.ID, now)
		if err != nil {
			return Forward, fmt.Errorf("register flood: %w", err)
		}
		u.FloodCount = n
		if g.opts.BanThreshold > 0 && n > g.opts.BanThreshold {
			if err := g.ban(ctx, u.ID, now); err != nil {
				return Cooldown, err
			}
			u.IsActive = false
			metrics.IncFloodDecision("ban")
			g.logger.Warn().Int64("user_id", u.ID).Int("flood_count", n).Msg("user banned for flooding")
			return Banned, fmt.Errorf("user %d flood count %d: %w", u.ID, n, model.ErrBanThresholdExceeded)
		}
		metrics.IncFloodDecision(Cooldown.String())
		return Cooldown, nil
	}

	if err := g.store.TouchActivity(ctx, u.ID, now); err != nil {
		return Forward, fmt.Errorf("touch activity: %w", err)
	}
	u.LastActivityAt = now
	metrics.IncFloodDecision(Forward.String())
	return Forward, nil
}

// Unrecognized counts an unexpected input of u and reports whether the limit
// was exceeded, in which case the caller restarts the conversation.
func (g *Gate) Unrecognized(ctx context.Context, u *model.User) (bool, error) {
	n, err := g.store.RegisterNonRecognized(ctx, u.ID, g.opts.Now())
	if err != nil {
		return false, fmt.Errorf("register unrecognized: %w", err)
	}
	u.NonRecognizedCount = n
	return g.opts.NonRecognizedLimit > 0 && n > g.opts.NonRecognizedLimit, nil
}

func (g *Gate) ban(ctx context.Context, id int64, at time.Time) error {
	if err := g.store.Deactivate(ctx, id, at); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if err := g.cache.Ban(ctx, id); err != nil {
		g.logger.Warn().Err(err).Int64("user_id", id).Msg("ban cache update failed")
	}
	return nil
}

// Deactivate bans a user on an admin's request.
func (g *Gate) Deactivate(ctx context.Context, id int64) error {
	return g.ban(ctx, id, g.opts.Now())
}

// Activate lifts a ban and clears the flood state.
func (g *Gate) Activate(ctx context.Context, id int64) error {
	if err := g.store.Activate(ctx, id); err != nil {
		return fmt.Errorf("activate user: %w", err)
	}
	if err := g.cache.Unban(ctx, id); err != nil {
		g.logger.Warn().Err(err).Int64("user_id", id).Msg("ban cache update failed")
	}
	return nil
}

// Reconcile rebuilds the ban cache from the persisted flags.
func (g *Gate) Reconcile(ctx context.Context) error {
	ids, err := g.store.InactiveUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("load inactive users: %w", err)
	}
	if err := g.cache.Replace(ctx, ids); err != nil {
		return err
	}
	g.logger.Info().Int("banned", len(ids)).Msg("ban cache reconciled")
	return nil
}
