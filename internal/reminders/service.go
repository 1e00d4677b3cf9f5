// Package reminders sends clients a heads-up before their appointments.
package reminders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"masterbook/internal/metrics"
	"masterbook/internal/model"
	"masterbook/internal/notify"
)

// Store is the slot and user access the reminder loop needs.
type Store interface {
	SlotsDueForReminder(ctx context.Context, from, to time.Time) ([]model.Slot, error)
	MarkNotified(ctx context.Context, id string) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// Config holds configuration for the reminder service.
type Config struct {
	// CheckInterval is how often to look for upcoming appointments.
	CheckInterval time.Duration
	// Lead is how long before an appointment the reminder goes out.
	Lead time.Duration
	// MaxConcurrent limits parallel sends.
	MaxConcurrent int
	Location      *time.Location
	Now           func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 15 * time.Minute,
		Lead:          24 * time.Hour,
		MaxConcurrent: 10,
		Location:      time.UTC,
		Now:           time.Now,
	}
}

// Stats summarizes one pass.
type Stats struct {
	Sent   int
	Failed int
}

// Service handles sending appointment reminders.
type Service struct {
	config   Config
	store    Store
	notifier Notifier
	logger   zerolog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewService creates a new reminder service. Zero config fields take defaults.
func NewService(config Config, store Store, notifier Notifier, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.Lead <= 0 {
		config.Lead = def.Lead
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.Location == nil {
		config.Location = def.Location
	}
	if config.Now == nil {
		config.Now = def.Now
	}

	return &Service{
		config:   config,
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "reminders").Logger(),
	}
}

// Start begins the reminder check loop.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(stop)

	s.logger.Info().
		Dur("check_interval", s.config.CheckInterval).
		Dur("lead", s.config.Lead).
		Msg("Reminder service started")
}

// Stop gracefully stops the reminder service.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.logger.Info().Msg("Reminder service stopped")
}

func (s *Service) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	s.check()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *Service) check() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stats, err := s.CheckNow(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load upcoming appointments")
		return
	}
	if stats.Sent+stats.Failed > 0 {
		s.logger.Info().Int("sent", stats.Sent).Int("failed", stats.Failed).Msg("Reminders processed")
	}
}

// CheckNow sends reminders for every reserved slot starting within the lead
// time that was not reminded yet.
func (s *Service) CheckNow(ctx context.Context) (Stats, error) {
	now := s.config.Now()
	slots, err := s.store.SlotsDueForReminder(ctx, now, now.Add(s.config.Lead))
	if err != nil {
		return Stats{}, fmt.Errorf("due slots: %w", err)
	}

	var (
		stats Stats
		mu    sync.Mutex
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, s.config.MaxConcurrent)

	for _, slot := range slots {
		wg.Add(1)
		sem <- struct{}{}

		go func(slot model.Slot) {
			defer wg.Done()
			defer func() { <-sem }()

			err := s.send(ctx, slot)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				metrics.IncReminder("failed")
				s.logger.Error().Err(err).
					Str("slot_id", slot.ID).
					Int64("user_id", slot.ClientID).
					Msg("Failed to send reminder")
				return
			}
			stats.Sent++
			metrics.IncReminder("sent")
		}(slot)
	}

	wg.Wait()
	return stats, nil
}

func (s *Service) send(ctx context.Context, slot model.Slot) error {
	master, err := s.store.GetUser(ctx, slot.MasterID)
	if err != nil {
		return fmt.Errorf("load master: %w", err)
	}

	text := notify.Reminder(slot, master, s.config.Location)
	if err := s.notifier.Notify(ctx, slot.ClientID, text); err != nil {
		return err
	}

	if err := s.store.MarkNotified(ctx, slot.ID); err != nil {
		// Not an error: the reminder was delivered.
		s.logger.Error().Err(err).Str("slot_id", slot.ID).Msg("Failed to mark reminder as sent")
	}

	s.logger.Info().Str("slot_id", slot.ID).Int64("user_id", slot.ClientID).Msg("Reminder sent")
	return nil
}
