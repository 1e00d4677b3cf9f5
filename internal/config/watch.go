package config

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// CatalogDiff lists the services that appeared or disappeared between two
// catalog versions.
type CatalogDiff struct {
	Added   []string
	Removed []string
}

// Empty reports whether the service names are unchanged.
func (d CatalogDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffServices compares the service names of prev and next. A nil prev
// counts as an empty catalog.
func DiffServices(prev, next *ServicesConfig) CatalogDiff {
	var d CatalogDiff
	if next != nil {
		for _, name := range next.Names() {
			if prev == nil || prev.Get(name) == nil {
				d.Added = append(d.Added, name)
			}
		}
	}
	if prev != nil {
		for _, name := range prev.Names() {
			if next == nil || next.Get(name) == nil {
				d.Removed = append(d.Removed, name)
			}
		}
	}
	return d
}

// servicesWatcher polls the catalog file and remembers the last good version.
type servicesWatcher struct {
	path     string
	lastMod  time.Time
	current  *ServicesConfig
	onUpdate func(prev, next *ServicesConfig)
	logger   zerolog.Logger
}

// poll reloads the catalog when the file changed. A broken file keeps the
// previous catalog in place.
func (w *servicesWatcher) poll() bool {
	info, err := os.Stat(w.path)
	if err != nil || !info.ModTime().After(w.lastMod) {
		return false
	}
	next, err := LoadServicesConfig(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("services config reload failed, keeping previous catalog")
		return false
	}
	w.lastMod = info.ModTime()

	prev := w.current
	w.current = next
	diff := DiffServices(prev, next)
	w.logger.Info().
		Strs("added", diff.Added).
		Strs("removed", diff.Removed).
		Int("services", len(next.Services)).
		Msg("services catalog reloaded")
	if w.onUpdate != nil {
		w.onUpdate(prev, next)
	}
	return true
}

// WatchServices loads services.yaml, hands it to onUpdate with a nil prev and
// then polls the file every interval until ctx is done, passing each new
// catalog together with the one it replaces.
func WatchServices(ctx context.Context, path string, interval time.Duration, logger zerolog.Logger, onUpdate func(prev, next *ServicesConfig)) error {
	if path == "" {
		path = "configs/services.yaml"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	cfg, err := LoadServicesConfig(path)
	if err != nil {
		return err
	}

	w := &servicesWatcher{
		path:     path,
		lastMod:  info.ModTime(),
		current:  cfg,
		onUpdate: onUpdate,
		logger:   logger.With().Str("component", "services-watch").Logger(),
	}
	if onUpdate != nil {
		onUpdate(nil, cfg)
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll()
			}
		}
	}()
	return nil
}
