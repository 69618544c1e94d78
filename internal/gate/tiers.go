package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmoretti/guildgate/internal/gate/entitlement"
	"github.com/lmoretti/guildgate/internal/gate/registry"
	"github.com/rs/zerolog/log"
)

// TierSource provides the current tier-to-role mapping. When the mapping
// comes from a file it is hot-reloaded on change; inline env mappings are
// fixed for the process lifetime.
type TierSource struct {
	cfg     *Config
	mapping atomic.Pointer[entitlement.Mapping]
}

// NewTierSource loads the initial mapping from the configured file or the
// inline JSON. The file takes precedence when both are set.
func NewTierSource(cfg *Config) (*TierSource, error) {
	ts := &TierSource{cfg: cfg}

	var raw []byte
	if cfg.TierRolesFile != "" {
		data, err := os.ReadFile(cfg.TierRolesFile)
		if err != nil {
			return nil, fmt.Errorf("read tier roles file: %w", err)
		}
		raw = data
	} else {
		raw = []byte(cfg.TierRoles)
	}

	mapping, err := ts.buildMapping(raw)
	if err != nil {
		return nil, err
	}
	ts.mapping.Store(&mapping)
	return ts, nil
}

// Mapping returns the current tier mapping.
func (ts *TierSource) Mapping() entitlement.Mapping {
	return *ts.mapping.Load()
}

func (ts *TierSource) buildMapping(raw []byte) (entitlement.Mapping, error) {
	var tierRoles map[string]string
	if err := json.Unmarshal(raw, &tierRoles); err != nil {
		return entitlement.Mapping{}, fmt.Errorf("parse tier roles: %w", err)
	}
	if len(tierRoles) == 0 {
		return entitlement.Mapping{}, fmt.Errorf("tier roles mapping is empty")
	}

	mapping := entitlement.NewMapping(tierRoles, ts.cfg.TopTier, ts.cfg.BaseRole)
	if len(ts.cfg.EntitledStatuses) > 0 {
		mapping.Entitled = make(map[registry.Status]bool, len(ts.cfg.EntitledStatuses))
		for _, s := range ts.cfg.EntitledStatuses {
			mapping.Entitled[s] = true
		}
	}
	return mapping, nil
}

// Watch monitors the tier roles file for changes and swaps the mapping in
// place. Returns immediately when the mapping is inline. Blocks until ctx is
// cancelled otherwise.
func (ts *TierSource) Watch(ctx context.Context) error {
	if ts.cfg.TierRolesFile == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create tier roles watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file rather than write it.
	if err := watcher.Add(filepath.Dir(ts.cfg.TierRolesFile)); err != nil {
		return fmt.Errorf("watch tier roles directory: %w", err)
	}

	log.Info().Str("path", ts.cfg.TierRolesFile).Msg("Watching tier roles file for changes")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(ts.cfg.TierRolesFile) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce - wait a bit for the write to complete
			time.Sleep(100 * time.Millisecond)
			ts.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Tier roles watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}

func (ts *TierSource) reload() {
	raw, err := os.ReadFile(ts.cfg.TierRolesFile)
	if err != nil {
		log.Error().Err(err).Str("path", ts.cfg.TierRolesFile).Msg("Failed to re-read tier roles file")
		return
	}
	mapping, err := ts.buildMapping(raw)
	if err != nil {
		// Keep serving the last good mapping.
		log.Error().Err(err).Str("path", ts.cfg.TierRolesFile).Msg("Invalid tier roles file, keeping previous mapping")
		return
	}
	ts.mapping.Store(&mapping)
	log.Info().Int("tiers", len(mapping.TierRoles)).Msg("Tier roles mapping reloaded")
}
