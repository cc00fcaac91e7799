// Package container implements the lifecycle coordinator: the top-level
// run/create/start/exec/delete/list workflows that drive the state store,
// the image preparer, the cgroup controller and the process bootstrap.
package container

import (
	"log/slog"
	"path/filepath"
	"regexp"

	"github.com/runcell/runcell/internal/config"
	"github.com/runcell/runcell/internal/errdefs"
	"github.com/runcell/runcell/internal/image"
	"github.com/runcell/runcell/internal/journal"
	"github.com/runcell/runcell/internal/state"
)

// idPattern keeps container IDs filesystem-safe; they become directory
// names under the state root.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,253}$`)

type Manager struct {
	cfg     *config.Config
	states  *state.Store
	images  *image.Preparer
	journal *journal.Journal
	logger  *slog.Logger
}

// NewManager wires the coordinator. The journal may be nil; lifecycle
// operations proceed without an audit trail.
func NewManager(cfg *config.Config, st *state.Store, images *image.Preparer, jrnl *journal.Journal, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		states:  st,
		images:  images,
		journal: jrnl,
		logger:  logger,
	}
}

func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return errdefs.InvalidArgument("container id %q must match %s", id, idPattern.String())
	}
	return nil
}

func (m *Manager) bundleDir(id string) string {
	return filepath.Join(m.cfg.BundlesDir(), id)
}

// record appends to the journal, logging rather than failing when the
// journal is unavailable.
func (m *Manager) record(id, event, detail string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Record(id, event, detail); err != nil {
		m.logger.Warn("journal write failed", "container_id", id, "event", event, "error", err)
	}
}

// Events returns the journal history for one container.
func (m *Manager) Events(id string) ([]journal.Event, error) {
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.List(id)
}
