// Package backup implements the backup manager: a thin coordinator
// layered on top of the engine manager that opens the engine's own
// BackupEngine around create/restore/list/purge calls and triggers the
// manager's close+reopen reload after a restore.
package backup

import (
	"context"
	"fmt"

	"rangedb/internal/engine"
)

// Reloader is the subset of the engine manager the backup manager
// drives: access to the live engine (for taking a backup and for
// Path()) and the reload sequence a restore requires.
type Reloader interface {
	Engine() engine.Engine
	Reload(ctx context.Context) error
}

type Manager struct {
	mgr Reloader
}

func New(mgr Reloader) *Manager {
	return &Manager{mgr: mgr}
}

// Backup opens the backup engine, takes a new backup from the live
// normal-mode engine, and closes it.
func (m *Manager) Backup(ctx context.Context) error {
	eng := m.mgr.Engine()
	be := eng.Backup()
	if err := be.Open(ctx); err != nil {
		return fmt.Errorf("open backup engine: %w", err)
	}
	defer be.Close(ctx)

	if err := be.CreateNewBackup(ctx, eng.Path()); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

// RestoreLatest restores the newest backup into the engine's own path
// and reloads the engine manager so the restored state becomes visible.
func (m *Manager) RestoreLatest(ctx context.Context) error {
	eng := m.mgr.Engine()
	be := eng.Backup()
	if err := be.Open(ctx); err != nil {
		return fmt.Errorf("open backup engine: %w", err)
	}
	defer be.Close(ctx)

	if err := be.RestoreFromLatest(ctx, eng.Path()); err != nil {
		return fmt.Errorf("restore latest backup: %w", err)
	}
	return m.mgr.Reload(ctx)
}

// Restore restores the backup with the given id and reloads the engine
// manager.
func (m *Manager) Restore(ctx context.Context, id uint32) error {
	eng := m.mgr.Engine()
	be := eng.Backup()
	if err := be.Open(ctx); err != nil {
		return fmt.Errorf("open backup engine: %w", err)
	}
	defer be.Close(ctx)

	if err := be.RestoreFromID(ctx, id, eng.Path()); err != nil {
		return fmt.Errorf("restore backup %d: %w", id, err)
	}
	return m.mgr.Reload(ctx)
}

// BackupInfo describes one retained backup, mirroring engine.BackupInfo
// for the dispatcher without requiring it to import the engine package.
type BackupInfo = engine.BackupInfo

// GetBackupInfo lists retained backups.
func (m *Manager) GetBackupInfo(ctx context.Context) ([]BackupInfo, error) {
	eng := m.mgr.Engine()
	be := eng.Backup()
	if err := be.Open(ctx); err != nil {
		return nil, fmt.Errorf("open backup engine: %w", err)
	}
	defer be.Close(ctx)

	return be.GetBackupInfo(ctx)
}

// PurgeOld keeps the newest n backups, deleting the rest.
func (m *Manager) PurgeOld(ctx context.Context, n int) error {
	eng := m.mgr.Engine()
	be := eng.Backup()
	if err := be.Open(ctx); err != nil {
		return fmt.Errorf("open backup engine: %w", err)
	}
	defer be.Close(ctx)

	return be.PurgeOld(ctx, n)
}
