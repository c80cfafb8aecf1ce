package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/stridegate/stridegate/internal/domain"
)

// FileProcessRegistry implements domain.ProcessRegistry using a shared JSON
// file. The coordinator and the enforcement agent discover each other's
// PIDs through it, so either side can notice the other is down and restart
// it.
type FileProcessRegistry struct {
	path           string
	processManager domain.ProcessManager
}

// NewFileProcessRegistry creates a registry at the given path.
func NewFileProcessRegistry(path string, pm domain.ProcessManager) *FileProcessRegistry {
	return &FileProcessRegistry{
		path:           path,
		processManager: pm,
	}
}

// Path returns the registry file path.
func (r *FileProcessRegistry) Path() string {
	return r.path
}

// Register saves the calling process's PID under its role. A file lock
// serializes the read-modify-write against the partner process.
func (r *FileProcessRegistry) Register(info domain.ProcessInfo) error {
	lockPath := r.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	entry, _ := r.GetAll() // May not exist yet
	if entry == nil {
		entry = &domain.RegistryEntry{Version: 1}
	}

	switch info.Role {
	case domain.RoleCoordinator:
		entry.CoordinatorPID = info.PID
	case domain.RoleAgent:
		entry.AgentPID = info.PID
	}
	entry.LastHeartbeat = time.Now().Unix()
	if info.AppVersion != "" {
		entry.AppVersion = info.AppVersion
	}

	return r.atomicWrite(entry)
}

// UpdateHeartbeat refreshes the liveness timestamp.
func (r *FileProcessRegistry) UpdateHeartbeat(role domain.ProcessRole) error {
	entry, err := r.GetAll()
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("process %s not registered", role)
	}

	entry.LastHeartbeat = time.Now().Unix()
	return r.atomicWrite(entry)
}

// IsPartnerAlive checks whether the other process is running via its PID.
// An unreadable registry surfaces as an error; an absent one just means
// the partner never registered.
func (r *FileProcessRegistry) IsPartnerAlive(role domain.ProcessRole) (bool, error) {
	entry, err := r.GetAll()
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil // Not registered = not alive
	}

	var pid int
	switch role {
	case domain.RoleCoordinator:
		pid = entry.AgentPID
	case domain.RoleAgent:
		pid = entry.CoordinatorPID
	}
	if pid == 0 {
		return false, nil
	}

	return r.processManager.IsRunning(pid), nil
}

// GetAll returns full registry state.
func (r *FileProcessRegistry) GetAll() (*domain.RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.RegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Clear removes the registry file.
func (r *FileProcessRegistry) Clear() error {
	err := os.Remove(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// atomicWrite writes the registry atomically (temp file + rename).
func (r *FileProcessRegistry) atomicWrite(entry *domain.RegistryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Unique per process to avoid racing the partner's temp file.
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

var _ domain.ProcessRegistry = (*FileProcessRegistry)(nil)
