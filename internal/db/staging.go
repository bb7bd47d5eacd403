package db

import (
	"sync"

	"github.com/ldi/sprintdeck/pkg/models"
)

// StagedImport holds one parsed import batch awaiting commit. Nothing is
// written to the database until the batch is committed.
type StagedImport struct {
	ProjectID string
	Source    string
	Tasks     []*models.Task
}

// StagingManager provides thread-safe in-memory storage for parsed import
// batches, keyed by session id.
type StagingManager struct {
	mu     sync.RWMutex
	staged map[string]*StagedImport
}

func NewStagingManager() *StagingManager {
	return &StagingManager{
		staged: make(map[string]*StagedImport),
	}
}

// Stage replaces the batch for a session. Re-parsing the same upload
// overwrites the previous preview rather than appending to it.
func (sm *StagingManager) Stage(sessionID string, batch *StagedImport) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.staged[sessionID] = batch
}

// AddTask appends a single task to a session's batch, creating the batch if
// needed.
func (sm *StagingManager) AddTask(sessionID, projectID string, task *models.Task) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.staged[sessionID] == nil {
		sm.staged[sessionID] = &StagedImport{
			ProjectID: projectID,
			Tasks:     []*models.Task{},
		}
	}
	sm.staged[sessionID].Tasks = append(sm.staged[sessionID].Tasks, task)
}

// GetAndClear removes and returns a session's batch, or nil when the
// session is unknown.
func (sm *StagingManager) GetAndClear(sessionID string) *StagedImport {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	items, ok := sm.staged[sessionID]
	if !ok {
		return nil
	}

	delete(sm.staged, sessionID)
	return items
}

// Peek returns a session's batch without clearing it, or nil when the
// session is unknown.
func (sm *StagingManager) Peek(sessionID string) *StagedImport {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.staged[sessionID]
}

// Discard drops a session's batch without committing it.
func (sm *StagingManager) Discard(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.staged, sessionID)
}
