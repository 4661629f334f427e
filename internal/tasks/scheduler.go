package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"expertstream/pkg/logger"
)

// ErrTaskNotFound is returned when a task id matches nothing on disk.
var ErrTaskNotFound = errors.New("task not found")

// requiredFields are validated on create; tasks missing any are skipped.
var requiredFields = []string{"title", "target", "operation", "specifics", "related"}

// Scheduler persists task sessions as JSON files in one directory.
// Callers serialize operations per session id; the scheduler itself does
// not lock across processes.
type Scheduler struct {
	dir string
	now func() time.Time
}

// NewScheduler creates a scheduler rooted at dir, creating it if needed.
func NewScheduler(dir string) (*Scheduler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks dir: %w", err)
	}
	return &Scheduler{dir: dir, now: time.Now}, nil
}

func (s *Scheduler) sessionPath(sessionID string) string {
	return filepath.Join(s.dir, "tasks_"+sessionID+".json")
}

func (s *Scheduler) executionPath(taskID string) string {
	return filepath.Join(s.dir, "execution_"+taskID+".json")
}

// CreateTasks overwrites the session's task list. Specs missing required
// fields are reported in the returned log and skipped.
func (s *Scheduler) CreateTasks(sessionID string, specs []TaskSpec) ([]Task, []string, error) {
	now := s.now().UTC()
	var log []string
	var created []Task

	for i, spec := range specs {
		if missing := missingFields(spec); len(missing) > 0 {
			log = append(log, fmt.Sprintf("Skipped task %d (%q): missing %s", i+1, spec.Title, strings.Join(missing, ", ")))
			continue
		}

		id := spec.ID
		if id == "" {
			id = uuid.New().String()
		}
		status := spec.Status
		if status == "" {
			status = StatusPending
		}

		created = append(created, Task{
			ID:           id,
			SessionID:    sessionID,
			Title:        spec.Title,
			Target:       spec.Target,
			Operation:    spec.Operation,
			Specifics:    spec.Specifics,
			Related:      spec.Related,
			Dependencies: spec.Dependencies,
			Status:       status,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		log = append(log, fmt.Sprintf("Created task %q (%s)", spec.Title, id))
	}

	file := sessionFile{SessionID: sessionID, Tasks: created, UpdatedAt: now}
	if err := s.writeSession(file); err != nil {
		return nil, log, err
	}
	log = append(log, fmt.Sprintf("Session %s now has %d task(s)", sessionID, len(created)))
	return created, log, nil
}

func missingFields(spec TaskSpec) []string {
	var missing []string
	values := map[string]string{
		"title":     spec.Title,
		"target":    spec.Target,
		"operation": spec.Operation,
		"specifics": spec.Specifics,
		"related":   spec.Related,
	}
	for _, field := range requiredFields {
		if values[field] == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// NextExecutable returns the task the caller should work on next.
//
// If a task is already in progress, the earliest such task is returned
// again with its viewed count bumped; the message tells the caller it has
// already seen it. Otherwise the earliest pending task whose dependencies
// are all done is promoted to in_progress.
func (s *Scheduler) NextExecutable(sessionID string) (*Task, string, error) {
	file, err := s.readSession(sessionID)
	if err != nil {
		return nil, "", err
	}

	byCreation := indexesByCreation(file.Tasks)

	for _, i := range byCreation {
		if file.Tasks[i].Status == StatusInProgress {
			file.Tasks[i].ViewedCount++
			file.Tasks[i].UpdatedAt = s.now().UTC()
			if err := s.writeSession(file); err != nil {
				return nil, "", err
			}
			task := file.Tasks[i]
			msg := fmt.Sprintf("Task %q is in progress.", task.Title)
			if task.ViewedCount > 1 {
				msg = fmt.Sprintf("Task %q is the same task you were already shown (viewed %d times). Finish it before requesting another.", task.Title, task.ViewedCount)
			}
			return &task, msg, nil
		}
	}

	statusByID := make(map[string]Status, len(file.Tasks))
	for _, t := range file.Tasks {
		statusByID[t.ID] = t.Status
	}

	for _, i := range byCreation {
		t := file.Tasks[i]
		if t.Status != StatusPending || !dependenciesDone(t, statusByID) {
			continue
		}
		file.Tasks[i].Status = StatusInProgress
		file.Tasks[i].ViewedCount = 1
		file.Tasks[i].UpdatedAt = s.now().UTC()
		if err := s.writeSession(file); err != nil {
			return nil, "", err
		}
		task := file.Tasks[i]
		return &task, fmt.Sprintf("Task %q is now in progress.", task.Title), nil
	}

	return nil, "No executable task: all tasks are either done or blocked by dependencies.", nil
}

func dependenciesDone(t Task, statusByID map[string]Status) bool {
	for _, dep := range t.Dependencies {
		status, ok := statusByID[dep]
		if !ok || !status.done() {
			return false
		}
	}
	return true
}

// SaveExecution records how a task was carried out and flips it to
// dev_completed. The task is located across all session files.
func (s *Scheduler) SaveExecution(taskID, executionProcess string) error {
	file, idx, err := s.findTask(taskID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	exec := Execution{
		TaskID:           taskID,
		ExecutionProcess: executionProcess,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.writeJSON(s.executionPath(taskID), exec); err != nil {
		return fmt.Errorf("write execution: %w", err)
	}

	file.Tasks[idx].Status = StatusDevCompleted
	file.Tasks[idx].UpdatedAt = now
	return s.writeSession(*file)
}

// CurrentExecuting returns the earliest in-progress task, or, when none
// is in flight, the most recently updated dev_completed task together
// with its stored execution text.
func (s *Scheduler) CurrentExecuting(sessionID string) (*Task, string, error) {
	file, err := s.readSession(sessionID)
	if err != nil {
		return nil, "", err
	}

	for _, i := range indexesByCreation(file.Tasks) {
		if file.Tasks[i].Status == StatusInProgress {
			task := file.Tasks[i]
			return &task, s.loadExecution(task.ID), nil
		}
	}

	var latest *Task
	for i := range file.Tasks {
		t := &file.Tasks[i]
		if t.Status != StatusDevCompleted {
			continue
		}
		if latest == nil || t.UpdatedAt.After(latest.UpdatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, "", nil
	}
	task := *latest
	return &task, s.loadExecution(task.ID), nil
}

func (s *Scheduler) loadExecution(taskID string) string {
	data, err := os.ReadFile(s.executionPath(taskID))
	if err != nil {
		return ""
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return ""
	}
	return exec.ExecutionProcess
}

// Complete marks a task completed, locating it across session files.
func (s *Scheduler) Complete(taskID string) error {
	file, idx, err := s.findTask(taskID)
	if err != nil {
		return err
	}
	file.Tasks[idx].Status = StatusCompleted
	file.Tasks[idx].UpdatedAt = s.now().UTC()
	return s.writeSession(*file)
}

// Stats counts the session's tasks by status.
func (s *Scheduler) Stats(sessionID string) (Stats, error) {
	file, err := s.readSession(sessionID)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Total: len(file.Tasks), Tasks: file.Tasks}
	for _, t := range file.Tasks {
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusInProgress:
			stats.InProgress++
		case StatusDevCompleted:
			stats.DevCompleted++
		case StatusCompleted:
			stats.Completed++
		}
	}
	return stats, nil
}

// findTask scans every session file for the task id.
func (s *Scheduler) findTask(taskID string) (*sessionFile, int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("read tasks dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "tasks_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(strings.TrimPrefix(name, "tasks_"), ".json")
		file, err := s.readSession(sessionID)
		if err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable session file")
			continue
		}
		for i, t := range file.Tasks {
			if t.ID == taskID {
				return &file, i, nil
			}
		}
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

func indexesByCreation(tasks []Task) []int {
	idx := make([]int, len(tasks))
	for i := range tasks {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return tasks[idx[a]].CreatedAt.Before(tasks[idx[b]].CreatedAt)
	})
	return idx
}

func (s *Scheduler) readSession(sessionID string) (sessionFile, error) {
	data, err := os.ReadFile(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return sessionFile{SessionID: sessionID}, nil
		}
		return sessionFile{}, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return sessionFile{}, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return file, nil
}

// writeSession replaces the session file atomically via temp file rename.
func (s *Scheduler) writeSession(file sessionFile) error {
	file.UpdatedAt = s.now().UTC()
	return s.writeJSON(s.sessionPath(file.SessionID), file)
}

func (s *Scheduler) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}
