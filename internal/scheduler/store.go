package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// taskFile is the persisted document: the full task set plus the time of
// the last rewrite.
type taskFile struct {
	Tasks     []*ScheduledTask `json:"tasks"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// loadTasks reads the task file. A missing file is an empty schedule, not
// an error.
func loadTasks(path string) ([]*ScheduledTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	var doc taskFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tasks file %s: %w", path, err)
	}
	return doc.Tasks, nil
}

// saveTasks rewrites the task file atomically: marshal, write to a temp
// file in the same directory, rename over the original. A crash mid-write
// leaves the previous file intact.
func saveTasks(path string, tasks []*ScheduledTask, at time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	doc := taskFile{Tasks: tasks, UpdatedAt: at}
	if doc.Tasks == nil {
		doc.Tasks = []*ScheduledTask{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp tasks file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp tasks file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp tasks file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace tasks file: %w", err)
	}
	return nil
}
