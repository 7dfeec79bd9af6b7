package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const timelineExt = ".jsonl"

// PurgeTimelines deletes room timelines in dir last written before maxAge
// ago and returns the rooms it removed. Rooms in keep are skipped.
func PurgeTimelines(dir string, maxAge time.Duration, keep ...string) ([]string, error) {
	if dir == "" || maxAge <= 0 {
		return nil, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*"+timelineExt))
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(keep))
	for _, room := range keep {
		skip[sanitizeID(room)] = true
	}
	cutoff := time.Now().Add(-maxAge)
	var rooms []string
	var errs error
	for _, path := range paths {
		room := strings.TrimSuffix(filepath.Base(path), timelineExt)
		if skip[room] {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, errs
}

// Purge applies PurgeTimelines to the observer's directory, leaving rooms
// with an open timeline alone.
func (o *TimelineObserver) Purge(maxAge time.Duration) ([]string, error) {
	o.mu.Lock()
	open := make([]string, 0, len(o.files))
	for room := range o.files {
		open = append(open, room)
	}
	o.mu.Unlock()
	return PurgeTimelines(o.dir, maxAge, open...)
}
