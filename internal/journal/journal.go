// Package journal keeps an append-only audit log of committed evaluation cycles.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/regionplacer/placer/internal/api"
)

const (
	filePrefix = "cycles-"
	fileSuffix = ".jsonl"
	dayLayout  = "20060102"

	maxLineSize = 4 << 20
)

// Journal appends one JSON line per committed CycleResult to a daily file
type Journal struct {
	mu   sync.Mutex
	dir  string
	day  string
	file *os.File
}

// Open creates the journal directory for mode under root.
// The daily file is opened lazily on the first Append.
func Open(root, mode string) (*Journal, error) {
	dir := filepath.Join(root, mode)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// Dir returns the directory holding this journal's files
func (j *Journal) Dir() string {
	return j.dir
}

// Append writes res with fsync. Results are filed under the UTC day of their timestamp.
func (j *Journal) Append(res *api.CycleResult) error {
	line, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotateLocked(res.Timestamp.UTC().Format(dayLayout)); err != nil {
		return err
	}

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	// fsync so an acknowledged cycle survives a crash
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (j *Journal) rotateLocked(day string) error {
	if j.file != nil && j.day == day {
		return nil
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
	}

	path := filepath.Join(j.dir, filePrefix+day+fileSuffix)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	j.file = file
	j.day = day
	return nil
}

// Close flushes and closes the current file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Files returns the journal files of dir, oldest first
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Replay reads all results from a journal file. Malformed lines are skipped.
func Replay(path string) ([]api.CycleResult, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var results []api.CycleResult
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var res api.CycleResult
		if err := json.Unmarshal(scanner.Bytes(), &res); err != nil || res.CycleID == "" {
			logrus.WithFields(logrus.Fields{"file": path, "line": lineNo}).Warn("Skipping malformed journal line")
			continue
		}
		results = append(results, res)
	}

	return results, scanner.Err()
}

// ReplayDir reads every journal file in dir in chronological order
func ReplayDir(dir string) ([]api.CycleResult, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}

	var all []api.CycleResult
	for _, f := range files {
		results, err := Replay(f)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", f, err)
		}
		all = append(all, results...)
	}
	return all, nil
}
