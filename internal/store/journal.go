package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Journal keeps an append-only JSONL file per key. The last record wins.
type Journal struct {
	RootDir string
}

type Record struct {
	ID    string `json:"id"`
	Value []byte `json:"value"`
}

func NewJournal(rootDir string) (*Journal, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, err
	}
	return &Journal{RootDir: rootDir}, nil
}

func (j *Journal) filePath(key string) string {
	return filepath.Join(j.RootDir, keySanitizer.ReplaceAllString(key, "_")+".jsonl")
}

func (j *Journal) lockPath(key string) string {
	return filepath.Join(j.RootDir, keySanitizer.ReplaceAllString(key, "_")+".lock")
}

const (
	lockStaleDuration = 30 * time.Second
	lockTimeout       = 10 * time.Second
	lockPollInterval  = 8 * time.Millisecond

	// compactThreshold is the record count past which Set rewrites a key's
	// journal down to its latest record.
	compactThreshold = 64
)

func (j *Journal) withKeyLock(ctx context.Context, key string, fn func() error) error {
	lock := j.lockPath(key)
	deadline := time.Now().Add(lockTimeout)
	for {
		err := os.Mkdir(lock, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		// Break stale locks left by crashed processes.
		if info, statErr := os.Stat(lock); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleDuration {
				_ = os.RemoveAll(lock)
				continue
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out acquiring lock for key %s", key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
	defer func() {
		_ = os.RemoveAll(lock)
	}()
	return fn()
}

func (j *Journal) Set(ctx context.Context, key string, value []byte) error {
	line, err := json.Marshal(Record{ID: ulid.Make().String(), Value: value})
	if err != nil {
		return err
	}
	return j.withKeyLock(ctx, key, func() error {
		f, err := os.OpenFile(j.filePath(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		_, err = f.Write(append(line, '\n'))
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		return j.compactLocked(key, compactThreshold)
	})
}

func (j *Journal) Get(ctx context.Context, key string) ([]byte, bool, error) {
	records, err := j.Records(key)
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	return records[len(records)-1].Value, true, nil
}

// Records returns every readable record for key in write order.
// Lines that fail to decode are skipped.
func (j *Journal) Records(key string) ([]Record, error) {
	f, err := os.Open(j.filePath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, err
	}
	defer f.Close()

	records := make([]Record, 0, 16)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil || strings.TrimSpace(record.ID) == "" {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Compact rewrites the journal for key so that only the latest record remains.
func (j *Journal) Compact(ctx context.Context, key string) error {
	return j.withKeyLock(ctx, key, func() error {
		return j.compactLocked(key, 1)
	})
}

// compactLocked rewrites the journal for key when it holds more than limit
// records. The caller holds the key lock.
func (j *Journal) compactLocked(key string, limit int) error {
	records, err := j.Records(key)
	if err != nil || len(records) <= limit {
		return err
	}
	line, err := json.Marshal(records[len(records)-1])
	if err != nil {
		return err
	}
	tmp := j.filePath(key) + ".tmp"
	if err := os.WriteFile(tmp, append(line, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, j.filePath(key))
}

func (j *Journal) Close() error {
	return nil
}
