// File: storage/storage.go
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

const backupLayout = "20060102150405" // YYYYMMDDhhmmss

// FileStore keeps one JSON file per key under dataDir. Writes are atomic.
// When backups is positive every save also leaves a timestamped copy and only
// the most recent backups copies are kept.
type FileStore struct {
	dataDir string
	backups int
	log     *zap.Logger
	mutex   sync.RWMutex
}

// Add a struct to help with file sorting
type backupFile struct {
	path      string
	timestamp int64
}

type backupFiles []backupFile

func (f backupFiles) Len() int           { return len(f) }
func (f backupFiles) Less(i, j int) bool { return f[i].timestamp < f[j].timestamp }
func (f backupFiles) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func New(dataDir string, backups int, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &FileStore{
		dataDir: absPath,
		backups: backups,
		log:     log,
	}, nil
}

func (s *FileStore) Dir() string { return s.dataDir }

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.dataDir, key+".json"), nil
}

func (s *FileStore) Load(key string) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func (s *FileStore) Save(key, value string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if s.backups > 0 {
		timestamp := time.Now().Format(backupLayout)
		backup := filepath.Join(s.dataDir, fmt.Sprintf("%s_backup_%s.json", key, timestamp))
		if err := renameio.WriteFile(backup, []byte(value), 0644); err != nil {
			s.log.Warn("failed to write backup", zap.String("key", key), zap.Error(err))
		} else if err := s.cleanupOldFiles(key, s.backups); err != nil {
			s.log.Warn("failed to cleanup old backups", zap.String("key", key), zap.Error(err))
		}
	}

	s.log.Debug("saved key", zap.String("key", key), zap.Int("bytes", len(value)))
	return nil
}

// LatestBackup returns the contents of the newest backup of key.
func (s *FileStore) LatestBackup(key string) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	files, err := s.listBackups(key)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", ErrNotFound
	}
	data, err := os.ReadFile(files[len(files)-1].path)
	if err != nil {
		return "", fmt.Errorf("failed to read backup: %w", err)
	}
	return string(data), nil
}

func (s *FileStore) listBackups(key string) (backupFiles, error) {
	pattern := filepath.Join(s.dataDir, key+"_backup_*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	var files backupFiles
	for _, file := range matches {
		// Extract timestamp from filename
		base := strings.TrimSuffix(filepath.Base(file), ".json")
		stamp := base[strings.LastIndex(base, "_")+1:]
		timestamp, err := time.Parse(backupLayout, stamp)
		if err != nil {
			s.log.Warn("invalid timestamp in filename", zap.String("file", base), zap.Error(err))
			continue
		}
		files = append(files, backupFile{path: file, timestamp: timestamp.Unix()})
	}
	sort.Stable(files)
	return files, nil
}

func (s *FileStore) cleanupOldFiles(key string, keep int) error {
	files, err := s.listBackups(key)
	if err != nil {
		return err
	}
	if len(files) <= keep {
		return nil
	}

	// Remove older files, keeping the most recent 'keep' files
	for i := 0; i < len(files)-keep; i++ {
		if err := os.Remove(files[i].path); err != nil {
			s.log.Warn("failed to remove old backup", zap.String("file", files[i].path), zap.Error(err))
		}
	}
	return nil
}
