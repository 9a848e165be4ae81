package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/avvvet/imagechat/internal/metrics"
)

const tmpSuffix = ".tmp"

// writeJSONAtomic serializes v to a unique file in the scratch directory and
// renames it over path. Readers see either the old or the new document.
func (s *Store) writeJSONAtomic(kind, path string, v any) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.StoreWritesTotal.WithLabelValues(kind, result).Inc()
	}()

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal json")
	}

	tmp, err := os.CreateTemp(s.tmpDir, filepath.Base(path)+".*"+tmpSuffix)
	if err != nil {
		return errors.Wrap(err, "create temp")
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temp")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp")
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpName, path); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "rename")
	}
	renamed = true
	return nil
}

// sweepTemp removes temporaries left behind by a crash between create and rename.
func (s *Store) sweepTemp(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return 0, errors.Wrap(err, "read tmp dir")
	}
	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.tmpDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
