// Package storage owns the on-disk layout of uploads and job outputs.
package storage

// ============================================================================
// 檔案布局
//   <uploads>/<jobID>/floorplan<ext>
//   <uploads>/<jobID>/photos/photo_<i><ext>
//   <outputs>/<jobID>/...
// 職責：
// 1. 儲存上傳檔案（副檔名白名單化）
// 2. 安全解析下載路徑，拒絕目錄穿越
// 3. 刪除任務檔案、清理過期目錄
// ============================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func logger() *slog.Logger { return slog.Default() }

// ErrInvalidPath is returned for names that would escape a job directory.
var ErrInvalidPath = errors.New("storage: invalid path")

// Layout resolves per-job directories under two roots.
type Layout struct {
	UploadDir string
	OutputDir string
}

// NewLayout creates both roots.
func NewLayout(uploadDir, outputDir string) (*Layout, error) {
	for _, d := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", d, err)
		}
	}
	return &Layout{UploadDir: uploadDir, OutputDir: outputDir}, nil
}

func (l *Layout) JobUploadDir(id string) string { return filepath.Join(l.UploadDir, id) }
func (l *Layout) JobOutputDir(id string) string { return filepath.Join(l.OutputDir, id) }

// SaveFloorplan writes the floorplan upload and returns its path.
func (l *Layout) SaveFloorplan(id, filename string, data []byte) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	path := filepath.Join(l.JobUploadDir(id), "floorplan"+Ext(filename))
	return path, writeFile(path, data)
}

// SavePhoto writes the idx-th photo upload and returns its path.
func (l *Layout) SavePhoto(id string, idx int, filename string, data []byte) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	path := filepath.Join(l.JobUploadDir(id), "photos", fmt.Sprintf("photo_%d%s", idx, Ext(filename)))
	return path, writeFile(path, data)
}

// RemoveJob deletes the job's upload directory and outputDir. A missing
// directory is not an error.
func (l *Layout) RemoveJob(id, outputDir string) error {
	if err := validID(id); err != nil {
		return err
	}
	var errs []error
	errs = append(errs, os.RemoveAll(l.JobUploadDir(id)))
	if outputDir == "" {
		outputDir = l.JobOutputDir(id)
	}
	errs = append(errs, os.RemoveAll(outputDir))
	return errors.Join(errs...)
}

// Cleanup removes job directories under both roots whose modification time
// is before cutoff. Directories for which keep returns true are left alone.
// It returns the removed directory names.
func (l *Layout) Cleanup(cutoff time.Time, keep func(id string) bool) ([]string, error) {
	var removed []string
	var errs []error
	for _, root := range []string{l.UploadDir, l.OutputDir} {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if keep != nil && keep(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			logger().Info("removed expired job directory", "root", root, "job", e.Name())
			removed = append(removed, e.Name())
		}
	}
	return removed, errors.Join(errs...)
}

// ResolveOutput joins name onto outputDir, rejecting anything that leaves it.
func ResolveOutput(outputDir, name string) (string, error) {
	if name == "" || strings.Contains(name, "\x00") {
		return "", ErrInvalidPath
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return filepath.Join(outputDir, clean), nil
}

// Ext returns a lowercase extension of at most 5 alphanumeric characters,
// or "" when filename has none or it looks unsafe.
func Ext(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

func validID(id string) error {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: job id %q", ErrInvalidPath, id)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
