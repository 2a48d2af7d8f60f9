package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that rotates when the file
// grows past Config.MaxSize or the calendar day changes. Rotated files are
// renamed with a timestamp suffix, optionally gzipped, and pruned by
// MaxBackups and MaxAge.
type FileRotator struct {
	config *Config
	now    func() time.Time

	mu       sync.Mutex
	file     *os.File
	size     int64
	lastTime time.Time

	housekeeping sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{config: cfg, now: time.Now}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) openFile() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	r.lastTime = r.now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}
	if r.shouldRotate(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) shouldRotate(writeSize int64) bool {
	if r.size == 0 {
		return false
	}
	if r.config.MaxSize > 0 && r.size+writeSize > r.config.MaxSize*1024*1024 {
		return true
	}
	now := r.now()
	return now.YearDay() != r.lastTime.YearDay() || now.Year() != r.lastTime.Year()
}

func (r *FileRotator) parts() (dir, name, ext string) {
	base := filepath.Base(r.config.FilePath)
	ext = filepath.Ext(base)
	return filepath.Dir(r.config.FilePath), strings.TrimSuffix(base, ext), ext
}

func (r *FileRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
		r.file = nil
	}

	dir, name, ext := r.parts()
	rotated := filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, r.now().Format("20060102-150405.000"), ext))
	if err := os.Rename(r.config.FilePath, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.openFile(); err != nil {
		return err
	}

	r.housekeeping.Add(1)
	go func() {
		defer r.housekeeping.Done()
		if r.config.Compress {
			compressFile(rotated)
		}
		r.cleanup()
	}()
	return nil
}

// compressFile replaces path with path.gz. The original is kept if
// compression fails.
func compressFile(path string) {
	input, err := os.Open(path)
	if err != nil {
		return
	}
	defer input.Close()

	output, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer output.Close()

	gz := gzip.NewWriter(output)
	gz.Name = filepath.Base(path)
	gz.ModTime = time.Now()

	if _, err := io.Copy(gz, input); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

func (r *FileRotator) rotatedFiles() ([]string, error) {
	dir, name, ext := r.parts()
	return filepath.Glob(filepath.Join(dir, name+"-*"+ext+"*"))
}

// cleanup removes rotated files beyond MaxBackups and older than MaxAge.
func (r *FileRotator) cleanup() {
	matches, err := r.rotatedFiles()
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: match, modTime: info.ModTime()})
	}
	slices.SortFunc(files, func(a, b fileInfo) int {
		return a.modTime.Compare(b.modTime)
	})

	if r.config.MaxBackups > 0 && len(files) > r.config.MaxBackups {
		excess := len(files) - r.config.MaxBackups
		for _, f := range files[:excess] {
			os.Remove(f.path)
		}
		files = files[excess:]
	}
	if r.config.MaxAge > 0 {
		cutoff := r.now().AddDate(0, 0, -r.config.MaxAge)
		for _, f := range files {
			if f.modTime.Before(cutoff) {
				os.Remove(f.path)
			}
		}
	}
}

// Close waits for pending compression and closes the file.
func (r *FileRotator) Close() error {
	r.housekeeping.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Sync flushes the file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}
