package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// NewStore 以 dir 为根目录构建派生图缓存，整个进程复用一份实例。
func NewStore(dir string) (Store, error) {
	if dir == "" {
		return nil, errors.New("cache dir required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// tempPattern 是写入中的临时文件名，隐藏文件不会被当作缓存条目。
const tempPattern = ".cache-*"

// fileStore 通过 entryLock 避免同一 key 并发写入；dirMu 让 Clear 与读写互斥。
type fileStore struct {
	basePath string

	dirMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Dir() string {
	return s.basePath
}

func (s *fileStore) Stat(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	return &Entry{
		Key:       key,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Get(ctx context.Context, key string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	// 打开后即使 Clear 删除了目录项，已打开的句柄仍可读完
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry: Entry{
			Key:       key,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	unlock := s.lockEntry(key)
	defer unlock()

	tempFile, err := os.CreateTemp(s.basePath, tempPattern)
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}

	return &Entry{
		Key:       key,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   modTime,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}

	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	unlock := s.lockEntry(key)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Clear(ctx context.Context) (ClearReport, error) {
	var report ClearReport
	if err := ctx.Err(); err != nil {
		return report, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return report, err
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == Placeholder || entry.IsDir() {
			continue
		}
		path := filepath.Join(s.basePath, name)
		if strings.HasPrefix(name, ".") {
			// 崩溃遗留的临时文件只清理不计数
			_ = os.Remove(path)
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			report.Failed = append(report.Failed, name)
			continue
		}
		report.Deleted++
	}
	return report, nil
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	result := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		result = append(result, Entry{
			Key:       name,
			FilePath:  filepath.Join(s.basePath, name),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// entryPath 只接受单层、非隐藏的文件名，防止越出缓存目录。
func (s *fileStore) entryPath(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") || strings.ContainsAny(key, `/\`) {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.basePath, key), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
