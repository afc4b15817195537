package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Placeholder 是目录占位文件，清理时永远保留。
const Placeholder = ".gitkeep"

// Store 负责派生图目录的读写。磁盘布局为扁平结构：
//
//	<CacheDir>/<key>      # 编码后的图片
//	<CacheDir>/.gitkeep   # 占位文件
//
// 文件的 ModTime/Size 由文件系统提供，不额外维护元数据。
type Store interface {
	// Stat 返回条目信息而不打开文件。若不存在则返回 ErrNotFound。
	Stat(ctx context.Context, key string) (*Entry, error)

	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key string) (*ReadResult, error)

	// Put 写入条目。实现需通过临时文件 + rename 保证写入原子性，
	// 失败时清理临时文件，任何时刻都不会暴露半写入的文件。
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，不存在时视为成功。
	Remove(ctx context.Context, key string) error

	// Clear 在目录写锁下删除除占位文件外的全部文件。
	Clear(ctx context.Context) (ClearReport, error)

	// List 返回当前全部条目，按文件名排序。
	List(ctx context.Context) ([]Entry, error)

	// Dir 返回缓存目录的绝对路径。
	Dir() string
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Entry 描述一个磁盘上的派生图。
type Entry struct {
	Key       string    `json:"key"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，便于 HTTP 层直接流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ClearReport 记录一次清理的结果；Failed 中的文件删除失败但不会中断清理。
type ClearReport struct {
	Deleted int
	Failed  []string
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidKey 表示 key 不是合法的单层文件名。
	ErrInvalidKey = errors.New("invalid cache key")
)
