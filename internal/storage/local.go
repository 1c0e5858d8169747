// Package storage はアップロードを書き出すスクラッチストレージを提供します。
//
// ファイルは固定長バッファで少しずつ書き込まれるため、メモリ使用量は文書サイズに依存しません。
// Cleanup は成功/失敗どちらの経路からも無条件に呼べます（二重削除や存在しないファイルは無視）。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	filePrefix        = "docstream-"
	defaultBufferSize = 1024 * 1024
)

// ErrTooLarge はアップロードがサイズ上限を超えたことを表します。
var ErrTooLarge = errors.New("upload exceeds the size limit")

// Local はローカルディスク上のスクラッチストレージです。
type Local struct {
	dir        string
	bufferSize int
	maxSize    int64
	logger     *zap.Logger
}

// NewLocal はディレクトリを作成して Local を返します。maxSize が0以下の場合は無制限です。
func NewLocal(dir string, bufferSize int, maxSize int64, logger *zap.Logger) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		dir:        dir,
		bufferSize: bufferSize,
		maxSize:    maxSize,
		logger:     logger,
	}, nil
}

// Dir はスクラッチディレクトリのパスを返します。
func (l *Local) Dir() string {
	return l.dir
}

// Create は追記用の新しいスクラッチファイルを作成します。
func (l *Local) Create(label string) (*File, error) {
	f, err := os.CreateTemp(l.dir, filePrefix+sanitize(label)+"-*.upload")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	return &File{
		f:       f,
		path:    f.Name(),
		maxSize: l.maxSize,
		buf:     make([]byte, l.bufferSize),
	}, nil
}

// Reserve は空のスクラッチファイルを作成してパスを返します。書き込みは呼び出し側が行います。
func (l *Local) Reserve(label, ext string) (string, error) {
	f, err := os.CreateTemp(l.dir, filePrefix+sanitize(label)+"-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to reserve scratch file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		l.Cleanup(path)
		return "", fmt.Errorf("failed to reserve scratch file: %w", err)
	}
	return path, nil
}

// Persist はストリーム全体をスクラッチファイルに書き出してパスを返します。
func (l *Local) Persist(ctx context.Context, r io.Reader) (string, error) {
	file, err := l.Create("persist")
	if err != nil {
		return "", err
	}
	if _, err := file.Append(ctx, r); err != nil {
		_ = file.Close()
		l.Cleanup(file.Path())
		return "", err
	}
	if err := file.Close(); err != nil {
		l.Cleanup(file.Path())
		return "", fmt.Errorf("failed to close scratch file: %w", err)
	}
	return file.Path(), nil
}

// Cleanup はファイルを削除します。エラーは返さず、想定外の失敗のみログに残します。
func (l *Local) Cleanup(path string) {
	if path == "" {
		return
	}
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return
	}
	l.logger.Warn("failed to remove scratch file", zap.String("path", path), zap.Error(err))
}

// SweepStale は olderThan より古いスクラッチファイルを削除し、削除件数を返します。
// 前回プロセスが異常終了した際の取り残しを起動時に片付けるために使います。
func (l *Local) SweepStale(olderThan time.Duration) int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.logger.Warn("failed to list scratch dir", zap.String("dir", l.dir), zap.Error(err))
		return 0
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), filePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("failed to remove stale scratch file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

// File は追記中のスクラッチファイルです。
type File struct {
	f       *os.File
	path    string
	written int64
	maxSize int64
	buf     []byte
	closed  bool
}

// Path はファイルのパスを返します。
func (f *File) Path() string {
	return f.path
}

// Size はこれまでに書き込んだバイト数を返します。
func (f *File) Size() int64 {
	return f.written
}

// Write はサイズ上限を確認しながら書き込みます。
func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.maxSize > 0 && f.written+int64(len(p)) > f.maxSize {
		return 0, fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, f.maxSize)
	}
	n, err := f.f.Write(p)
	f.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write scratch file: %w", err)
	}
	return n, nil
}

// Append は r を EOF まで固定長バッファで読み込み、追記したバイト数を返します。
func (f *File) Append(ctx context.Context, r io.Reader) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, readErr := r.Read(f.buf)
		if n > 0 {
			if _, err := f.Write(f.buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("failed to read upload stream: %w", readErr)
		}
	}
}

// Close はファイルを閉じます。二度目以降の呼び出しは何もしません。
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.f.Close()
}

func sanitize(label string) string {
	if label == "" {
		return "file"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, label)
}
