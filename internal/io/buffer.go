package io

/*
rxspeed — link quality measurement tool in Go
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBufferSize is the default buffer size for trace output
	DefaultBufferSize = 64 * 1024 // 64KB
	// FlushInterval is how often to flush buffers automatically
	FlushInterval = 2 * time.Second
)

var (
	// ErrBufferClosed is returned when attempting to write to a closed buffer
	ErrBufferClosed = errors.New("write buffer closed")
)

// BufferStats holds counters for a buffer
type BufferStats struct {
	BytesWritten  atomic.Int64
	FlushCount    atomic.Int64
	WriteCount    atomic.Int64
	ErrorCount    atomic.Int64
	LastFlushTime atomic.Int64 // Unix timestamp in nanoseconds
}

// BufferedFile is a buffered, optionally gzip-compressed file that is flushed in the background
// so a crash mid-run still leaves most of the output on disk. It is safe for concurrent use.
type BufferedFile struct {
	// Immutable after creation
	file       *os.File
	gzWriter   *gzip.Writer
	bufWriter  *bufio.Writer
	compressed bool
	path       string

	mu     sync.Mutex
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
	stats  BufferStats
	log    *logrus.Entry
}

// BufferedFileOptions configures a BufferedFile
type BufferedFileOptions struct {
	BufferSize    int
	FlushInterval time.Duration
	Compressed    bool
}

// DefaultBufferedFileOptions returns the default options for BufferedFile
func DefaultBufferedFileOptions() *BufferedFileOptions {
	return &BufferedFileOptions{
		BufferSize:    DefaultBufferSize,
		FlushInterval: FlushInterval,
	}
}

// NewBufferedFile creates path (and its directory) and starts the background flusher,
// which stops when ctx ends or the file is closed.
func NewBufferedFile(ctx context.Context, path string, options *BufferedFileOptions) (*BufferedFile, error) {
	if options == nil {
		options = DefaultBufferedFileOptions()
	}
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultBufferSize
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = FlushInterval
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}

	bufCtx, bufCancel := context.WithCancel(ctx)
	bf := &BufferedFile{
		file:       file,
		compressed: options.Compressed,
		path:       path,
		cancel:     bufCancel,
		done:       make(chan struct{}),
		log:        logrus.WithField("file", path),
	}

	// Set up the writer chain
	if options.Compressed {
		gzw, err := gzip.NewWriterLevel(file, gzip.BestSpeed)
		if err != nil {
			file.Close()
			bufCancel()
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		bf.gzWriter = gzw
		bf.bufWriter = bufio.NewWriterSize(gzw, options.BufferSize)
	} else {
		bf.bufWriter = bufio.NewWriterSize(file, options.BufferSize)
	}

	bf.startBackgroundFlusher(bufCtx, options.FlushInterval)
	return bf, nil
}

// startBackgroundFlusher starts a goroutine that periodically flushes the buffer
func (bf *BufferedFile) startBackgroundFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer close(bf.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := bf.Flush(); err != nil && !errors.Is(err, ErrBufferClosed) {
					bf.log.Warnf("[Trace] background flush failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Path returns the file's path.
func (bf *BufferedFile) Path() string {
	return bf.path
}

// Write writes data to the buffer
func (bf *BufferedFile) Write(data []byte) (int, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.closed {
		return 0, ErrBufferClosed
	}
	n, err := bf.bufWriter.Write(data)
	if err != nil {
		bf.stats.ErrorCount.Add(1)
		return n, fmt.Errorf("failed to write to buffer: %w", err)
	}
	bf.stats.BytesWritten.Add(int64(n))
	bf.stats.WriteCount.Add(1)
	return n, nil
}

// Flush pushes buffered data through the compressor to the file.
func (bf *BufferedFile) Flush() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.closed {
		return ErrBufferClosed
	}
	return bf.flushLocked()
}

func (bf *BufferedFile) flushLocked() error {
	if err := bf.bufWriter.Flush(); err != nil {
		bf.stats.ErrorCount.Add(1)
		return err
	}
	if bf.gzWriter != nil {
		if err := bf.gzWriter.Flush(); err != nil {
			bf.stats.ErrorCount.Add(1)
			return err
		}
	}
	bf.stats.FlushCount.Add(1)
	bf.stats.LastFlushTime.Store(time.Now().UnixNano())
	return nil
}

// Close flushes and closes the file. Calling Close more than once is a no-op.
func (bf *BufferedFile) Close() error {
	bf.mu.Lock()
	if bf.closed {
		bf.mu.Unlock()
		return nil
	}
	bf.closed = true
	bf.mu.Unlock()

	// Stop the background flusher before the final flush.
	bf.cancel()
	<-bf.done

	if err := bf.bufWriter.Flush(); err != nil {
		bf.file.Close()
		return fmt.Errorf("failed to flush buffer on close: %w", err)
	}
	if bf.gzWriter != nil {
		if err := bf.gzWriter.Close(); err != nil {
			bf.file.Close()
			return fmt.Errorf("failed to close gzip writer: %w", err)
		}
	}
	if err := bf.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

// Stats returns the buffer's counters.
func (bf *BufferedFile) Stats() *BufferStats {
	return &bf.stats
}
