package io

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBufferedFileWriteAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.txt")
	bf, err := NewBufferedFile(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("NewBufferedFile: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := bf.Write([]byte("line\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := bf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bf.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "line\nline\nline\n" {
		t.Fatalf("unexpected content %q", data)
	}
	if got := bf.Stats().BytesWritten.Load(); got != 15 {
		t.Errorf("BytesWritten = %d, want 15", got)
	}
	if got := bf.Stats().WriteCount.Load(); got != 3 {
		t.Errorf("WriteCount = %d, want 3", got)
	}
}

func TestBufferedFileWriteAfterClose(t *testing.T) {
	bf, err := NewBufferedFile(context.Background(), filepath.Join(t.TempDir(), "x"), nil)
	if err != nil {
		t.Fatalf("NewBufferedFile: %v", err)
	}
	bf.Close()

	if _, err := bf.Write([]byte("x")); !errors.Is(err, ErrBufferClosed) {
		t.Fatalf("Write after close = %v, want ErrBufferClosed", err)
	}
	if err := bf.Flush(); !errors.Is(err, ErrBufferClosed) {
		t.Fatalf("Flush after close = %v, want ErrBufferClosed", err)
	}
}

func TestBufferedFileFlushMakesDataVisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flush.txt")
	opts := DefaultBufferedFileOptions()
	opts.FlushInterval = time.Hour
	bf, err := NewBufferedFile(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("NewBufferedFile: %v", err)
	}
	defer bf.Close()

	bf.Write([]byte("pending"))
	if data, _ := os.ReadFile(path); len(data) != 0 {
		t.Fatalf("data visible before flush: %q", data)
	}
	if err := bf.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "pending" {
		t.Fatalf("after flush got %q", data)
	}
	if bf.Stats().FlushCount.Load() < 1 {
		t.Error("FlushCount not incremented")
	}
}

func TestBufferedFileBackgroundFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.txt")
	opts := DefaultBufferedFileOptions()
	opts.FlushInterval = 10 * time.Millisecond
	bf, err := NewBufferedFile(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("NewBufferedFile: %v", err)
	}
	defer bf.Close()

	bf.Write([]byte("tick"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, _ := os.ReadFile(path); string(data) == "tick" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background flusher never wrote the data")
}

func TestBufferedFileCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.gz")
	opts := DefaultBufferedFileOptions()
	opts.Compressed = true
	bf, err := NewBufferedFile(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("NewBufferedFile: %v", err)
	}
	payload := bytes.Repeat([]byte("abc"), 1000)
	bf.Write(payload)
	if err := bf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("decompressed %d bytes, want %d", len(got), len(payload))
	}
}
