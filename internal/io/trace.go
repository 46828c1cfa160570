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
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"sync"

	"github.com/x-stp/rxspeed/internal/core"
)

// traceHeader is the first row of every trace.
var traceHeader = []string{"run_id", "phase", "elapsed_ms", "mbps", "simulated", "reset"}

// TraceWriter records every rate sample of a run as one CSV row.
type TraceWriter struct {
	mu   sync.Mutex
	file *BufferedFile
	csv  *csv.Writer
	rows int64
	err  error
}

// NewTraceWriter creates path and writes the header row. A ".gz" suffix is not added
// automatically; set compressed to gzip the output.
func NewTraceWriter(ctx context.Context, path string, compressed bool) (*TraceWriter, error) {
	opts := DefaultBufferedFileOptions()
	opts.Compressed = compressed
	f, err := NewBufferedFile(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	w := &TraceWriter{file: f, csv: csv.NewWriter(f)}
	if err := w.csv.Write(traceHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	return w, nil
}

// Observer returns the core.Observer that feeds this trace.
func (w *TraceWriter) Observer() core.Observer {
	return core.ObserverFunc(w.observe)
}

func (w *TraceWriter) observe(e core.Event) {
	if e.Type != core.EventSample || e.Sample == nil {
		return
	}
	s := e.Sample
	row := []string{
		e.RunID,
		e.Phase.String(),
		strconv.FormatFloat(float64(s.Elapsed.Microseconds())/1000, 'f', 3, 64),
		strconv.FormatFloat(s.Mbps, 'f', 3, 64),
		strconv.FormatBool(s.Simulated),
		strconv.FormatBool(s.Reset),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	if err := w.csv.Write(row); err != nil {
		w.err = err
		return
	}
	w.rows++
	// Hand the row to the buffered file so its flusher can persist it.
	w.csv.Flush()
	w.err = w.csv.Error()
}

// Rows returns how many sample rows were written.
func (w *TraceWriter) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Path returns the trace file's path.
func (w *TraceWriter) Path() string {
	return w.file.Path()
}

// Close flushes and closes the trace, returning the first write error if any.
func (w *TraceWriter) Close() error {
	w.mu.Lock()
	w.csv.Flush()
	if w.err == nil {
		w.err = w.csv.Error()
	}
	err := w.err
	w.mu.Unlock()

	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
