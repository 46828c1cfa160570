package main

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
	"fmt"
	"io"
	"sync"

	"github.com/x-stp/rxspeed/internal/core"
	"github.com/x-stp/rxspeed/internal/util"
)

const (
	defaultGaugeMaxMbps = 100
	gaugeWidth          = 30
)

// progressPrinter redraws a single status line per phase with the latest rate sample.
type progressPrinter struct {
	mu       sync.Mutex
	w        io.Writer
	gaugeMax float64
	open     bool // a status line is on screen without its newline
}

func newProgressPrinter(w io.Writer, gaugeMax float64) *progressPrinter {
	if gaugeMax <= 0 {
		gaugeMax = defaultGaugeMaxMbps
	}
	return &progressPrinter{w: w, gaugeMax: gaugeMax}
}

// Observer adapts the printer to run events.
func (p *progressPrinter) Observer() core.Observer {
	return core.ObserverFunc(p.observe)
}

// sampler adapts the printer to a single throughput phase.
func (p *progressPrinter) sampler(phase core.Phase) core.SampleFunc {
	return func(s core.RateSample) {
		p.drawSample(phase, s)
	}
}

func (p *progressPrinter) observe(e core.Event) {
	switch e.Type {
	case core.EventPhase:
		p.mu.Lock()
		p.endLineLocked()
		if e.Phase == core.PhaseLatency {
			fmt.Fprintln(p.w, "Measuring latency...")
		}
		p.mu.Unlock()
	case core.EventSample:
		if e.Sample != nil {
			p.drawSample(e.Phase, *e.Sample)
		}
	case core.EventResult, core.EventError:
		p.done()
	}
}

func (p *progressPrinter) drawSample(phase core.Phase, s core.RateSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mark := ""
	if s.Simulated {
		mark = " (simulated)"
	}
	fmt.Fprintf(p.w, "\r%-9s %s %12s%-12s", phase, util.Gauge(s.Mbps, p.gaugeMax, gaugeWidth), util.FormatMbps(s.Mbps), mark)
	p.open = true
}

// done terminates the current status line.
func (p *progressPrinter) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLineLocked()
}

func (p *progressPrinter) endLineLocked() {
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}
