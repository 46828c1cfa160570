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

package core

import "time"

// EventType tags an Event.
type EventType string

const (
	EventPhase  EventType = "phase"
	EventSample EventType = "sample"
	EventResult EventType = "result"
	EventError  EventType = "error"
)

// Event is pushed to observers during a run. Phase is set on every event; Sample only on
// EventSample, Result only on EventResult and Err only on EventError.
type Event struct {
	Type   EventType   `json:"type"`
	RunID  string      `json:"run_id"`
	Time   time.Time   `json:"time"`
	Phase  Phase       `json:"phase"`
	Sample *RateSample `json:"sample,omitempty"`
	Result *RunResult  `json:"result,omitempty"`
	Err    error       `json:"-"`
	// Message is Err rendered for serialized consumers.
	Message string `json:"error,omitempty"`
}

// Observer receives run events. Calls for one run are made in order; OnSample may be called
// from a sampler goroutine and must return quickly.
type Observer interface {
	OnPhase(runID string, phase Phase)
	OnSample(runID string, phase Phase, sample RateSample)
	OnResult(result *RunResult)
	OnError(runID string, phase Phase, err error)
}

// ObserverFunc adapts a single event handler to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnPhase(runID string, phase Phase) {
	f(Event{Type: EventPhase, RunID: runID, Time: time.Now(), Phase: phase})
}

func (f ObserverFunc) OnSample(runID string, phase Phase, sample RateSample) {
	f(Event{Type: EventSample, RunID: runID, Time: sample.Timestamp, Phase: phase, Sample: &sample})
}

func (f ObserverFunc) OnResult(result *RunResult) {
	f(Event{Type: EventResult, RunID: result.RunID, Time: time.Now(), Phase: PhaseComplete, Result: result})
}

func (f ObserverFunc) OnError(runID string, phase Phase, err error) {
	f(Event{Type: EventError, RunID: runID, Time: time.Now(), Phase: phase, Err: err, Message: err.Error()})
}

// dispatch routes e to the matching Observer method.
func dispatch(o Observer, e Event) {
	switch e.Type {
	case EventPhase:
		o.OnPhase(e.RunID, e.Phase)
	case EventSample:
		if e.Sample != nil {
			o.OnSample(e.RunID, e.Phase, *e.Sample)
		}
	case EventResult:
		if e.Result != nil {
			o.OnResult(e.Result)
		}
	case EventError:
		o.OnError(e.RunID, e.Phase, e.Err)
	}
}
