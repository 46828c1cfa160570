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

package events

import (
	"sync"
	"testing"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	bus := New[int]()
	var got []string
	bus.Subscribe(func(n int) { got = append(got, "a") })
	bus.Subscribe(func(n int) { got = append(got, "b") })
	bus.Subscribe(func(n int) { got = append(got, "c") })

	bus.Publish(1)
	bus.Publish(2)

	want := []string{"a", "b", "c", "a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := New[string]()
	var calls int
	unsub := bus.Subscribe(func(string) { calls++ })
	keep := 0
	bus.Subscribe(func(string) { keep++ })

	bus.Publish("x")
	unsub()
	unsub()
	bus.Publish("y")

	if calls != 1 {
		t.Fatalf("unsubscribed handler called %d times, want 1", calls)
	}
	if keep != 2 {
		t.Fatalf("remaining handler called %d times, want 2", keep)
	}
	if bus.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", bus.Count())
	}
}

func TestBusUnsubscribeFromHandler(t *testing.T) {
	t.Parallel()

	bus := New[int]()
	var unsub func()
	var calls int
	unsub = bus.Subscribe(func(int) {
		calls++
		unsub()
	})

	bus.Publish(1)
	bus.Publish(2)

	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	t.Parallel()

	bus := New[int]()
	var mu sync.Mutex
	sum := 0
	bus.Subscribe(func(n int) {
		mu.Lock()
		sum += n
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(2)
		}()
	}
	wg.Wait()

	if sum != 100 {
		t.Fatalf("sum = %d, want 100", sum)
	}
}
