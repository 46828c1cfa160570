package core

import (
	"sync"
	"testing"
)

func TestTransferCounterConcurrentAdds(t *testing.T) {
	t.Parallel()

	const (
		workers  = 16
		adds     = 1000
		unitSize = 4096
	)
	var c TransferCounter
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < adds; j++ {
				c.Add(unitSize)
			}
		}()
	}
	wg.Wait()

	if got, want := c.Load(), int64(workers*adds*unitSize); got != want {
		t.Fatalf("counter = %d, want %d", got, want)
	}
}

func TestTransferCounterIgnoresNonPositive(t *testing.T) {
	t.Parallel()

	var c TransferCounter
	c.Add(10)
	if got := c.Add(-5); got != 10 {
		t.Fatalf("Add(-5) = %d, want 10", got)
	}
	c.Add(0)
	if c.Load() != 10 {
		t.Fatalf("counter decreased to %d", c.Load())
	}
	c.Reset()
	if c.Load() != 0 {
		t.Fatalf("Reset left %d", c.Load())
	}
}
