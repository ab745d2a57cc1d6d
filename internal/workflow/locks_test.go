package workflow

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	locks := newKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("sr_1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
	if locks.size() != 0 {
		t.Fatalf("expected released locks to be dropped, %d left", locks.size())
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	locks := newKeyedMutex()
	unlockA := locks.Lock("sr_a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("sr_b")
		unlock()
		close(done)
	}()
	<-done
}
