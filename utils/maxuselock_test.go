package utils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMaxUseLock(t *testing.T) {
	_, err := NewMaxUseLock(0)
	assert.ErrorIs(t, err, ErrInvalidMax)

	l, err := NewMaxUseLock(3)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Max())
}

func TestThirdAcquireBlocksUntilRelease(t *testing.T) {
	l, _ := NewMaxUseLock(2)
	g1 := l.Acquire()
	g2 := l.Acquire()
	assert.Equal(t, 2, l.Holders())

	acquired := make(chan *MaxUseGuard)
	go func() { acquired <- l.Acquire() }()

	require.Eventually(t, func() bool { return l.Waiting() == 1 }, time.Second, time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("third acquire must block while two guards are held")
	case <-time.After(50 * time.Millisecond):
	}

	g1.Release()
	select {
	case g3 := <-acquired:
		assert.Equal(t, 2, l.Holders())
		g3.Release()
	case <-time.After(time.Second):
		t.Fatal("third acquire not granted after release")
	}
	g2.Release()
	assert.Equal(t, 0, l.Holders())
}

func TestWaitersGrantedInArrivalOrder(t *testing.T) {
	l, _ := NewMaxUseLock(2)
	held := []*MaxUseGuard{l.Acquire(), l.Acquire()}

	const n = 5
	var mu sync.Mutex
	var order []int
	guards := make(chan *MaxUseGuard, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			g := l.Acquire()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			guards <- g
		}()
		// Serialize arrival so the queue order is known.
		require.Eventually(t, func() bool { return l.Waiting() == i+1 }, time.Second, time.Millisecond)
	}

	for i := 0; i < n; i++ {
		if i < len(held) {
			held[i].Release()
		} else {
			(<-guards).Release()
		}
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == i+1
		}, time.Second, time.Millisecond)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestNewcomerDoesNotOvertakeWaiter(t *testing.T) {
	l, _ := NewMaxUseLock(1)
	g := l.Acquire()

	done := make(chan struct{})
	go func() {
		w := l.Acquire()
		w.Release()
		close(done)
	}()
	require.Eventually(t, func() bool { return l.Waiting() == 1 }, time.Second, time.Millisecond)

	_, ok := l.TryAcquire()
	assert.False(t, ok)

	g.Release()
	<-done
	g2, ok := l.TryAcquire()
	assert.True(t, ok)
	g2.Release()
}

func TestAcquireContextCancel(t *testing.T) {
	l, _ := NewMaxUseLock(1)
	g := l.Acquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.AcquireContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, l.Waiting())

	g.Release()
	assert.Equal(t, 0, l.Holders())
}

func TestDoubleReleaseIsHarmless(t *testing.T) {
	l, _ := NewMaxUseLock(1)
	g := l.Acquire()
	g.Release()
	g.Release()
	assert.Equal(t, 0, l.Holders())

	var nilGuard *MaxUseGuard
	assert.NotPanics(t, nilGuard.Release)
}

func TestConcurrentBound(t *testing.T) {
	l, _ := NewMaxUseLock(3)
	var mu sync.Mutex
	cur, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := l.Acquire()
			defer g.Release()
			mu.Lock()
			cur++
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			cur--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, 3)
	assert.Equal(t, 0, l.Holders())
}
