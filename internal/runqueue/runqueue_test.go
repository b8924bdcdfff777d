package runqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunQueueConsistency(t *testing.T) {
	var i int32

	var wg sync.WaitGroup
	fn := func() {
		i++
		wg.Done()
	}

	rq := New("test")

	for i := 0; i < 2000; i++ {
		wg.Add(1)
		rq.Post(fn)
		if i%2 == 1 {
			time.Sleep(time.Microsecond)
		}
	}
	wg.Wait()

	require.Equal(t, int32(2000), i)
}

func TestRunQueueOrdering(t *testing.T) {
	rq := New("test")

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		rq.Post(func() { got = append(got, i) })
	}
	rq.Post(func() { close(done) })
	<-done

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestRunQueueSerial(t *testing.T) {
	rq := New("test")

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go rq.Post(func() {
			defer wg.Done()
			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&maxActive) {
				atomic.StoreInt32(&maxActive, n)
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&active, -1)
		})
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestRunQueuePanicRecovered(t *testing.T) {
	rq := New("test")

	done := make(chan struct{})
	rq.Post(func() { panic("boom") })
	rq.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "queue stalled after panic")
	}
}

func TestRunQueueStop(t *testing.T) {
	fn := func() {
		time.Sleep(time.Millisecond * 100)
	}
	rq := New("test")
	rq.Post(fn)

	c := make(chan struct{})
	rq.Stop(func() { close(c) })

	select {
	case <-c:
	case <-time.NewTimer(time.Second).C:
		require.Fail(t, "close channel timeout")
	}

	// Posting after stop is a no-op
	ran := int32(0)
	rq.Post(func() { atomic.StoreInt32(&ran, 1) })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&ran))
}
