package eventloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrand_FIFOAndSingleFlight(t *testing.T) {
	loop := New(WithThreads(8))
	defer loop.Stop()

	strand := NewStrand(loop)

	const perPoster = 200
	const posters = 4

	var (
		mu       sync.Mutex
		executed = make(map[int][]int)
		posted   atomic.Int32
		active   atomic.Int32
		overlap  atomic.Bool
		wg       sync.WaitGroup
	)

	for p := 0; p < posters; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPoster; i++ {
				strand.Post(func() {
					if active.Add(1) > 1 {
						overlap.Store(true)
					}
					mu.Lock()
					executed[p] = append(executed[p], i)
					mu.Unlock()
					active.Add(-1)
					posted.Add(1)
				})
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return posted.Load() == posters*perPoster }, 5*time.Second, time.Millisecond)
	assert.False(t, overlap.Load(), "two strand tasks ran concurrently")

	// Per poster, post order is execution order
	mu.Lock()
	defer mu.Unlock()
	for p := 0; p < posters; p++ {
		require.Len(t, executed[p], perPoster)
		for i, v := range executed[p] {
			assert.Equal(t, i, v)
		}
	}
}

func TestStrand_GlobalOrder(t *testing.T) {
	loop := New(WithThreads(4))
	defer loop.Stop()

	strand := NewStrand(loop, WithMaxInARow(3))

	var mu sync.Mutex
	var order []int
	var done atomic.Bool
	for i := 0; i < 500; i++ {
		strand.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	strand.Post(func() { done.Store(true) })

	require.Eventually(t, done.Load, 5*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestStrand_PanicIsContained(t *testing.T) {
	loop := New(WithThreads(2))
	defer loop.Stop()

	strand := NewStrand(loop)
	var after atomic.Bool
	strand.Post(func() { panic("handler failure") })
	strand.Post(func() { after.Store(true) })

	require.Eventually(t, after.Load, 2*time.Second, time.Millisecond)
}

func blockStrand(strand *Strand) (started, unblock chan struct{}) {
	started = make(chan struct{})
	unblock = make(chan struct{})
	strand.Post(func() {
		close(started)
		<-unblock
	})
	return started, unblock
}

func TestStrand_CloseGuaranteeToRun(t *testing.T) {
	loop := New(WithThreads(2))
	defer loop.Stop()

	strand := NewStrand(loop, WithGuaranteeToRun(true))
	started, unblock := blockStrand(strand)
	<-started

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		strand.Post(func() { ran.Add(1) })
	}
	strand.Close()
	strand.Post(func() { ran.Add(100) })
	close(unblock)

	require.Eventually(t, func() bool { return ran.Load() == 10 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(10), ran.Load(), "posts after close must be ignored")
}

func TestStrand_CloseDropsWithoutGuarantee(t *testing.T) {
	loop := New(WithThreads(2))
	defer loop.Stop()

	strand := NewStrand(loop, WithGuaranteeToRun(false))
	started, unblock := blockStrand(strand)
	<-started

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		strand.Post(func() { ran.Add(1) })
	}
	strand.Close()
	close(unblock)

	time.Sleep(50 * time.Millisecond)
	assert.Less(t, ran.Load(), int32(10))
	assert.Equal(t, 0, strand.Len())
}

func TestStrand_Wrap(t *testing.T) {
	loop := New(WithThreads(4))
	defer loop.Stop()

	strand := NewStrand(loop)

	var mu sync.Mutex
	var got []string
	record := WrapFunc(strand, func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	pair := WrapFunc2(strand, func(a string, b int) {
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
	})
	var done atomic.Bool
	finish := strand.Wrap(func() { done.Store(true) })

	record("a")
	pair("b", 1)
	record("c")
	finish()

	require.Eventually(t, done.Load, 2*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestStrand_DifferentStrandsRunConcurrently(t *testing.T) {
	loop := New(WithThreads(2))
	defer loop.Stop()

	a := NewStrand(loop)
	b := NewStrand(loop)

	release := make(chan struct{})
	a.Post(func() { <-release })

	var ran atomic.Bool
	b.Post(func() { ran.Store(true) })
	require.Eventually(t, ran.Load, 2*time.Second, time.Millisecond)
	close(release)
}
