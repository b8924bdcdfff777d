package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catimage/internal/cache"
	"catimage/internal/core"
	"catimage/internal/decoder"
	"catimage/internal/fetcher"
	"catimage/internal/memcache"
	"catimage/internal/observability"
	"catimage/internal/targets"
)

// call is one mutation observed on a recordingTarget.
type call struct {
	placeholder bool
	img         *core.Image
}

type recordingTarget struct {
	id    core.TargetID
	mu    sync.Mutex
	calls []call
}

func newTarget(id string) *recordingTarget {
	return &recordingTarget{id: core.TargetID(id)}
}

func (r *recordingTarget) ID() core.TargetID { return r.id }

func (r *recordingTarget) SetImage(img *core.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{img: img})
}

func (r *recordingTarget) SetPlaceholder(img *core.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{placeholder: true, img: img})
}

func (r *recordingTarget) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recordingTarget) images() []*core.Image {
	var out []*core.Image
	for _, c := range r.snapshot() {
		if !c.placeholder {
			out = append(out, c.img)
		}
	}
	return out
}

// countingFetcher serves PNGs of the given size per key, optionally gated.
type countingFetcher struct {
	mu      sync.Mutex
	sizes   map[core.Key]int
	gates   map[core.Key]chan struct{}
	started chan core.Key
	calls   map[core.Key]int
	fail    error
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{
		sizes:   make(map[core.Key]int),
		gates:   make(map[core.Key]chan struct{}),
		calls:   make(map[core.Key]int),
		started: make(chan core.Key, 64),
	}
}

func (f *countingFetcher) Fetch(ctx context.Context, req core.Request) (core.Result, error) {
	f.mu.Lock()
	f.calls[req.Key]++
	gate := f.gates[req.Key]
	size := f.sizes[req.Key]
	fail := f.fail
	f.mu.Unlock()

	select {
	case f.started <- req.Key:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return core.Result{}, ctx.Err()
		}
	}
	if fail != nil {
		return core.Result{}, fail
	}
	if size == 0 {
		size = 64
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, size, size))); err != nil {
		return core.Result{}, err
	}
	return core.Result{Data: buf.Bytes()}, nil
}

func (f *countingFetcher) count(key core.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *countingFetcher) gate(key core.Key) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[key] = ch
	return ch
}

type fixture struct {
	loader  *Loader
	memory  *memcache.Cache
	files   *cache.LocalCache
	fetcher *countingFetcher
}

func newFixture(t *testing.T, maxPixels int64) *fixture {
	t.Helper()

	files, err := cache.NewLocalCache(memfs.New(), "images", 0)
	require.NoError(t, err)

	f := &fixture{
		memory:  memcache.New(1 << 24),
		files:   files,
		fetcher: newCountingFetcher(),
	}

	registry := fetcher.NewRegistry()
	registry.Register(core.KindURL, f.fetcher)
	registry.Register(core.KindAsset, f.fetcher)
	registry.Register(core.KindResource, core.FetcherFunc(func(ctx context.Context, req core.Request) (core.Result, error) {
		return core.Result{Image: core.NewImage(image.NewRGBA(image.Rect(0, 0, req.AuxID, req.AuxID)))}, nil
	}))

	f.loader, err = New(Options{
		Memory:  f.memory,
		Files:   files,
		Fetcher: registry,
		Decoder: decoder.New(70, maxPixels),
		Icons:   fetcher.NewDirIconResolver(memfs.New(), decoder.New(70, 0), nil),
		Workers: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.loader.Stop(ctx)
	})
	return f
}

// drain waits until every queued task has run and the display consumer has
// processed everything posted so far.
func (l *Loader) drain() {
	l.pool.waitIdle()
	done := make(chan struct{})
	l.display.Post(func() { close(done) })
	<-done
}

var placeholder = core.NewImage(image.NewRGBA(image.Rect(0, 0, 1, 1)))

// outcomeRecorder collects display consumer outcomes.
type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeRecorder) hooks() observability.Hooks {
	return observability.Hooks{
		OnDelivery: func(_ core.Kind, outcome string) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.outcomes = append(o.outcomes, outcome)
		},
	}
}

func (o *outcomeRecorder) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, got := range o.outcomes {
		if got == outcome {
			n++
		}
	}
	return n
}

func TestDisplayImage_MissLoadsOnceAndCaches(t *testing.T) {
	f := newFixture(t, 0)
	target := newTarget("t1")

	state := f.loader.DisplayImage("http://x/a.png", 0, core.KindURL, target, placeholder)
	assert.Equal(t, StateQueued, state)
	f.loader.drain()

	calls := target.snapshot()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].placeholder, "placeholder must precede the result")
	assert.Same(t, placeholder, calls[0].img)
	assert.False(t, calls[1].placeholder)
	assert.Equal(t, 64, calls[1].img.Width())

	assert.Equal(t, 1, f.fetcher.count("http://x/a.png"))
	_, err := f.files.Get(context.Background(), "http://x/a.png")
	assert.NoError(t, err, "bytes must be persisted to the file cache")
	_, ok := f.memory.Get("http://x/a.png")
	assert.True(t, ok)

	// A second target asking for the same key is served from memory without a task.
	other := newTarget("t2")
	state = f.loader.DisplayImage("http://x/a.png", 0, core.KindURL, other, placeholder)
	assert.Equal(t, StateMemoryHit, state)
	f.loader.drain()

	otherCalls := other.snapshot()
	require.Len(t, otherCalls, 1)
	assert.False(t, otherCalls[0].placeholder)
	assert.Equal(t, 1, f.fetcher.count("http://x/a.png"))
}

func TestDisplayImage_FileCacheHitSkipsFetch(t *testing.T) {
	f := newFixture(t, 0)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 50, 50))))
	require.NoError(t, f.files.Set(context.Background(), "asset/cat.png", buf.Bytes()))

	target := newTarget("t1")
	f.loader.DisplayImage("asset/cat.png", 0, core.KindAsset, target, placeholder)
	f.loader.drain()

	imgs := target.images()
	require.Len(t, imgs, 1)
	assert.Equal(t, 50, imgs[0].Width())
	assert.Equal(t, 0, f.fetcher.count("asset/cat.png"))
}

func TestDisplayImage_LastRequestWins(t *testing.T) {
	f := newFixture(t, 0)
	f.fetcher.sizes["slow"] = 100
	f.fetcher.sizes["fast"] = 90
	release := f.fetcher.gate("slow")

	target := newTarget("row")
	f.loader.DisplayImage("slow", 0, core.KindURL, target, placeholder)
	require.Equal(t, core.Key("slow"), <-f.fetcher.started)

	f.loader.DisplayImage("fast", 0, core.KindURL, target, placeholder)
	close(release)
	f.loader.drain()

	imgs := target.images()
	require.Len(t, imgs, 1, "the superseded request must never reach the target")
	assert.Equal(t, 90, imgs[0].Width())

	// The slow result is still cached for later requests.
	_, ok := f.memory.Get("slow")
	assert.True(t, ok)
}

func TestDisplayImage_LastRequestWinsWhenOlderFinishesLast(t *testing.T) {
	f := newFixture(t, 0)
	rec := &outcomeRecorder{}
	f.loader.hooks = rec.hooks()
	f.fetcher.sizes["slow"] = 100
	f.fetcher.sizes["fast"] = 90
	release := f.fetcher.gate("slow")

	target := newTarget("row")
	f.loader.DisplayImage("slow", 0, core.KindURL, target, placeholder)
	require.Equal(t, core.Key("slow"), <-f.fetcher.started)

	f.loader.DisplayImage("fast", 0, core.KindURL, target, placeholder)
	require.Eventually(t, func() bool {
		return len(target.images()) == 1
	}, 5*time.Second, time.Millisecond)

	// The older request completes only after the newer one was shown.
	close(release)
	f.loader.drain()

	imgs := target.images()
	require.Len(t, imgs, 1)
	assert.Equal(t, 90, imgs[0].Width())
	assert.Equal(t, 1, rec.count(observability.OutcomeStale))
	assert.Equal(t, 1, rec.count(observability.OutcomeImage))
}

func TestDisplayImage_ReassignedWhileDeliveryQueued(t *testing.T) {
	f := newFixture(t, 0)
	rec := &outcomeRecorder{}
	f.loader.hooks = rec.hooks()
	f.fetcher.sizes["first"] = 100
	f.fetcher.sizes["second"] = 90

	// Hold the display consumer so deliveries pile up behind it.
	entered := make(chan struct{})
	unblock := make(chan struct{})
	f.loader.display.Post(func() {
		close(entered)
		<-unblock
	})
	<-entered

	target := newTarget("row")
	f.loader.DisplayImage("first", 0, core.KindURL, target, placeholder)
	// The task has loaded "first" and posted its delivery.
	f.loader.pool.waitIdle()

	f.loader.DisplayImage("second", 0, core.KindURL, target, placeholder)
	f.loader.pool.waitIdle()

	close(unblock)
	f.loader.drain()

	calls := target.snapshot()
	require.Len(t, calls, 2, "only the second request's placeholder and image are shown")
	assert.True(t, calls[0].placeholder)
	assert.False(t, calls[1].placeholder)
	assert.Equal(t, 90, calls[1].img.Width())
	assert.Equal(t, 1, rec.count(observability.OutcomeStale))
}

func TestDisplayImage_SlotKeyMatchesDeliveredImage(t *testing.T) {
	f := newFixture(t, 0)
	sizes := make(map[core.Key]int)
	keys := make([]core.Key, 8)
	for i := range keys {
		keys[i] = core.Key(fmt.Sprintf("k%d", i))
		sizes[keys[i]] = 80 + i
		f.fetcher.sizes[keys[i]] = 80 + i
	}

	reg := targets.NewRegistry(f.loader.Release)
	for round := 0; round < 20; round++ {
		slot := reg.Acquire("row")

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, key := range keys {
			wg.Add(1)
			go func(key core.Key) {
				defer wg.Done()
				<-start
				f.loader.DisplayImage(key, 0, core.KindURL, slot, placeholder)
			}(key)
		}
		close(start)
		wg.Wait()
		f.loader.drain()

		pending, ok := f.loader.PendingKey("row")
		require.True(t, ok)
		st := slot.Snapshot()
		require.Equal(t, pending, st.Key, "round %d", round)
		require.NotNil(t, st.Image)
		require.False(t, st.Placeholder)
		require.Equal(t, sizes[st.Key], st.Image.Width(), "round %d", round)
	}
}

func TestRelease_ReacquireDuringReleaseKeepsNewRequest(t *testing.T) {
	f := newFixture(t, 0)

	var reg *targets.Registry
	reacquired := make(chan *targets.Slot, 1)
	reg = targets.NewRegistry(func(id core.TargetID) {
		go func() {
			s := reg.Acquire(id)
			f.loader.DisplayImage("k2", 0, core.KindURL, s, placeholder)
			reacquired <- s
		}()
		// Give the concurrent request a chance to overtake the release.
		time.Sleep(20 * time.Millisecond)
		f.loader.Release(id)
	})

	old := reg.Acquire("row")
	f.loader.DisplayImage("k1", 0, core.KindURL, old, placeholder)
	f.loader.drain()

	require.True(t, reg.Release("row"))
	slot := <-reacquired
	f.loader.drain()

	assert.NotSame(t, old, slot)
	key, ok := f.loader.PendingKey("row")
	require.True(t, ok)
	assert.Equal(t, core.Key("k2"), key)

	st := slot.Snapshot()
	assert.Equal(t, core.Key("k2"), st.Key)
	require.NotNil(t, st.Image)
	assert.False(t, st.Placeholder)
}

func TestDisplayImage_ReleaseMakesTaskStale(t *testing.T) {
	f := newFixture(t, 0)
	release := f.fetcher.gate("k")

	target := newTarget("gone")
	f.loader.DisplayImage("k", 0, core.KindURL, target, placeholder)
	<-f.fetcher.started
	f.loader.Release(target.ID())
	close(release)
	f.loader.drain()

	assert.Empty(t, target.images())
	_, ok := f.loader.PendingKey(target.ID())
	assert.False(t, ok)
}

func TestDisplayImage_FailureShowsPlaceholder(t *testing.T) {
	f := newFixture(t, 0)
	f.fetcher.fail = core.NewFetchError(core.KindURL, "bad", "unexpected status 404", nil)

	target := newTarget("t1")
	f.loader.DisplayImage("bad", 0, core.KindURL, target, placeholder)
	f.loader.drain()

	calls := target.snapshot()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.True(t, c.placeholder)
		assert.Same(t, placeholder, c.img)
	}
	_, ok := f.memory.Get("bad")
	assert.False(t, ok)
}

func TestDisplayImage_OutOfMemoryClearsMemoryCache(t *testing.T) {
	f := newFixture(t, 100*100)
	f.memory.Put("warm", core.NewImage(image.NewRGBA(image.Rect(0, 0, 10, 10))))
	f.fetcher.sizes["huge"] = 200

	target := newTarget("t1")
	f.loader.DisplayImage("huge", 0, core.KindURL, target, placeholder)
	f.loader.drain()

	assert.Equal(t, 0, f.memory.Len())
	assert.Empty(t, target.images())
}

func TestDisplayImage_ImageKindBypassesFileCache(t *testing.T) {
	f := newFixture(t, 0)

	target := newTarget("t1")
	f.loader.DisplayImage("res-32", 32, core.KindResource, target, placeholder)
	f.loader.drain()

	imgs := target.images()
	require.Len(t, imgs, 1)
	assert.Equal(t, 32, imgs[0].Width())

	_, count, err := f.files.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDisplayImage_ConcurrentSameKeySharesFetch(t *testing.T) {
	f := newFixture(t, 0)
	release := f.fetcher.gate("shared")

	a, b := newTarget("a"), newTarget("b")
	f.loader.DisplayImage("shared", 0, core.KindURL, a, placeholder)
	<-f.fetcher.started
	f.loader.DisplayImage("shared", 0, core.KindURL, b, placeholder)

	// Let the second task reach the in-flight fetch.
	require.Eventually(t, func() bool {
		_, active := f.loader.pool.stats()
		return active == 2
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	close(release)
	f.loader.drain()

	assert.Equal(t, 1, f.fetcher.count("shared"))
	assert.Len(t, a.images(), 1)
	assert.Len(t, b.images(), 1)
}

func TestClearCache_ForcesRefetch(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	target := newTarget("t1")
	f.loader.DisplayImage("k", 0, core.KindURL, target, placeholder)
	f.loader.drain()
	require.Equal(t, 1, f.fetcher.count("k"))

	require.NoError(t, f.loader.ClearCache(ctx))
	assert.Equal(t, 0, f.memory.Len())
	_, err := f.files.Get(ctx, "k")
	assert.True(t, errors.Is(err, core.ErrNotCached))

	state := f.loader.DisplayImage("k", 0, core.KindURL, target, placeholder)
	assert.Equal(t, StateQueued, state)
	f.loader.drain()
	assert.Equal(t, 2, f.fetcher.count("k"))
}

func TestResolveIcon_UnknownPackage(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.loader.ResolveIcon(context.Background(), "com.example.missing")
	assert.True(t, errors.Is(err, core.ErrPackageNotFound))
}

func TestStop_RejectsNewRequests(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.loader.Stop(ctx))

	f.memory.Put("warm", core.NewImage(image.NewRGBA(image.Rect(0, 0, 10, 10))))

	for _, key := range []core.Key{"late", "warm"} {
		target := newTarget(string(key))
		state := f.loader.DisplayImage(key, 0, core.KindURL, target, placeholder)
		assert.Equal(t, StateRejected, state, key)
		assert.Empty(t, target.snapshot(), key)
	}

	_, _, pending := f.loader.Stats()
	assert.Equal(t, 0, pending, "rejected requests must not leave pending entries")
}

func TestDisplayImage_ManyTargetsNoLostDeliveries(t *testing.T) {
	f := newFixture(t, 0)

	var delivered int32
	recorders := make([]*recordingTarget, 40)
	for i := range recorders {
		recorders[i] = newTarget(string(rune('A' + i)))
		key := core.Key([]string{"k1", "k2", "k3", "k4"}[i%4])
		f.loader.DisplayImage(key, 0, core.KindURL, recorders[i], placeholder)
	}
	f.loader.drain()

	for _, tg := range recorders {
		if len(tg.images()) == 1 {
			atomic.AddInt32(&delivered, 1)
		}
	}
	assert.Equal(t, int32(len(recorders)), delivered)
}
