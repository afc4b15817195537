package render

import (
	"context"
	"errors"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallhub/wallhub/internal/cache"
	"github.com/wallhub/wallhub/internal/errs"
	"github.com/wallhub/wallhub/internal/transform"
)

type fakeSource struct {
	mu    sync.Mutex
	path  string
	err   error
	calls atomic.Int32
}

func (f *fakeSource) GetCurrentPath(ctx context.Context) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path, f.err
}

func (f *fakeSource) setPath(path string) {
	f.mu.Lock()
	f.path = path
	f.mu.Unlock()
}

// sequenceSource 依次返回 paths 中的路径，用完后停在最后一个。
type sequenceSource struct {
	paths []string
	calls atomic.Int32
}

func (s *sequenceSource) GetCurrentPath(ctx context.Context) (string, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.paths) {
		n = len(s.paths) - 1
	}
	return s.paths[n], nil
}

type countingEngine struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (e *countingEngine) Transform(ctx context.Context, sourcePath string, req transform.Request) ([]byte, error) {
	e.calls.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	if e.err != nil {
		return nil, e.err
	}
	return []byte("derived:" + string(req.Format)), nil
}

// countingStore 统计对底层缓存的访问次数。
type countingStore struct {
	cache.Store
	stats atomic.Int32
	puts  atomic.Int32
}

func (s *countingStore) Stat(ctx context.Context, key string) (*cache.Entry, error) {
	s.stats.Add(1)
	return s.Store.Stat(ctx, key)
}

func (s *countingStore) Put(ctx context.Context, key string, body io.Reader, opts cache.PutOptions) (*cache.Entry, error) {
	s.puts.Add(1)
	return s.Store.Put(ctx, key, body, opts)
}

type fixture struct {
	resolver *Resolver
	store    *countingStore
	source   *fakeSource
	engine   *countingEngine
}

func newFixture(t *testing.T, engine *countingEngine) *fixture {
	t.Helper()
	base, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	store := &countingStore{Store: base}
	source := &fakeSource{path: filepath.Join(t.TempDir(), "20240301_UHD.jpg")}
	resolver, err := NewResolver(Options{Store: store, Source: source, Engine: engine, Workers: 2})
	require.NoError(t, err)
	return &fixture{resolver: resolver, store: store, source: source, engine: engine}
}

func TestResolveMissThenHit(t *testing.T) {
	fx := newFixture(t, &countingEngine{})
	req := transform.Request{Width: 800, Height: 600, Format: transform.FormatWebP, Fit: transform.FitCover}

	first, err := fx.resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, cache.Key(800, 600, "cover", "webp"), first.Key)
	assert.Equal(t, "20240301", first.SourceDate)
	assert.EqualValues(t, len("derived:webp"), first.SizeBytes)

	second, err := fx.resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Path, second.Path)

	assert.EqualValues(t, 1, fx.engine.calls.Load(), "命中时不应再次转换")
	assert.EqualValues(t, 1, fx.source.calls.Load(), "命中时不应访问原图")
}

func TestResolveAppliesDefaults(t *testing.T) {
	fx := newFixture(t, &countingEngine{})
	res, err := fx.resolver.Resolve(context.Background(), transform.Request{})
	require.NoError(t, err)
	assert.Equal(t, cache.Key(1920, 1080, "cover", "jpg"), res.Key)
	assert.Equal(t, transform.DefaultFormat, res.Request.Format)
}

func TestResolveRejectsInvalidFormatWithoutIO(t *testing.T) {
	fx := newFixture(t, &countingEngine{})
	_, err := fx.resolver.Resolve(context.Background(), transform.Request{Width: 800, Height: 600, Format: "bmp"})

	var verr *errs.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "format", verr.Field)
	assert.Zero(t, fx.store.stats.Load())
	assert.Zero(t, fx.store.puts.Load())
	assert.Zero(t, fx.source.calls.Load())
	assert.Zero(t, fx.engine.calls.Load())
}

func TestResolveRejectsInvalidFit(t *testing.T) {
	fx := newFixture(t, &countingEngine{})
	_, err := fx.resolver.Resolve(context.Background(), transform.Request{Fit: "stretch"})
	var verr *errs.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Zero(t, fx.store.stats.Load())
}

func TestConcurrentResolveRunsSingleTransform(t *testing.T) {
	engine := &countingEngine{gate: make(chan struct{})}
	fx := newFixture(t, engine)
	req := transform.Request{Width: 640, Height: 480, Format: transform.FormatPNG, Fit: transform.FitContain}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errsOut := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errsOut[i] = fx.resolver.Resolve(context.Background(), req)
		}(i)
	}

	require.Eventually(t, func() bool { return engine.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(engine.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errsOut[i])
		assert.Equal(t, results[0].Path, results[i].Path)
	}
	assert.EqualValues(t, 1, engine.calls.Load())
	assert.EqualValues(t, 1, fx.store.puts.Load())
}

func TestResolveWaiterTimeoutDoesNotCorruptCache(t *testing.T) {
	engine := &countingEngine{gate: make(chan struct{})}
	fx := newFixture(t, engine)
	req := transform.Request{Width: 320, Height: 200, Format: transform.FormatJPG, Fit: transform.FitFill}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := fx.resolver.Resolve(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(engine.gate)
	require.Eventually(t, func() bool { return fx.store.puts.Load() == 1 }, time.Second, 5*time.Millisecond)

	res, err := fx.resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.EqualValues(t, 1, engine.calls.Load())
}

func TestResolvePropagatesSourceFailure(t *testing.T) {
	fx := newFixture(t, &countingEngine{})
	fx.source.err = &errs.FetchError{Op: "metadata", Status: 502}

	_, err := fx.resolver.Resolve(context.Background(), transform.Request{})
	var ferr *errs.FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Zero(t, fx.engine.calls.Load())
	assert.Zero(t, fx.store.puts.Load())
}

func TestResolveEncodeFailureLeavesNoEntry(t *testing.T) {
	engine := &countingEngine{err: &errs.EncodeError{Op: "decode", Err: errors.New("corrupt")}}
	fx := newFixture(t, engine)

	_, err := fx.resolver.Resolve(context.Background(), transform.Request{})
	var eerr *errs.EncodeError
	require.True(t, errors.As(err, &eerr))

	entries, err := fx.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenStreamsDerivative(t *testing.T) {
	fx := newFixture(t, &countingEngine{})
	res, read, err := fx.resolver.Open(context.Background(), transform.Request{Format: transform.FormatAVIF})
	require.NoError(t, err)
	defer read.Reader.Close()

	body, err := io.ReadAll(read.Reader)
	require.NoError(t, err)
	assert.Equal(t, "derived:avif", string(body))
	assert.Equal(t, res.Key, read.Entry.Key)
}

func TestResolveWithRealEngine(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "20240301_UHD.jpg")
	src := imaging.New(3840, 2160, color.NRGBA{R: 40, G: 120, B: 200, A: 255})
	require.NoError(t, imaging.Save(src, sourcePath, imaging.JPEGQuality(80)))

	base, err := cache.NewStore(filepath.Join(dir, "processed"))
	require.NoError(t, err)
	resolver, err := NewResolver(Options{
		Store:   base,
		Source:  &fakeSource{path: sourcePath},
		Engine:  transform.NewEngine(transform.DefaultQuality),
		Workers: 1,
	})
	require.NoError(t, err)

	req := transform.Request{Width: 800, Height: 600, Format: transform.FormatWebP, Fit: transform.FitCover}
	first, err := resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Regexp(t, `^wallpaper_800x600_cover_[0-9a-f]{8}\.webp$`, first.Filename)

	f, err := os.Open(first.Path)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := webp.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Width)
	assert.Equal(t, 600, cfg.Height)

	second, err := resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Path, second.Path)
}

func TestClearDuringTransformDiscardsStaleDerivative(t *testing.T) {
	engine := &countingEngine{gate: make(chan struct{})}
	fx := newFixture(t, engine)
	janitor := NewJanitor(fx.store, fx.resolver, nil)
	req := transform.Request{Width: 1280, Height: 720}

	done := make(chan *Result, 1)
	go func() {
		res, err := fx.resolver.Resolve(context.Background(), req)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return engine.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	deleted, err := janitor.ClearAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)

	fx.source.setPath(filepath.Join(t.TempDir(), "20240302_UHD.jpg"))
	close(engine.gate)

	var first *Result
	select {
	case first = <-done:
	case <-time.After(time.Second):
		t.Fatal("resolve did not finish")
	}
	require.NotNil(t, first)
	assert.False(t, first.Cached)
	assert.Equal(t, "20240302", first.SourceDate, "清空后应基于新原图重算")
	assert.EqualValues(t, 2, engine.calls.Load())

	next, err := fx.resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, next.Cached)
	assert.Equal(t, "20240302", next.SourceDate)
	assert.EqualValues(t, 2, engine.calls.Load())
}

func TestClearAfterTransformForcesRecompute(t *testing.T) {
	engine := &countingEngine{}
	fx := newFixture(t, engine)
	janitor := NewJanitor(fx.store, fx.resolver, nil)
	req := transform.Request{Width: 1280, Height: 720}

	_, err := fx.resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	_, err = janitor.ClearAll(context.Background())
	require.NoError(t, err)

	res, err := fx.resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, engine.calls.Load())
}

func TestResolveRetriesWhenSourceRotatedAway(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "20240302_UHD.jpg")
	src := imaging.New(400, 300, color.NRGBA{R: 200, G: 80, B: 20, A: 255})
	require.NoError(t, imaging.Save(src, current, imaging.JPEGQuality(80)))

	source := &sequenceSource{paths: []string{filepath.Join(dir, "20240301_UHD.jpg"), current}}
	base, err := cache.NewStore(filepath.Join(dir, "processed"))
	require.NoError(t, err)
	resolver, err := NewResolver(Options{
		Store:  base,
		Source: source,
		Engine: transform.NewEngine(transform.DefaultQuality),
	})
	require.NoError(t, err)

	res, err := resolver.Resolve(context.Background(), transform.Request{Width: 200, Height: 150, Format: transform.FormatPNG})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "20240302", res.SourceDate)
	assert.EqualValues(t, 2, source.calls.Load())
}

func TestResolveMissingSourceFailsAfterOneRetry(t *testing.T) {
	dir := t.TempDir()
	source := &sequenceSource{paths: []string{filepath.Join(dir, "20240301_UHD.jpg")}}
	base, err := cache.NewStore(filepath.Join(dir, "processed"))
	require.NoError(t, err)
	resolver, err := NewResolver(Options{
		Store:  base,
		Source: source,
		Engine: transform.NewEngine(transform.DefaultQuality),
	})
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), transform.Request{})
	var ioErr *errs.IOError
	require.True(t, errors.As(err, &ioErr))
	assert.EqualValues(t, 2, source.calls.Load())
}
