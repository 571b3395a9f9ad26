// Package monitor samples the frame rate and reader backlog of streams.
// Each watched stream runs in a worker of a shared ants pool, holds its own
// semaphore and measures the time between posts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logger "github.com/moontrade/log"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/moontrade/imstream/config"
	"github.com/moontrade/imstream/pkg/counter"
	"github.com/moontrade/imstream/pkg/timex"
	"github.com/moontrade/imstream/pkg/util"
	"github.com/moontrade/imstream/stream"
)

var ErrClosed = errors.New("monitor: closed")

// Sample is one reporting interval of one stream.
type Sample struct {
	Name    string
	Time    time.Time
	Counter uint64
	// Frames is the counter advance over the interval.
	Frames uint64
	FPS    float64
	// Posts is how many posts the watcher consumed. Fewer posts than
	// frames means the writer skipped notifications.
	Posts        int
	MeanInterval time.Duration
	MaxInterval  time.Duration
	Writing      bool
	Pending      int
	Elapsed      time.Duration
	// Err is set on the final sample of a stream that stopped.
	Err error
}

type Options struct {
	Interval time.Duration
	Workers  int
	// OnSample receives every sample from the watcher goroutines.
	OnSample func(Sample)
	Logger   *zerolog.Logger
}

type Stats struct {
	Watches  counter.Counter
	Samples  counter.Counter
	Stopped  counter.Counter
	Panics   counter.Counter
	SampleNs counter.TimeCounter
}

type Monitor struct {
	m        *stream.Manager
	interval time.Duration
	onSample func(Sample)
	log      zerolog.Logger
	pool     *ants.Pool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	watchers map[string]*watcher
	last     map[string]Sample
	stats    Stats
	closed   bool
}

type watcher struct {
	name   string
	h      *stream.Handle
	cancel context.CancelFunc
}

func New(m *stream.Manager, opts Options) (*Monitor, error) {
	if opts.Interval <= 0 {
		opts.Interval = config.MonitorInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = config.MonitorWorkers
	}
	pool, err := ants.NewPool(opts.Workers, ants.WithNonblocking(true), ants.WithPanicHandler(func(e interface{}) {
		logger.Error(util.PanicToError(e), "monitor watcher panic")
	}))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	mon := &Monitor{
		m:        m,
		interval: opts.Interval,
		onSample: opts.OnSample,
		log:      m.Logger(),
		pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]*watcher),
		last:     make(map[string]Sample),
	}
	if opts.Logger != nil {
		mon.log = *opts.Logger
	}
	return mon, nil
}

func (mon *Monitor) Stats() *Stats { return &mon.stats }

// Watch starts sampling the named stream.
func (mon *Monitor) Watch(name string) error {
	name, err := mon.m.Normalize(name)
	if err != nil {
		return err
	}
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.closed {
		return ErrClosed
	}
	if _, ok := mon.watchers[name]; ok {
		return fmt.Errorf("%w: already watching %s", stream.ErrAlreadyExists, name)
	}
	h, err := mon.m.Attach(name)
	if err != nil {
		return err
	}
	if _, err = h.Slot(); err != nil {
		_ = h.Close()
		return err
	}
	ctx, cancel := context.WithCancel(mon.ctx)
	w := &watcher{name: name, h: h, cancel: cancel}
	mon.wg.Add(1)
	err = mon.pool.Submit(func() {
		defer mon.wg.Done()
		mon.run(ctx, w)
	})
	if err != nil {
		mon.wg.Done()
		cancel()
		_ = h.Close()
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("%w: %d streams watched", stream.ErrResourceExhausted, mon.pool.Cap())
		}
		return err
	}
	mon.watchers[name] = w
	mon.stats.Watches.Incr()
	return nil
}

// Unwatch stops sampling the named stream.
func (mon *Monitor) Unwatch(name string) error {
	name, err := mon.m.Normalize(name)
	if err != nil {
		return err
	}
	mon.mu.Lock()
	w, ok := mon.watchers[name]
	mon.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: not watching %s", stream.ErrNotFound, name)
	}
	w.cancel()
	return nil
}

// Watching lists the streams with a running watcher.
func (mon *Monitor) Watching() []string {
	mon.mu.Lock()
	names := make([]string, 0, len(mon.watchers))
	for name := range mon.watchers {
		names = append(names, name)
	}
	mon.mu.Unlock()
	sort.Strings(names)
	return names
}

// Snapshot returns the latest sample of every stream seen, by name.
func (mon *Monitor) Snapshot() []Sample {
	mon.mu.Lock()
	out := make([]Sample, 0, len(mon.last))
	for _, s := range mon.last {
		out = append(out, s)
	}
	mon.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every watcher and releases the pool.
func (mon *Monitor) Close() error {
	mon.mu.Lock()
	if mon.closed {
		mon.mu.Unlock()
		return ErrClosed
	}
	mon.closed = true
	mon.mu.Unlock()
	mon.cancel()
	mon.wg.Wait()
	mon.pool.Release()
	return nil
}

func (mon *Monitor) run(ctx context.Context, w *watcher) {
	var stopErr error
	defer func() {
		if e := recover(); e != nil {
			mon.stats.Panics.Incr()
			stopErr = util.PanicToError(e)
			logger.WarnErr(stopErr, "monitor watcher "+w.name)
		}
		_ = w.h.Close()
		mon.stats.Stopped.Incr()
		mon.mu.Lock()
		if mon.watchers[w.name] == w {
			delete(mon.watchers, w.name)
		}
		mon.mu.Unlock()
	}()

	var (
		h     = w.h
		start = timex.NanoTime()
		last  = start
		prev  = h.Counter()
		posts int
		sum   int64
		worst int64
	)
	for {
		remaining := mon.interval - time.Duration(timex.NanoTime()-start)
		if remaining > 0 {
			err := h.Wait(ctx, remaining)
			switch {
			case err == nil:
				now := timex.NanoTime()
				d := now - last
				last = now
				posts++
				sum += d
				if d > worst {
					worst = d
				}
				continue
			case errors.Is(err, stream.ErrTimedOut):
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return
			default:
				stopErr = err
			}
		}

		now := timex.NanoTime()
		elapsed := time.Duration(now - start)
		c := h.Counter()
		s := Sample{
			Name:        w.name,
			Time:        time.Now(),
			Counter:     c,
			Posts:       posts,
			MaxInterval: time.Duration(worst),
			Pending:     h.Pending(),
			Elapsed:     elapsed,
			Err:         stopErr,
		}
		if c >= prev {
			s.Frames = c - prev
		}
		if elapsed > 0 {
			s.FPS = float64(s.Frames) / elapsed.Seconds()
		}
		if posts > 0 {
			s.MeanInterval = time.Duration(sum / int64(posts))
		}
		if stopErr == nil {
			s.Writing = h.Metadata().Writing
		}
		mon.emit(s)
		if stopErr != nil {
			return
		}
		prev, start, posts, sum, worst = c, now, 0, 0, 0
	}
}

func (mon *Monitor) emit(s Sample) {
	sw := timex.NewStopWatch()
	mon.mu.Lock()
	mon.last[s.Name] = s
	mon.mu.Unlock()
	mon.stats.Samples.Incr()

	if s.Err != nil {
		mon.log.Warn().Err(s.Err).Str("name", s.Name).Uint64("counter", s.Counter).Msg("stream stopped")
	} else {
		mon.log.Debug().
			Str("name", s.Name).
			Uint64("counter", s.Counter).
			Uint64("frames", s.Frames).
			Float64("fps", s.FPS).
			Int("posts", s.Posts).
			Dur("mean", s.MeanInterval).
			Dur("max", s.MaxInterval).
			Int("pending", s.Pending).
			Msg("stream sample")
	}
	if fn := mon.onSample; fn != nil {
		func() {
			defer func() {
				if e := recover(); e != nil {
					mon.stats.Panics.Incr()
					logger.WarnErr(util.PanicToError(e), "monitor OnSample panic")
				}
			}()
			fn(s)
		}()
	}
	mon.stats.SampleNs.Since(&sw)
}
