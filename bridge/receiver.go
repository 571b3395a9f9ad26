package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logger "github.com/moontrade/log"
	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"

	"github.com/moontrade/imstream/config"
	"github.com/moontrade/imstream/pkg/counter"
	"github.com/moontrade/imstream/pkg/util"
	"github.com/moontrade/imstream/stream"
)

type ReceiverOptions struct {
	// Addr is host:port to listen on.
	Addr      string
	Multicore bool
	// Rename maps incoming stream names to local ones.
	Rename        map[string]string
	MaxFrameBytes int
	Logger        *zerolog.Logger
}

type ReceiverStats struct {
	Connections    counter.Counter
	Packets        counter.Counter
	Bytes          counter.Counter
	Gaps           counter.Counter
	ChecksumErrors counter.Counter
	ProtocolErrors counter.Counter
	WriteErrors    counter.Counter
	Recreates      counter.Counter
}

// Receiver accepts Sender connections and writes their frames into local
// streams, creating them on the first packet.
type Receiver struct {
	gnet.BuiltinEventEngine

	m         *stream.Manager
	protoAddr string
	multicore bool
	rename    map[string]string
	maxFrame  int
	log       zerolog.Logger
	ready     chan struct{}
	readyOnce sync.Once
	mu        sync.Mutex
	outs      map[string]*output
	stats     ReceiverStats
}

type output struct {
	mu sync.Mutex
	h  *stream.Handle
	// keyword writes are not supported; warn once per stream
	warnedKeywords bool
}

// peer is the per connection decode state.
type peer struct {
	session string
	seq     uint64
	hdr     *Header
	hdrLen  int
}

func NewReceiver(m *stream.Manager, opts ReceiverOptions) *Receiver {
	if opts.Addr == "" {
		opts.Addr = config.BridgeAddr
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = config.BridgeMaxFrame
	}
	r := &Receiver{
		m:         m,
		protoAddr: "tcp://" + opts.Addr,
		multicore: opts.Multicore,
		rename:    opts.Rename,
		maxFrame:  opts.MaxFrameBytes,
		log:       m.Logger(),
		ready:     make(chan struct{}),
		outs:      make(map[string]*output),
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	}
	return r
}

func (r *Receiver) Stats() *ReceiverStats { return &r.stats }

// Ready is closed once the listener is up.
func (r *Receiver) Ready() <-chan struct{} { return r.ready }

// Serve runs the event loops until Stop.
func (r *Receiver) Serve() error {
	return gnet.Run(r, r.protoAddr,
		gnet.WithMulticore(r.multicore),
		gnet.WithReusePort(true),
		gnet.WithTCPKeepAlive(time.Minute),
		gnet.WithLogger(gnetLogger{log: r.log}),
	)
}

// Stop shuts the listener down and closes every output handle.
func (r *Receiver) Stop(ctx context.Context) error {
	err := gnet.Stop(ctx, r.protoAddr)
	r.mu.Lock()
	outs := r.outs
	r.outs = make(map[string]*output)
	r.mu.Unlock()
	for _, o := range outs {
		o.mu.Lock()
		if o.h != nil {
			_ = o.h.Close()
			o.h = nil
		}
		o.mu.Unlock()
	}
	return err
}

// Streams lists the local streams written so far.
func (r *Receiver) Streams() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.outs))
	for name := range r.outs {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

func (r *Receiver) OnBoot(eng gnet.Engine) gnet.Action {
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info().Str("addr", r.protoAddr).Msg("bridge receiver listening")
	return gnet.None
}

func (r *Receiver) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	c.SetContext(&peer{})
	r.stats.Connections.Incr()
	r.log.Debug().Str("remote", c.RemoteAddr().String()).Msg("bridge sender connected")
	return nil, gnet.None
}

func (r *Receiver) OnClose(c gnet.Conn, err error) gnet.Action {
	ev := r.log.Debug()
	if err != nil {
		ev = r.log.Warn().Err(err)
	}
	ev.Str("remote", c.RemoteAddr().String()).Msg("bridge sender disconnected")
	return gnet.None
}

func (r *Receiver) OnTraffic(c gnet.Conn) (action gnet.Action) {
	defer func() {
		if e := recover(); e != nil {
			logger.WarnErr(util.PanicToError(e), "bridge receiver panic")
			action = gnet.Close
		}
	}()
	p, _ := c.Context().(*peer)
	if p == nil {
		return gnet.Close
	}
	for {
		buffered := c.InboundBuffered()
		if p.hdr == nil {
			if buffered < prefixSize {
				return gnet.None
			}
			prefix, err := c.Peek(prefixSize)
			if err != nil {
				return gnet.None
			}
			n, err := headerLength(prefix)
			if err != nil {
				return r.reject(c, err)
			}
			if buffered < prefixSize+n {
				return gnet.None
			}
			b, err := c.Peek(prefixSize + n)
			if err != nil {
				return gnet.None
			}
			h, err := decodeHeader(b[prefixSize:], r.maxFrame)
			if err != nil {
				return r.reject(c, err)
			}
			if _, err = c.Discard(prefixSize + n); err != nil {
				return r.reject(c, err)
			}
			p.hdr, p.hdrLen = h, n
			buffered = c.InboundBuffered()
		}

		h := p.hdr
		if buffered < h.Size {
			return gnet.None
		}
		payload, err := c.Peek(h.Size)
		if err != nil {
			return gnet.None
		}
		if err = verify(h, payload); err != nil {
			r.stats.ChecksumErrors.Incr()
			return r.reject(c, err)
		}
		r.track(p, h)
		if err = r.apply(h, payload); err != nil {
			r.stats.WriteErrors.Incr()
			r.log.Warn().Err(err).Str("stream", h.Name).Uint64("seq", h.Seq).Msg("bridge frame dropped")
		}
		r.stats.Packets.Incr()
		r.stats.Bytes.Add(int64(prefixSize + p.hdrLen + h.Size))
		if _, err = c.Discard(h.Size); err != nil {
			return r.reject(c, err)
		}
		p.hdr, p.hdrLen = nil, 0
	}
}

func (r *Receiver) reject(c gnet.Conn, err error) gnet.Action {
	if !errors.Is(err, ErrChecksum) {
		r.stats.ProtocolErrors.Incr()
	}
	r.log.Warn().Err(err).Str("remote", c.RemoteAddr().String()).Msg("bridge closing connection")
	return gnet.Close
}

// track counts sequence gaps within a sender session.
func (r *Receiver) track(p *peer, h *Header) {
	if h.Session != p.session {
		p.session, p.seq = h.Session, h.Seq
		return
	}
	if h.Seq > p.seq+1 {
		r.stats.Gaps.Add(int64(h.Seq - p.seq - 1))
	}
	p.seq = h.Seq
}

func (r *Receiver) localName(name string) string {
	if to, ok := r.rename[name]; ok && to != "" {
		return to
	}
	return name
}

func (r *Receiver) apply(h *Header, payload []byte) error {
	g, err := h.Geometry()
	if err != nil {
		return err
	}
	name := r.localName(h.Name)
	r.mu.Lock()
	o := r.outs[name]
	if o == nil {
		o = &output{}
		r.outs[name] = o
	}
	r.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	f := stream.Frame{DType: g.DType, Shape: g.Shape, Format: stream.Raw, Data: payload}
	for attempt := 0; attempt < 2; attempt++ {
		if o.h == nil || !o.h.Geometry().Equal(g) {
			if err = r.open(o, name, g, h); err != nil {
				return err
			}
		}
		err = o.h.SetData(f)
		if !errors.Is(err, stream.ErrSegmentGone) {
			break
		}
		_ = o.h.Close()
		o.h = nil
	}
	if err != nil {
		return err
	}
	if kws := keywordMap(h.Keywords); len(kws) > 0 {
		if err = o.h.SetKeywords(kws); err != nil && !o.warnedKeywords {
			o.warnedKeywords = true
			r.log.Warn().Err(err).Str("stream", name).Int("keywords", len(kws)).Msg("bridge keywords not forwarded")
		}
	}
	return nil
}

// open attaches to name, recreating it when its geometry or keyword table
// does not fit the incoming frames.
func (r *Receiver) open(o *output, name string, g stream.Geometry, h *Header) error {
	if o.h != nil {
		_ = o.h.Close()
		o.h = nil
	}
	opts := stream.DefaultOptions()
	opts.Symcode = h.Symcode
	opts.KeywordCapacity = 2 * len(h.Keywords)
	if opts.KeywordCapacity < 5 {
		opts.KeywordCapacity = 5
	}
	out, err := r.m.AttachOrCreate(name, &g, opts)
	if errors.Is(err, stream.ErrShapeMismatch) || errors.Is(err, stream.ErrResourceExhausted) {
		r.stats.Recreates.Incr()
		r.log.Info().Err(err).Str("stream", name).Str("geometry", g.String()).Msg("bridge recreating stream")
		opts.DeleteExisting = true
		out, err = r.m.AttachOrCreate(name, &g, opts)
	}
	if err != nil {
		return fmt.Errorf("bridge output %s: %w", name, err)
	}
	o.h = out
	return nil
}

// gnetLogger routes gnet's internal logs to zerolog.
type gnetLogger struct {
	log zerolog.Logger
}

func (l gnetLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l gnetLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msgf(strings.TrimSpace(format), args...)
}

func (l gnetLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l gnetLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l gnetLogger) Fatalf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}
