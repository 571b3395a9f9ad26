package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/moontrade/imstream/config"
	"github.com/moontrade/imstream/pkg/counter"
	"github.com/moontrade/imstream/pkg/timex"
	"github.com/moontrade/imstream/stream"
)

type SenderOptions struct {
	// Poll bounds each wait for a new frame so cancellation is noticed.
	Poll        time.Duration
	DialTimeout time.Duration
	Logger      *zerolog.Logger
}

type SenderStats struct {
	Packets  counter.Counter
	Bytes    counter.Counter
	SendsDur counter.TimeCounter
	Idle     counter.Counter
}

// Sender publishes the frames of one stream to a Receiver.
type Sender struct {
	h       *stream.Handle
	conn    net.Conn
	session uuid.UUID
	poll    time.Duration
	log     zerolog.Logger
	mu      sync.Mutex
	seq     uint64
	buf     []byte
	stats   SenderStats
}

// Dial connects to a receiver at addr and prepares to forward h.
func Dial(ctx context.Context, addr string, h *stream.Handle, opts SenderOptions) (*Sender, error) {
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = config.BridgeDialTimeout
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Sender{
		h:       h,
		conn:    conn,
		session: uuid.New(),
		poll:    opts.Poll,
		log:     zerolog.Nop(),
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	s.log = s.log.With().Str("stream", h.Name()).Str("session", s.session.String()).Logger()
	s.log.Info().Str("addr", addr).Msg("bridge connected")
	return s, nil
}

func (s *Sender) Session() uuid.UUID  { return s.session }
func (s *Sender) Stats() *SenderStats { return &s.stats }

// Send writes one raw frame with the stream's current keywords.
func (s *Sender) Send(f stream.Frame) error {
	kws, err := s.h.Keywords()
	if err != nil {
		return err
	}
	sw := timex.NewStopWatch()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	hdr := Header{
		Session:  s.session.String(),
		Seq:      s.seq,
		Name:     s.h.Name(),
		DType:    f.DType.Code(),
		Shape:    f.Shape,
		Symcode:  s.h.Symcode(),
		Counter:  f.Counter,
		Sent:     timex.UnixNano(),
		Keywords: keywordsOf(kws),
	}
	s.buf, err = AppendPacket(s.buf[:0], &hdr, f.Data)
	if err != nil {
		return err
	}
	if _, err = s.conn.Write(s.buf); err != nil {
		return err
	}
	s.stats.Packets.Incr()
	s.stats.Bytes.Add(int64(len(s.buf)))
	s.stats.SendsDur.Since(&sw)
	return nil
}

// Run forwards every new frame until ctx is done or the stream or the
// connection fails. Posts pending before Run are discarded.
func (s *Sender) Run(ctx context.Context) error {
	flush := true
	for {
		f, err := s.h.GetData(ctx, stream.ReadOptions{Wait: s.poll, Flush: flush})
		flush = false
		switch {
		case err == nil:
		case errors.Is(err, stream.ErrTimedOut):
			s.stats.Idle.Incr()
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return err
		}
		if err = s.Send(f); err != nil {
			return err
		}
	}
}

// Close closes the connection. The stream handle stays open.
func (s *Sender) Close() error {
	return s.conn.Close()
}
