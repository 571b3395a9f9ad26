// Command imstream manages shared-memory image streams.
//
//	imstream create [-kw N] [-zero] [-force] [-delete] NAME TYPE SIZE...
//	imstream setkw NAME KEY VALUE
//	imstream info [NAME...]
//	imstream watch NAME...
//	imstream capture -n N -o out.arrow NAME
//	imstream bridge send -addr HOST:PORT NAME
//	imstream bridge recv -addr :PORT [-rename SRC=DST]
//
// Every command accepts -dir, -config and -v.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/moontrade/imstream/bridge"
	"github.com/moontrade/imstream/config"
	"github.com/moontrade/imstream/export"
	"github.com/moontrade/imstream/monitor"
	"github.com/moontrade/imstream/stream"
)

const usage = `usage: imstream <command> [flags] [args]

commands:
  create   create or attach a stream
  setkw    set a keyword on a stream
  info     show stream metadata and keywords
  watch    report frame rates of streams
  capture  record frames to an Arrow or Parquet file
  bridge   forward streams over TCP (send | recv)
`

type env struct {
	fs      *flag.FlagSet
	dir     string
	cfgPath string
	verbose bool
	cfg     *config.File
	log     zerolog.Logger
	m       *stream.Manager
}

func newEnv(name string) *env {
	e := &env{fs: flag.NewFlagSet(name, flag.ExitOnError)}
	e.fs.StringVar(&e.dir, "dir", "", "segment directory (default $"+config.DirEnv+" or "+config.DefaultDir+")")
	e.fs.StringVar(&e.cfgPath, "config", "", "YAML config file")
	e.fs.BoolVar(&e.verbose, "v", false, "debug logging")
	return e
}

func (e *env) open(args []string) error {
	if err := e.fs.Parse(args); err != nil {
		return err
	}
	level := zerolog.InfoLevel
	if e.verbose {
		level = zerolog.DebugLevel
	}
	e.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()
	if e.cfgPath != "" {
		cfg, err := config.Load(e.cfgPath)
		if err != nil {
			return err
		}
		cfg.Apply()
		e.cfg = cfg
	}
	m, err := stream.NewManager(config.Dir(e.dir, e.cfg), stream.ManagerOptions{Logger: &e.log})
	if err != nil {
		return err
	}
	e.m = m
	return nil
}

func (e *env) close() {
	if e.m != nil {
		_ = e.m.Close()
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "create":
		err = runCreate(args)
	case "setkw":
		err = runSetKeyword(args)
	case "info":
		err = runInfo(args)
	case "watch":
		err = runWatch(ctx, args)
	case "capture":
		err = runCapture(ctx, args)
	case "bridge":
		err = runBridge(ctx, args)
	case "help", "-h", "-help", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "imstream: unknown command %q\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "imstream: %v\n", err)
		if errors.Is(err, stream.ErrUnimplemented) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runCreate(args []string) error {
	e := newEnv("create")
	kw := e.fs.Int("kw", config.KeywordCapacity, "keyword slots")
	zero := e.fs.Bool("zero", false, "zero the buffer")
	force := e.fs.Bool("force", false, "do not reuse an existing stream")
	del := e.fs.Bool("delete", false, "delete an existing stream first")
	sym := e.fs.Int("symcode", stream.DefaultOptions().Symcode, "orientation code 0-7")
	local := e.fs.Bool("local", false, "private to this process (only useful for testing)")
	if err := e.open(args); err != nil {
		return err
	}
	defer e.close()

	if e.fs.NArg() == 0 {
		if e.cfg == nil || len(e.cfg.Streams) == 0 {
			return fmt.Errorf("%w: create NAME TYPE SIZE... or -config with streams", stream.ErrInvalidArgument)
		}
		for _, sc := range e.cfg.Streams {
			if err := createFromConfig(e, sc); err != nil {
				return err
			}
		}
		return nil
	}
	if e.fs.NArg() < 3 {
		return fmt.Errorf("%w: create NAME TYPE SIZE...", stream.ErrInvalidArgument)
	}
	dt, err := stream.ParseDType(e.fs.Arg(1))
	if err != nil {
		return err
	}
	shape, err := parseShape(e.fs.Args()[2:])
	if err != nil {
		return err
	}
	opts := stream.DefaultOptions()
	opts.KeywordCapacity = *kw
	opts.ZeroInit = *zero
	opts.ReuseExisting = !*force
	opts.DeleteExisting = *del
	opts.Symcode = *sym
	opts.Shared = !*local
	return create(e, e.fs.Arg(0), stream.Geometry{DType: dt, Shape: shape}, opts)
}

func createFromConfig(e *env, sc config.StreamConfig) error {
	dt, err := stream.ParseDType(sc.Type)
	if err != nil {
		return fmt.Errorf("stream %s: %w", sc.Name, err)
	}
	opts := stream.DefaultOptions()
	if sc.Keywords != nil {
		opts.KeywordCapacity = *sc.Keywords
	}
	if sc.Symcode != nil {
		opts.Symcode = *sc.Symcode
	}
	if sc.Reuse != nil {
		opts.ReuseExisting = *sc.Reuse
	}
	opts.ZeroInit = sc.ZeroInit
	opts.DeleteExisting = sc.DeleteExisting
	return create(e, sc.Name, stream.Geometry{DType: dt, Shape: sc.Size}, opts)
}

func create(e *env, name string, g stream.Geometry, opts stream.Options) error {
	h, err := e.m.AttachOrCreate(name, &g, opts)
	if err != nil {
		return err
	}
	defer h.Close()
	verb := "attached"
	if h.Owner() {
		verb = "created"
	}
	fmt.Printf("%s %s %s\n", verb, h.Name(), h.Geometry())
	return nil
}

func parseShape(args []string) ([]int, error) {
	shape := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("%w: size %q", stream.ErrInvalidArgument, a)
		}
		shape[i] = n
	}
	return shape, nil
}

func runSetKeyword(args []string) error {
	e := newEnv("setkw")
	if err := e.open(args); err != nil {
		return err
	}
	defer e.close()
	if e.fs.NArg() != 3 {
		return fmt.Errorf("%w: setkw NAME KEY VALUE", stream.ErrInvalidArgument)
	}
	h, err := e.m.Attach(e.fs.Arg(0))
	if err != nil {
		return err
	}
	defer h.Close()
	return h.UpdateKeyword(e.fs.Arg(1), parseValue(e.fs.Arg(2)), "")
}

// parseValue types a CLI keyword value as int64, float64 or string.
func parseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func runInfo(args []string) error {
	e := newEnv("info")
	if err := e.open(args); err != nil {
		return err
	}
	defer e.close()
	names := e.fs.Args()
	if len(names) == 0 {
		all, err := e.m.List()
		if err != nil {
			return err
		}
		names = all
	}
	for _, name := range names {
		h, err := e.m.Attach(name)
		if err != nil {
			return err
		}
		md := h.Metadata()
		kws, _ := h.Keywords()
		_ = h.Close()

		fmt.Printf("%s\n", md.Name)
		fmt.Printf("  path      %s\n", md.Path)
		fmt.Printf("  type      %s\n", md.DType)
		fmt.Printf("  shape     %v (symcode %d)\n", md.Shape, md.Symcode)
		fmt.Printf("  counter   %d\n", md.Counter)
		if !md.LastWrite.IsZero() {
			fmt.Printf("  written   %s\n", md.LastWrite.Format(time.RFC3339Nano))
		}
		fmt.Printf("  created   %s by pid %d\n", md.Created.Format(time.RFC3339), md.OwnerPID)
		fmt.Printf("  keywords  %d/%d\n", len(kws), md.KeywordCapacity)
		for _, k := range kws {
			fmt.Printf("    %-16s %v", k.Name, k.Value())
			if k.Comment != "" {
				fmt.Printf(" / %s", k.Comment)
			}
			fmt.Println()
		}
	}
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	e := newEnv("watch")
	interval := e.fs.Duration("interval", config.MonitorInterval, "sample interval")
	if err := e.open(args); err != nil {
		return err
	}
	defer e.close()
	names := e.fs.Args()
	if len(names) == 0 {
		return fmt.Errorf("%w: watch NAME...", stream.ErrInvalidArgument)
	}
	mon, err := monitor.New(e.m, monitor.Options{
		Interval: *interval,
		OnSample: func(s monitor.Sample) {
			if s.Err != nil {
				fmt.Printf("%-20s stopped: %v\n", s.Name, s.Err)
				return
			}
			fmt.Printf("%-20s cnt %-10d %8.1f Hz  posts %-5d max %-10s pending %d\n",
				s.Name, s.Counter, s.FPS, s.Posts, s.MaxInterval, s.Pending)
		},
	})
	if err != nil {
		return err
	}
	defer mon.Close()
	for _, name := range names {
		if err = mon.Watch(name); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func runCapture(ctx context.Context, args []string) error {
	e := newEnv("capture")
	n := e.fs.Int("n", 100, "frames to capture")
	out := e.fs.String("o", "", "output file (.arrow or .parquet)")
	logical := e.fs.Bool("logical", false, "apply the stream symcode")
	if err := e.open(args); err != nil {
		return err
	}
	defer e.close()
	if e.fs.NArg() != 1 || *out == "" {
		return fmt.Errorf("%w: capture -n N -o FILE NAME", stream.ErrInvalidArgument)
	}
	h, err := e.m.Attach(e.fs.Arg(0))
	if err != nil {
		return err
	}
	defer h.Close()
	opts := stream.RecvOptions{MonitorCount: true}
	if *logical {
		opts.Format = stream.Logical
	}
	b, err := h.MultiRecv(ctx, *n, opts)
	if err != nil && (b == nil || b.Captured == 0) {
		return err
	}
	f, ferr := os.Create(*out)
	if ferr != nil {
		return ferr
	}
	xo := export.Options{Name: h.Name()}
	if strings.HasSuffix(*out, ".parquet") {
		ferr = export.WriteParquet(f, b, xo)
	} else {
		ferr = export.WriteIPC(f, b, xo)
	}
	if cerr := f.Close(); ferr == nil {
		ferr = cerr
	}
	if ferr != nil {
		return ferr
	}
	fmt.Printf("captured %d/%d frames of %s to %s (missed %d)\n", b.Captured, b.Requested, h.Name(), *out, b.Missed)
	return err
}

func runBridge(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: bridge send|recv", stream.ErrInvalidArgument)
	}
	switch args[0] {
	case "send":
		return runBridgeSend(ctx, args[1:])
	case "recv":
		return runBridgeRecv(ctx, args[1:])
	}
	return fmt.Errorf("%w: bridge %s", stream.ErrInvalidArgument, args[0])
}

func runBridgeSend(ctx context.Context, args []string) error {
	e := newEnv("bridge send")
	addr := e.fs.String("addr", "", "receiver host:port")
	if err := e.open(args); err != nil {
		return err
	}
	defer e.close()
	if *addr == "" && e.cfg != nil {
		*addr = e.cfg.Bridge.Forward
	}
	names := e.fs.Args()
	if len(names) == 0 && e.cfg != nil {
		names = e.cfg.Bridge.Streams
	}
	if *addr == "" || len(names) != 1 {
		return fmt.Errorf("%w: bridge send -addr HOST:PORT NAME", stream.ErrInvalidArgument)
	}
	h, err := e.m.Attach(names[0])
	if err != nil {
		return err
	}
	defer h.Close()
	s, err := bridge.Dial(ctx, *addr, h, bridge.SenderOptions{Logger: &e.log})
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Run(ctx)
}

type renames map[string]string

func (r renames) String() string { return fmt.Sprint(map[string]string(r)) }

func (r renames) Set(v string) error {
	from, to, ok := strings.Cut(v, "=")
	if !ok || from == "" || to == "" {
		return fmt.Errorf("rename %q: want SRC=DST", v)
	}
	r[from] = to
	return nil
}

func runBridgeRecv(ctx context.Context, args []string) error {
	e := newEnv("bridge recv")
	addr := e.fs.String("addr", "", "listen address (default "+config.BridgeAddr+")")
	rn := renames{}
	e.fs.Var(rn, "rename", "SRC=DST, repeatable")
	multicore := e.fs.Bool("multicore", false, "one event loop per CPU")
	if err := e.open(args); err != nil {
		return err
	}
	defer e.close()
	r := bridge.NewReceiver(e.m, bridge.ReceiverOptions{
		Addr:      *addr,
		Multicore: *multicore,
		Rename:    rn,
		Logger:    &e.log,
	})
	errc := make(chan error, 1)
	go func() { errc <- r.Serve() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Stop(sctx)
}
