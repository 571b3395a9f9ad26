package stream

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/moontrade/imstream/config"
	. "github.com/moontrade/imstream/pkg/counter"
	"github.com/moontrade/imstream/pkg/timex"
)

type Stats struct {
	Creates            Counter
	CreatesDur         TimeCounter
	CreateErrors       Counter
	Opens              Counter
	OpensDur           TimeCounter
	OpenErrors         Counter
	Destroys           Counter
	ActiveMaps         Counter
	ActiveMappedMemory Counter
	UnmapErrors        Counter
	Writes             Counter
	WritesDur          TimeCounter
	Reads              Counter
	ReadsDur           TimeCounter
	Posts              Counter
	SemaphoreDrops     Counter
	Waits              Counter
	WaitsDur           TimeCounter
	WaitTimeouts       Counter
}

type ManagerOptions struct {
	// Perm is applied to created segment files. Defaults to config.FilePerm.
	Perm os.FileMode
	// BankSize is the number of reader semaphores per new segment.
	BankSize int
	// SemaphoreCap is the count at which posts to a slow reader are dropped.
	SemaphoreCap int
	Logger       *zerolog.Logger
}

// Manager owns one segment namespace: a directory for shared segments and
// an in-process registry for private ones.
type Manager struct {
	dir      string
	perm     os.FileMode
	bankSize int
	semCap   int
	log      zerolog.Logger
	stats    Stats
	mu       sync.Mutex
	local    map[string]*Segment
	closed   bool
}

func NewManager(dir string, opts ManagerOptions) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty namespace directory", ErrInvalidArgument)
	}
	if opts.Perm == 0 {
		opts.Perm = config.FilePerm
	}
	if opts.BankSize <= 0 {
		opts.BankSize = config.BankSize
	}
	if opts.SemaphoreCap <= 0 {
		opts.SemaphoreCap = config.SemaphoreCap
	}
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, dir)
	}
	m := &Manager{
		dir:      dir,
		perm:     opts.Perm,
		bankSize: opts.BankSize,
		semCap:   opts.SemaphoreCap,
		log:      zerolog.Nop(),
		local:    make(map[string]*Segment),
	}
	if opts.Logger != nil {
		m.log = opts.Logger.With().Str("dir", dir).Logger()
	}
	return m, nil
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) Stats() *Stats { return &m.stats }

func (m *Manager) Logger() zerolog.Logger { return m.log }

// Path is the file backing a shared segment.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name+Suffix)
}

// Normalize accepts a bare name, a name with the segment suffix or a path
// directly inside the namespace directory and returns the bare name.
func (m *Manager) Normalize(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		dir, base := filepath.Split(name)
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return "", err
		}
		nsDir, err := filepath.Abs(m.dir)
		if err != nil {
			return "", err
		}
		if absDir != nsDir {
			return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidArgument, name, m.dir)
		}
		name = base
	}
	name = strings.TrimSuffix(name, Suffix)
	if name == "" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: segment name %q", ErrInvalidArgument, name)
	}
	return name, nil
}

// Exists reports whether a segment with this name is visible.
func (m *Manager) Exists(name string) bool {
	name, err := m.Normalize(name)
	if err != nil {
		return false
	}
	m.mu.Lock()
	_, ok := m.local[name]
	m.mu.Unlock()
	if ok {
		return true
	}
	_, err = os.Stat(m.Path(name))
	return err == nil
}

// List returns the names of the shared segments in the namespace.
func (m *Manager) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "*"+Suffix))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, p := range matches {
		base := filepath.Base(p)
		if strings.HasPrefix(base, ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(base, Suffix))
	}
	sort.Strings(names)
	return names, nil
}

// Create makes a new segment. It fails with ErrAlreadyExists if the name
// is taken.
func (m *Manager) Create(name string, g Geometry, opts Options) (s *Segment, err error) {
	name, err = m.Normalize(name)
	if err != nil {
		return nil, err
	}
	p := &createParams{
		geometry:        Geometry{DType: g.DType, Shape: cloneShape(g.Shape)},
		keywordCapacity: opts.KeywordCapacity,
		bankSize:        m.bankSize,
		semCap:          m.semCap,
		symcode:         opts.Symcode,
		location:        opts.Location,
		shared:          opts.Shared,
		zeroInit:        opts.ZeroInit,
	}
	if err = p.validate(); err != nil {
		return nil, err
	}
	sw := timex.NewStopWatch()
	defer func() {
		if err != nil {
			m.stats.CreateErrors.Incr()
			return
		}
		m.stats.Creates.Incr()
		m.stats.CreatesDur.Since(&sw)
		m.log.Debug().Str("name", name).Str("geometry", g.String()).Bool("shared", opts.Shared).Msg("segment created")
	}()
	if !opts.Shared {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return nil, ErrClosed
		}
		if _, ok := m.local[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		s, err = m.createAnonymous(name, p)
		if err != nil {
			return nil, err
		}
		s.refs = 1
		m.local[name] = s
		return s, nil
	}
	return m.createShared(name, p)
}

// Open maps an existing segment.
func (m *Manager) Open(name string) (s *Segment, err error) {
	name, err = m.Normalize(name)
	if err != nil {
		return nil, err
	}
	sw := timex.NewStopWatch()
	defer func() {
		if err != nil {
			m.stats.OpenErrors.Incr()
			return
		}
		m.stats.Opens.Incr()
		m.stats.OpensDur.Since(&sw)
	}()
	m.mu.Lock()
	if local, ok := m.local[name]; ok {
		local.refs++
		m.mu.Unlock()
		return local, nil
	}
	m.mu.Unlock()
	return m.openShared(name)
}

// Remove destroys a segment by name. Readers blocked on it are woken with
// ErrSegmentGone. Removing an absent segment is not an error.
func (m *Manager) Remove(name string) error {
	name, err := m.Normalize(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if local, ok := m.local[name]; ok {
		delete(m.local, name)
		m.mu.Unlock()
		// open handles keep the mapping until they close
		local.markDestroyed()
		m.stats.Destroys.Incr()
		return nil
	}
	m.mu.Unlock()

	s, err := m.openShared(name)
	switch {
	case err == nil:
		return s.Destroy()
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		// unreadable segment: drop the name anyway
		m.log.Warn().Err(err).Str("name", name).Msg("removing unreadable segment")
		if e := os.Remove(m.Path(name)); e != nil && !errors.Is(e, os.ErrNotExist) {
			return e
		}
		m.stats.Destroys.Incr()
		return nil
	}
}

func (m *Manager) forgetLocal(s *Segment) {
	m.mu.Lock()
	if m.local[s.name] == s {
		delete(m.local, s.name)
	}
	m.mu.Unlock()
}

// releaseLocal drops one reference to a private segment and unmaps it once
// nobody holds it.
func (m *Manager) releaseLocal(s *Segment) error {
	m.mu.Lock()
	s.refs--
	last := s.refs <= 0
	if last && m.local[s.name] == s {
		delete(m.local, s.name)
	}
	m.mu.Unlock()
	if last {
		s.unmap()
	}
	return nil
}

// Close drops the manager's private segments. Shared segments are left
// for other processes.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	local := m.local
	m.local = make(map[string]*Segment)
	m.mu.Unlock()
	for _, s := range local {
		s.markDestroyed()
		s.unmap()
	}
	return nil
}
