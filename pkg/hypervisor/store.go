package hypervisor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/walteh/minivirt/pkg/domain"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

var lastID atomic.Int64

// NextID returns a process-wide unique runtime id for a domain that just
// started running.
func NextID() int {
	return int(lastID.Add(1))
}

// Alive reports whether pid names a live process, using the zero signal.
// A process owned by another user (EPERM) is not considered alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// Store is the list of runtime records of one driver together with their
// on-disk description and pid files.
//
// Store embeds the driver's mutex. Every method other than Load expects the
// caller to hold it for the duration of the operation.
type Store struct {
	sync.Mutex

	paths   domain.Paths
	logger  zerolog.Logger
	records map[string]*domain.Record

	// alive is the liveness probe, replaceable in tests
	alive func(pid int) bool
}

// NewStore creates the configuration directory if needed and returns an
// empty store. Call Load to read persisted definitions.
func NewStore(paths domain.Paths, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(paths.ConfigDir, 0755); err != nil {
		return nil, errors.Errorf("%w: creating config directory: %w", domain.ErrOperational, err)
	}
	return &Store{
		paths:   paths,
		logger:  logger,
		records: make(map[string]*domain.Record),
		alive:   Alive,
	}, nil
}

// Paths returns the artifact locations of this store.
func (s *Store) Paths() domain.Paths {
	return s.paths
}

// SetAliveFunc replaces the liveness probe.
func (s *Store) SetAliveFunc(fn func(pid int) bool) {
	s.alive = fn
}

// Load reads every <name>.xml in the configuration directory and reconciles
// each record against its side-car pid file. A file that does not parse is
// logged and skipped. Running Load again without external changes leaves
// every record in the same state.
func (s *Store) Load(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()

	entries, err := os.ReadDir(s.paths.ConfigDir)
	if err != nil {
		return errors.Errorf("%w: reading config directory: %w", domain.ErrOperational, err)
	}

	s.logger.Info().Str("dir", s.paths.ConfigDir).Msg("Loading domain configurations")

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".xml") {
			continue
		}
		path := filepath.Join(s.paths.ConfigDir, entry.Name())
		if err := s.loadFile(ctx, path); err != nil {
			s.logger.Error().Err(err).Str("file", entry.Name()).Msg("Failed to load domain config")
			continue
		}
		loaded++
	}

	s.logger.Info().Int("count", loaded).Msg("Loaded domain configurations")

	for _, rec := range s.records {
		s.reconcile(rec)
	}
	return nil
}

func (s *Store) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Errorf("%w: reading %s: %w", domain.ErrOperational, path, err)
	}

	def, err := domain.Parse(ctx, string(data))
	if err != nil {
		return err
	}

	if def.UUIDGenerated {
		if err := writeFileAtomic(path, []byte(def.XML)); err != nil {
			return errors.Errorf("%w: writing uuid back to %s: %w", domain.ErrOperational, path, err)
		}
		s.logger.Info().Str("file", path).Msg("UUID written to description")
	}

	s.put(def, true)
	return nil
}

// reconcile promotes rec to running when its pid file names a live process
// and removes the pid file otherwise.
func (s *Store) reconcile(rec *domain.Record) {
	name := rec.Def.Name

	pid, err := s.ReadPID(name)
	if errors.Is(err, os.ErrNotExist) {
		if rec.Running() && !s.alive(rec.PID) {
			rec.MarkShutoff(domain.ReasonUnknown)
		}
		return
	}

	if err == nil && s.alive(pid) {
		if !rec.Running() || rec.PID != pid {
			rec.MarkRunning(pid, NextID(), domain.ReasonBooted)
		}
		s.logger.Info().Str("domain", name).Int("pid", pid).Msg("Domain is running")
		return
	}

	s.logger.Warn().Str("domain", name).Int("pid", pid).Msg("Stale PID file, cleaning up")
	if err := s.RemovePID(name); err != nil {
		s.logger.Warn().Err(err).Str("domain", name).Msg("Failed to remove stale PID file")
	}
	rec.MarkShutoff(domain.ReasonUnknown)
}

// Get returns the record for name.
func (s *Store) Get(name string) (*domain.Record, error) {
	rec, ok := s.records[name]
	if !ok {
		return nil, errors.Errorf("%w: domain %s not found", domain.ErrPrecondition, name)
	}
	return rec, nil
}

// List returns every record ordered by name.
func (s *Store) List() []*domain.Record {
	out := make([]*domain.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Def.Name < out[j].Def.Name })
	return out
}

// Put stores def. Redefining an existing name replaces its definition and
// keeps the runtime fields of the record.
func (s *Store) Put(def *domain.Definition, persistent bool) *domain.Record {
	return s.put(def, persistent)
}

func (s *Store) put(def *domain.Definition, persistent bool) *domain.Record {
	if def.MonitorPath == "" {
		def.MonitorPath = s.paths.Socket(def.Name)
	}

	if rec, ok := s.records[def.Name]; ok {
		if rec.Def.UUID != def.UUID {
			s.logger.Warn().Str("domain", def.Name).Str("old", rec.Def.UUID).Str("new", def.UUID).Msg("Redefining domain with a different UUID")
		}
		rec.Def = def
		rec.Persistent = rec.Persistent || persistent
		return rec
	}

	rec := domain.NewRecord(def)
	rec.Persistent = persistent
	s.records[def.Name] = rec
	return rec
}

// KeepUUID gives def the UUID of the record it redefines when def's own UUID
// was generated during parsing. It returns the previous record, or nil.
func (s *Store) KeepUUID(def *domain.Definition) (*domain.Record, error) {
	prev, ok := s.records[def.Name]
	if !ok {
		return nil, nil
	}
	if err := domain.SetUUID(def, prev.Def.UUID); err != nil {
		return nil, err
	}
	return prev, nil
}

// Remove drops name from the index.
func (s *Store) Remove(name string) {
	delete(s.records, name)
}

// Handle returns the caller-facing snapshot of rec.
func (s *Store) Handle(rec *domain.Record) Domain {
	return Domain{Name: rec.Def.Name, ID: rec.ID, UUID: rec.Def.UUID}
}

// WriteXML persists the description of def to <name>.xml.
func (s *Store) WriteXML(def *domain.Definition) error {
	if err := writeFileAtomic(s.paths.XML(def.Name), []byte(def.XML)); err != nil {
		return errors.Errorf("%w: writing description of %s: %w", domain.ErrOperational, def.Name, err)
	}
	return nil
}

// RemoveXML deletes <name>.xml. A missing file is an error.
func (s *Store) RemoveXML(name string) error {
	if err := os.Remove(s.paths.XML(name)); err != nil {
		return errors.Errorf("%w: deleting description of %s: %w", domain.ErrOperational, name, err)
	}
	return nil
}

// WritePID records pid in <name>.pid.
func (s *Store) WritePID(name string, pid int) error {
	if err := writeFileAtomic(s.paths.PID(name), []byte(strconv.Itoa(pid)+"\n")); err != nil {
		return errors.Errorf("%w: writing pid file of %s: %w", domain.ErrOperational, name, err)
	}
	return nil
}

// ReadPID returns the pid stored in <name>.pid. The returned error wraps
// os.ErrNotExist when there is no pid file.
func (s *Store) ReadPID(name string) (int, error) {
	data, err := os.ReadFile(s.paths.PID(name))
	if err != nil {
		return domain.NoPID, errors.Errorf("reading pid file of %s: %w", name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return domain.NoPID, errors.Errorf("parsing pid file of %s: %w", name, err)
	}
	return pid, nil
}

// RemovePID deletes <name>.pid. A missing file is not an error.
func (s *Store) RemovePID(name string) error {
	if err := os.Remove(s.paths.PID(name)); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("%w: removing pid file of %s: %w", domain.ErrOperational, name, err)
	}
	return nil
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
