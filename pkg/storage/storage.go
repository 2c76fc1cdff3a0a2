// Package storage manages directory backed storage pools and the file
// volumes inside them.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/walteh/minivirt/pkg/conf"
	"github.com/walteh/minivirt/pkg/domain"
	"github.com/walteh/minivirt/pkg/xmlutil"
	"gitlab.com/tozd/go/errors"
	"libvirt.org/go/libvirtxml"
)

// PoolState follows the libvirt storage pool state numbering.
type PoolState int

const (
	PoolInactive PoolState = iota
	PoolBuilding
	PoolRunning
	PoolDegraded
	PoolInaccessible
)

func (s PoolState) String() string {
	switch s {
	case PoolInactive:
		return "inactive"
	case PoolBuilding:
		return "building"
	case PoolRunning:
		return "running"
	case PoolDegraded:
		return "degraded"
	case PoolInaccessible:
		return "inaccessible"
	default:
		return "unknown"
	}
}

func (s PoolState) MarshalYAML() (any, error) {
	return s.String(), nil
}

// Pool is a snapshot of one storage pool.
type Pool struct {
	Name       string    `json:"name" yaml:"name"`
	UUID       string    `json:"uuid" yaml:"uuid"`
	Type       string    `json:"type" yaml:"type"`
	Path       string    `json:"path" yaml:"path"`
	State      PoolState `json:"state" yaml:"state"`
	Persistent bool      `json:"persistent" yaml:"persistent"`
}

type pool struct {
	Pool
	xml string
}

func (p *pool) active() bool {
	return p.State == PoolRunning
}

// Manager owns the pools below storage.config_dir and the volume catalogue.
type Manager struct {
	mu      sync.Mutex
	dir     string
	poolDir string
	logger  zerolog.Logger
	catalog *catalog
	pools   map[string]*pool
}

// NewManager creates <storage.config_dir>/pools, opens the volume catalogue
// and loads every pool definition found there.
func NewManager(ctx context.Context, cfg *conf.Config) (*Manager, error) {
	logger := zerolog.Ctx(ctx).With().Str("component", "storage").Logger()

	dir := cfg.String(conf.KeyStorageConfigDir, conf.DefaultStorageConfigDir)
	poolDir := filepath.Join(dir, "pools")
	if err := os.MkdirAll(poolDir, 0755); err != nil {
		return nil, errors.Errorf("%w: creating pool directory: %w", domain.ErrOperational, err)
	}

	cat, err := openCatalog(filepath.Join(dir, "volumes.db"))
	if err != nil {
		return nil, errors.Errorf("%w: %w", domain.ErrOperational, err)
	}

	m := &Manager{
		dir:     dir,
		poolDir: poolDir,
		logger:  logger,
		catalog: cat,
		pools:   make(map[string]*pool),
	}

	if err := m.load(ctx); err != nil {
		_ = cat.close()
		return nil, err
	}

	logger.Info().Str("dir", dir).Int("pools", len(m.pools)).Msg("Storage manager initialized")
	return m, nil
}

// Close releases the volume catalogue.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.catalog.close(); err != nil {
		return errors.Errorf("closing volume catalogue: %w", err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context) error {
	entries, err := os.ReadDir(m.poolDir)
	if err != nil {
		return errors.Errorf("%w: reading pool directory: %w", domain.ErrOperational, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".xml") {
			continue
		}
		path := filepath.Join(m.poolDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			m.logger.Error().Err(err).Str("file", path).Msg("Failed to read pool config")
			continue
		}

		p, generated, err := parsePool(string(data))
		if err != nil {
			m.logger.Error().Err(err).Str("file", path).Msg("Failed to parse pool config")
			continue
		}
		if generated {
			if err := os.WriteFile(path, []byte(p.xml), 0644); err != nil {
				m.logger.Warn().Err(err).Str("file", path).Msg("Failed to write UUID back to pool config")
			}
		}

		p.Persistent = true
		if m.catalog.active(p.Name) {
			if st, err := os.Stat(p.Path); err == nil && st.IsDir() {
				p.State = PoolRunning
			} else {
				p.State = PoolInaccessible
				m.logger.Warn().Str("pool", p.Name).Str("path", p.Path).Msg("Target of active pool is missing")
			}
		}
		m.pools[p.Name] = p

		if p.active() {
			if err := m.adoptVolumes(p); err != nil {
				m.logger.Warn().Err(err).Str("pool", p.Name).Msg("Failed to scan pool volumes")
			}
		}
	}
	return nil
}

// parsePool reads a <pool> description, injecting a UUID when it has none.
func parsePool(xmlDesc string) (*pool, bool, error) {
	doc, err := xmlutil.Read(xmlDesc)
	if err != nil {
		return nil, false, errors.Errorf("%w: pool: %w", domain.ErrParse, err)
	}
	root := doc.SelectElement("pool")
	if root == nil {
		return nil, false, errors.Errorf("%w: missing <pool> element", domain.ErrParse)
	}

	_, generated := xmlutil.EnsureUUID(root)
	if generated {
		if xmlDesc, err = xmlutil.String(doc); err != nil {
			return nil, false, errors.Errorf("%w: %w", domain.ErrParse, err)
		}
	}

	var def libvirtxml.StoragePool
	if err := def.Unmarshal(xmlDesc); err != nil {
		return nil, false, errors.Errorf("%w: pool: %w", domain.ErrParse, err)
	}

	if def.Name == "" {
		return nil, false, errors.Errorf("%w: pool name not specified", domain.ErrParse)
	}
	if def.Type != "dir" {
		return nil, false, errors.Errorf("%w: unsupported pool type %q", domain.ErrParse, def.Type)
	}
	if def.Target == nil || def.Target.Path == "" {
		return nil, false, errors.Errorf("%w: pool %s has no target path", domain.ErrParse, def.Name)
	}

	return &pool{
		Pool: Pool{
			Name:  def.Name,
			UUID:  def.UUID,
			Type:  def.Type,
			Path:  filepath.Clean(def.Target.Path),
			State: PoolInactive,
		},
		xml: xmlDesc,
	}, generated, nil
}

func (m *Manager) get(name string) (*pool, error) {
	p, ok := m.pools[name]
	if !ok {
		return nil, errors.Errorf("%w: storage pool %s not found", domain.ErrPrecondition, name)
	}
	return p, nil
}

func (m *Manager) poolFile(name string) string {
	return filepath.Join(m.poolDir, name+".xml")
}

// ListPools returns every pool ordered by name.
func (m *Manager) ListPools(ctx context.Context, flags uint) ([]Pool, error) {
	if flags != 0 {
		return nil, errors.Errorf("%w: unsupported list flags %#x", domain.ErrPrecondition, flags)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Pool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) LookupPoolByName(ctx context.Context, name string) (Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.get(name)
	if err != nil {
		return Pool{}, err
	}
	return p.Pool, nil
}

func (m *Manager) LookupPoolByUUID(ctx context.Context, uuid string) (Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pools {
		if p.UUID == uuid {
			return p.Pool, nil
		}
	}
	return Pool{}, errors.Errorf("%w: storage pool with uuid %s not found", domain.ErrPrecondition, uuid)
}

// DefinePool stores a persistent, inactive pool. Names must be unique.
func (m *Manager) DefinePool(ctx context.Context, xml string, flags uint) (Pool, error) {
	if flags != 0 {
		return Pool{}, errors.Errorf("%w: unsupported define flags %#x", domain.ErrPrecondition, flags)
	}

	p, _, err := parsePool(xml)
	if err != nil {
		return Pool{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[p.Name]; exists {
		return Pool{}, errors.Errorf("%w: storage pool %s already exists", domain.ErrPrecondition, p.Name)
	}

	if err := os.WriteFile(m.poolFile(p.Name), []byte(p.xml), 0644); err != nil {
		return Pool{}, errors.Errorf("%w: writing pool config: %w", domain.ErrOperational, err)
	}

	p.Persistent = true
	m.pools[p.Name] = p

	m.logger.Info().Str("pool", p.Name).Str("path", p.Path).Msg("Storage pool defined")
	return p.Pool, nil
}

// CreatePool activates a defined pool, creating its target directory.
func (m *Manager) CreatePool(ctx context.Context, name string, flags uint) error {
	if flags != 0 {
		return errors.Errorf("%w: unsupported create flags %#x", domain.ErrPrecondition, flags)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.get(name)
	if err != nil {
		return err
	}
	return m.start(p)
}

func (m *Manager) start(p *pool) error {
	if p.active() {
		return errors.Errorf("%w: storage pool %s is already active", domain.ErrPrecondition, p.Name)
	}

	if err := os.MkdirAll(p.Path, 0755); err != nil {
		return errors.Errorf("%w: creating pool target %s: %w", domain.ErrOperational, p.Path, err)
	}
	if err := m.catalog.setActive(p.Name, true); err != nil {
		return errors.Errorf("%w: recording pool state: %w", domain.ErrOperational, err)
	}
	p.State = PoolRunning

	if err := m.adoptVolumes(p); err != nil {
		m.logger.Warn().Err(err).Str("pool", p.Name).Msg("Failed to scan pool volumes")
	}

	m.logger.Info().Str("pool", p.Name).Msg("Storage pool started")
	return nil
}

// CreatePoolXML defines a transient pool and starts it.
func (m *Manager) CreatePoolXML(ctx context.Context, xml string, flags uint) (Pool, error) {
	if flags != 0 {
		return Pool{}, errors.Errorf("%w: unsupported create flags %#x", domain.ErrPrecondition, flags)
	}

	p, _, err := parsePool(xml)
	if err != nil {
		return Pool{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[p.Name]; exists {
		return Pool{}, errors.Errorf("%w: storage pool %s already exists", domain.ErrPrecondition, p.Name)
	}

	if err := m.start(p); err != nil {
		return Pool{}, err
	}
	m.pools[p.Name] = p
	return p.Pool, nil
}

// DestroyPool deactivates name. A transient pool is forgotten.
func (m *Manager) DestroyPool(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.get(name)
	if err != nil {
		return err
	}
	if !p.active() {
		return errors.Errorf("%w: storage pool %s is not active", domain.ErrPrecondition, name)
	}

	if err := m.catalog.setActive(name, false); err != nil {
		return errors.Errorf("%w: recording pool state: %w", domain.ErrOperational, err)
	}
	p.State = PoolInactive

	if !p.Persistent {
		delete(m.pools, name)
		if err := m.catalog.forget(name); err != nil {
			m.logger.Warn().Err(err).Str("pool", name).Msg("Failed to drop catalogue entries")
		}
	}

	m.logger.Info().Str("pool", name).Msg("Storage pool destroyed")
	return nil
}

// UndefinePool removes the definition of an inactive pool. Its volumes stay
// on disk.
func (m *Manager) UndefinePool(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.get(name)
	if err != nil {
		return err
	}
	if p.active() {
		return errors.Errorf("%w: storage pool %s is still active", domain.ErrPrecondition, name)
	}

	if err := os.Remove(m.poolFile(name)); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("%w: deleting pool config: %w", domain.ErrOperational, err)
	}
	if err := m.catalog.forget(name); err != nil {
		m.logger.Warn().Err(err).Str("pool", name).Msg("Failed to drop catalogue entries")
	}
	delete(m.pools, name)

	m.logger.Info().Str("pool", name).Msg("Storage pool undefined")
	return nil
}

// DeletePool removes the target directory of an inactive pool. The
// directory must be empty.
func (m *Manager) DeletePool(ctx context.Context, name string, flags uint) error {
	if flags != 0 {
		return errors.Errorf("%w: unsupported delete flags %#x", domain.ErrPrecondition, flags)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.get(name)
	if err != nil {
		return err
	}
	if p.active() {
		return errors.Errorf("%w: storage pool %s is still active", domain.ErrPrecondition, name)
	}

	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("%w: removing pool target %s: %w", domain.ErrOperational, p.Path, err)
	}

	m.logger.Info().Str("pool", name).Str("path", p.Path).Msg("Storage pool deleted")
	return nil
}

func (m *Manager) PoolState(ctx context.Context, name string) (PoolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.get(name)
	if err != nil {
		return PoolInactive, err
	}
	return p.State, nil
}

func (m *Manager) PoolPath(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.get(name)
	if err != nil {
		return "", err
	}
	return p.Path, nil
}

func (m *Manager) PoolXMLDesc(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.get(name)
	if err != nil {
		return "", err
	}
	return p.xml, nil
}
