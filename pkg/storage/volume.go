package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/walteh/minivirt/pkg/domain"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
	"libvirt.org/go/libvirtxml"
)

// DefaultVolumeCapacity is used when a volume description has no capacity.
const DefaultVolumeCapacity = 1024 * 1024

// DefaultVolumeFormat is the format of volumes that do not name one.
const DefaultVolumeFormat = "raw"

// ResizeShrink allows ResizeVolume to reduce the capacity.
const ResizeShrink uint = 1 << 2

// Volume is the catalogue record of one file volume.
type Volume struct {
	Name     string `json:"name" yaml:"name"`
	Pool     string `json:"pool" yaml:"pool"`
	Key      string `json:"key" yaml:"key"`
	Path     string `json:"path" yaml:"path"`
	Capacity uint64 `json:"capacity" yaml:"capacity"`
	Format   string `json:"format" yaml:"format"`
}

// VolumeInfo is the virStorageVolGetInfo style summary of a volume.
type VolumeInfo struct {
	Type       string `yaml:"type"`
	Capacity   uint64 `yaml:"capacity"`
	Allocation uint64 `yaml:"allocation"`
	Format     string `yaml:"format"`
}

// size unit multipliers, as accepted by libvirt's scaled integers
var sizeUnits = map[string]uint64{
	"":      1,
	"b":     1,
	"bytes": 1,
	"kb":    1000,
	"k":     1 << 10,
	"kib":   1 << 10,
	"mb":    1000 * 1000,
	"m":     1 << 20,
	"mib":   1 << 20,
	"gb":    1000 * 1000 * 1000,
	"g":     1 << 30,
	"gib":   1 << 30,
	"tb":    1000 * 1000 * 1000 * 1000,
	"t":     1 << 40,
	"tib":   1 << 40,
}

func scaleSize(size *libvirtxml.StorageVolumeSize) (uint64, error) {
	factor, ok := sizeUnits[strings.ToLower(size.Unit)]
	if !ok {
		return 0, errors.Errorf("%w: unknown size unit %q", domain.ErrParse, size.Unit)
	}
	return size.Value * factor, nil
}

// parseVolume reads a <volume> description for a volume in pool p.
func parseVolume(p *pool, xmlDesc string) (Volume, error) {
	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(xmlDesc); err != nil {
		return Volume{}, errors.Errorf("%w: volume: %w", domain.ErrParse, err)
	}

	name := strings.TrimSpace(def.Name)
	if name == "" {
		return Volume{}, errors.Errorf("%w: volume name not specified", domain.ErrParse)
	}
	if strings.ContainsRune(name, filepath.Separator) || name == "." || name == ".." {
		return Volume{}, errors.Errorf("%w: invalid volume name %q", domain.ErrParse, name)
	}

	vol := Volume{
		Name:     name,
		Pool:     p.Name,
		Key:      uuid.NewString(),
		Path:     filepath.Join(p.Path, name),
		Capacity: DefaultVolumeCapacity,
		Format:   DefaultVolumeFormat,
	}

	if def.Capacity != nil {
		capacity, err := scaleSize(def.Capacity)
		if err != nil {
			return Volume{}, err
		}
		vol.Capacity = capacity
	}
	if def.Target != nil && def.Target.Format != nil && def.Target.Format.Type != "" {
		vol.Format = def.Target.Format.Type
	}

	return vol, nil
}

// adoptVolumes catalogues regular files found in the pool directory that
// were created outside the manager, and drops records whose file is gone.
func (m *Manager) adoptVolumes(p *pool) error {
	known, err := m.catalog.volumes(p.Name)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(p.Path)
	if err != nil {
		return errors.Errorf("reading pool target %s: %w", p.Path, err)
	}

	present := map[string]bool{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		present[entry.Name()] = true
		if _, ok := known[entry.Name()]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		vol := Volume{
			Name:     entry.Name(),
			Pool:     p.Name,
			Key:      uuid.NewString(),
			Path:     filepath.Join(p.Path, entry.Name()),
			Capacity: uint64(info.Size()),
			Format:   DefaultVolumeFormat,
		}
		if err := m.catalog.putVolume(vol); err != nil {
			return err
		}
		m.logger.Debug().Str("pool", p.Name).Str("volume", vol.Name).Msg("Adopted existing volume")
	}

	for name := range known {
		if !present[name] {
			if err := m.catalog.deleteVolume(p.Name, name); err != nil {
				return err
			}
			m.logger.Debug().Str("pool", p.Name).Str("volume", name).Msg("Dropped missing volume")
		}
	}
	return nil
}

func (m *Manager) activePool(name string) (*pool, error) {
	p, err := m.get(name)
	if err != nil {
		return nil, err
	}
	if !p.active() {
		return nil, errors.Errorf("%w: storage pool %s is not active", domain.ErrPrecondition, name)
	}
	return p, nil
}

func (m *Manager) volume(poolName, name string) (*pool, Volume, error) {
	p, err := m.activePool(poolName)
	if err != nil {
		return nil, Volume{}, err
	}
	vols, err := m.catalog.volumes(p.Name)
	if err != nil {
		return nil, Volume{}, errors.Errorf("%w: %w", domain.ErrOperational, err)
	}
	vol, ok := vols[name]
	if !ok {
		return nil, Volume{}, errors.Errorf("%w: volume %s not found in pool %s", domain.ErrPrecondition, name, poolName)
	}
	return p, vol, nil
}

// ListVolumes returns the volumes of an active pool ordered by name.
func (m *Manager) ListVolumes(ctx context.Context, poolName string) ([]Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.activePool(poolName)
	if err != nil {
		return nil, err
	}
	vols, err := m.catalog.volumes(p.Name)
	if err != nil {
		return nil, errors.Errorf("%w: %w", domain.ErrOperational, err)
	}

	out := make([]Volume, 0, len(vols))
	for _, vol := range vols {
		out = append(out, vol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) LookupVolumeByName(ctx context.Context, poolName, name string) (Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, vol, err := m.volume(poolName, name)
	return vol, err
}

// LookupVolumeByPath searches every active pool for the volume at path.
func (m *Manager) LookupVolumeByPath(ctx context.Context, path string) (Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = filepath.Clean(path)
	for _, p := range m.pools {
		if !p.active() || filepath.Dir(path) != p.Path {
			continue
		}
		vols, err := m.catalog.volumes(p.Name)
		if err != nil {
			return Volume{}, errors.Errorf("%w: %w", domain.ErrOperational, err)
		}
		if vol, ok := vols[filepath.Base(path)]; ok {
			return vol, nil
		}
	}
	return Volume{}, errors.Errorf("%w: no volume at %s", domain.ErrPrecondition, path)
}

// CreateVolume creates a sparse file of the requested capacity inside an
// active pool.
func (m *Manager) CreateVolume(ctx context.Context, poolName, xml string, flags uint) (Volume, error) {
	if flags != 0 {
		return Volume{}, errors.Errorf("%w: unsupported create flags %#x", domain.ErrPrecondition, flags)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.activePool(poolName)
	if err != nil {
		return Volume{}, err
	}

	vol, err := parseVolume(p, xml)
	if err != nil {
		return Volume{}, err
	}

	f, err := os.OpenFile(vol.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return Volume{}, errors.Errorf("%w: volume %s already exists", domain.ErrPrecondition, vol.Name)
		}
		return Volume{}, errors.Errorf("%w: creating volume file: %w", domain.ErrOperational, err)
	}
	if err := f.Truncate(int64(vol.Capacity)); err != nil {
		_ = f.Close()
		_ = os.Remove(vol.Path)
		return Volume{}, errors.Errorf("%w: sizing volume: %w", domain.ErrOperational, err)
	}
	if err := f.Close(); err != nil {
		return Volume{}, errors.Errorf("%w: closing volume file: %w", domain.ErrOperational, err)
	}

	if err := m.catalog.putVolume(vol); err != nil {
		_ = os.Remove(vol.Path)
		return Volume{}, errors.Errorf("%w: %w", domain.ErrOperational, err)
	}

	m.logger.Info().
		Str("pool", p.Name).
		Str("volume", vol.Name).
		Uint64("capacity", vol.Capacity).
		Str("path", vol.Path).
		Msg("Storage volume created")
	return vol, nil
}

// DeleteVolume removes the file and the catalogue entry of a volume.
func (m *Manager) DeleteVolume(ctx context.Context, poolName, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, vol, err := m.volume(poolName, name)
	if err != nil {
		return err
	}

	if err := os.Remove(vol.Path); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("%w: deleting volume file: %w", domain.ErrOperational, err)
	}
	if err := m.catalog.deleteVolume(poolName, name); err != nil {
		return errors.Errorf("%w: %w", domain.ErrOperational, err)
	}

	m.logger.Info().Str("pool", poolName).Str("volume", name).Msg("Storage volume deleted")
	return nil
}

// ResizeVolume changes the capacity of a volume. Shrinking needs
// ResizeShrink.
func (m *Manager) ResizeVolume(ctx context.Context, poolName, name string, capacity uint64, flags uint) error {
	if flags&^ResizeShrink != 0 {
		return errors.Errorf("%w: unsupported resize flags %#x", domain.ErrPrecondition, flags)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, vol, err := m.volume(poolName, name)
	if err != nil {
		return err
	}
	if capacity < vol.Capacity && flags&ResizeShrink == 0 {
		return errors.Errorf("%w: shrinking volume %s needs the shrink flag", domain.ErrPrecondition, name)
	}

	if err := os.Truncate(vol.Path, int64(capacity)); err != nil {
		return errors.Errorf("%w: resizing volume: %w", domain.ErrOperational, err)
	}
	vol.Capacity = capacity
	if err := m.catalog.putVolume(vol); err != nil {
		return errors.Errorf("%w: %w", domain.ErrOperational, err)
	}

	m.logger.Info().Str("pool", poolName).Str("volume", name).Uint64("capacity", capacity).Msg("Storage volume resized")
	return nil
}

// WipeVolume overwrites the whole volume with zeroes.
func (m *Manager) WipeVolume(ctx context.Context, poolName, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, vol, err := m.volume(poolName, name)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(vol.Path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Errorf("%w: opening volume: %w", domain.ErrOperational, err)
	}
	defer f.Close()

	zero := make([]byte, 1<<20)
	for off := uint64(0); off < vol.Capacity; off += uint64(len(zero)) {
		if err := ctx.Err(); err != nil {
			return errors.Errorf("wiping volume %s: %w", name, err)
		}
		chunk := zero
		if rest := vol.Capacity - off; rest < uint64(len(chunk)) {
			chunk = chunk[:rest]
		}
		if _, err := f.WriteAt(chunk, int64(off)); err != nil {
			return errors.Errorf("%w: wiping volume: %w", domain.ErrOperational, err)
		}
	}
	if err := f.Sync(); err != nil {
		return errors.Errorf("%w: syncing volume: %w", domain.ErrOperational, err)
	}

	m.logger.Info().Str("pool", poolName).Str("volume", name).Msg("Storage volume wiped")
	return nil
}

// VolumeInfo reports the capacity and the space actually allocated on disk.
func (m *Manager) VolumeInfo(ctx context.Context, poolName, name string) (VolumeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, vol, err := m.volume(poolName, name)
	if err != nil {
		return VolumeInfo{}, err
	}

	var st unix.Stat_t
	if err := unix.Stat(vol.Path, &st); err != nil {
		return VolumeInfo{}, errors.Errorf("%w: stat volume: %w", domain.ErrOperational, err)
	}

	return VolumeInfo{
		Type:       "file",
		Capacity:   vol.Capacity,
		Allocation: uint64(st.Blocks) * 512,
		Format:     vol.Format,
	}, nil
}

// VolumeXMLDesc renders the description of a volume.
func (m *Manager) VolumeXMLDesc(ctx context.Context, poolName, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, vol, err := m.volume(poolName, name)
	if err != nil {
		return "", err
	}

	def := libvirtxml.StorageVolume{
		Type:     "file",
		Name:     vol.Name,
		Key:      vol.Key,
		Capacity: &libvirtxml.StorageVolumeSize{Unit: "bytes", Value: vol.Capacity},
		Target: &libvirtxml.StorageVolumeTarget{
			Path:   vol.Path,
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: vol.Format},
		},
	}
	out, err := def.Marshal()
	if err != nil {
		return "", errors.Errorf("encoding volume %s: %w", name, err)
	}
	return out, nil
}
