// Package xen is a definitions-only backend. It stores and reports domain
// definitions like any other driver, but cannot run them.
package xen

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/walteh/minivirt/pkg/conf"
	"github.com/walteh/minivirt/pkg/domain"
	"github.com/walteh/minivirt/pkg/hypervisor"
	"gitlab.com/tozd/go/errors"
)

// Driver keeps Xen domain definitions.
type Driver struct {
	store  *hypervisor.Store
	logger zerolog.Logger
}

var _ hypervisor.Driver = &Driver{}

// NewDriver loads the definitions stored under xen.config_dir.
func NewDriver(ctx context.Context, cfg *conf.Config) (*Driver, error) {
	logger := zerolog.Ctx(ctx).With().Str("driver", "xen").Logger()

	dir := cfg.String(conf.KeyXenConfigDir, conf.DefaultXenConfigDir)
	store, err := hypervisor.NewStore(domain.Paths{
		ConfigDir: dir,
		LogDir:    filepath.Join(dir, "logs"),
		SocketDir: filepath.Join(dir, "sockets"),
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := store.Load(ctx); err != nil {
		return nil, err
	}

	logger.Info().Str("dir", dir).Msg("Xen driver ready, lifecycle operations are not supported")
	return &Driver{store: store, logger: logger}, nil
}

func unsupported(op string) error {
	return errors.Errorf("%w: %s is not supported by the xen driver", domain.ErrOperational, op)
}

func (d *Driver) ListAllDomains(ctx context.Context, flags uint) ([]hypervisor.Domain, error) {
	if flags != 0 {
		return nil, errors.Errorf("%w: unsupported list flags %#x", domain.ErrPrecondition, flags)
	}
	d.store.Lock()
	defer d.store.Unlock()

	records := d.store.List()
	out := make([]hypervisor.Domain, 0, len(records))
	for _, rec := range records {
		out = append(out, d.store.Handle(rec))
	}
	return out, nil
}

func (d *Driver) LookupByName(ctx context.Context, name string) (hypervisor.Domain, error) {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return hypervisor.Domain{}, err
	}
	return d.store.Handle(rec), nil
}

func (d *Driver) Define(ctx context.Context, xml string) (hypervisor.Domain, error) {
	return d.DefineFlags(ctx, xml, 0)
}

func (d *Driver) DefineFlags(ctx context.Context, xml string, flags uint) (hypervisor.Domain, error) {
	if flags&^hypervisor.DefineNoPersist != 0 {
		return hypervisor.Domain{}, errors.Errorf("%w: unsupported define flags %#x", domain.ErrPrecondition, flags)
	}

	def, err := domain.Parse(ctx, xml)
	if err != nil {
		return hypervisor.Domain{}, err
	}

	d.store.Lock()
	defer d.store.Unlock()

	if _, err := d.store.KeepUUID(def); err != nil {
		return hypervisor.Domain{}, err
	}

	persist := flags&hypervisor.DefineNoPersist == 0
	if persist {
		if err := d.store.WriteXML(def); err != nil {
			return hypervisor.Domain{}, err
		}
	}
	rec := d.store.Put(def, persist)

	d.logger.Info().Str("name", def.Name).Str("uuid", def.UUID).Msg("Domain defined")
	return d.store.Handle(rec), nil
}

func (d *Driver) Create(ctx context.Context, name string) (hypervisor.Domain, error) {
	if _, err := d.LookupByName(ctx, name); err != nil {
		return hypervisor.Domain{}, err
	}
	return hypervisor.Domain{}, unsupported("create")
}

func (d *Driver) CreateXML(ctx context.Context, xml string) (hypervisor.Domain, error) {
	return hypervisor.Domain{}, unsupported("create")
}

func (d *Driver) Destroy(ctx context.Context, name string) error {
	if _, err := d.LookupByName(ctx, name); err != nil {
		return err
	}
	return unsupported("destroy")
}

func (d *Driver) Shutdown(ctx context.Context, name string) error {
	if _, err := d.LookupByName(ctx, name); err != nil {
		return err
	}
	return unsupported("shutdown")
}

func (d *Driver) Undefine(ctx context.Context, name string) error {
	return d.UndefineFlags(ctx, name, 0)
}

func (d *Driver) UndefineFlags(ctx context.Context, name string, flags uint) error {
	if flags != 0 {
		return errors.Errorf("%w: unsupported undefine flags %#x", domain.ErrPrecondition, flags)
	}

	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return err
	}
	if rec.Persistent {
		if err := d.store.RemoveXML(name); err != nil {
			return err
		}
	}
	d.store.Remove(name)

	d.logger.Info().Str("name", name).Msg("Domain undefined")
	return nil
}

// GetState always reports the stored state; nothing ever runs.
func (d *Driver) GetState(ctx context.Context, name string) (domain.State, domain.Reason, error) {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return domain.StateNoState, domain.ReasonUnknown, err
	}
	return rec.State, rec.Reason, nil
}

func (d *Driver) GetInfo(ctx context.Context, name string) (hypervisor.Info, error) {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return hypervisor.Info{}, err
	}
	return hypervisor.Info{
		State:     rec.State,
		Reason:    rec.Reason,
		MaxMemMiB: rec.Def.MemoryMiB,
		VCPUs:     rec.Def.VCPUs,
		ID:        rec.ID,
		PID:       rec.PID,
	}, nil
}

func (d *Driver) GetXMLDesc(ctx context.Context, name string) (string, error) {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return "", err
	}
	return rec.Def.XML, nil
}

func (d *Driver) AttachDevice(ctx context.Context, name string, xml string, flags uint) error {
	if _, err := d.LookupByName(ctx, name); err != nil {
		return err
	}
	return unsupported("attach-device")
}
