package virt

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/walteh/minivirt/pkg/conf"
	"github.com/walteh/minivirt/pkg/hypervisor"
	"github.com/walteh/minivirt/pkg/network"
	"github.com/walteh/minivirt/pkg/storage"
)

// Connect is an open connection. The domain verbs come from the embedded
// driver; storage and network are opened on first use.
type Connect struct {
	hypervisor.Driver

	uri    string
	cfg    *conf.Config
	links  network.LinkManager
	logger zerolog.Logger

	mu       sync.Mutex
	storage  *storage.Manager
	networks *network.Manager
}

// Option configures Open.
type Option func(*Connect)

// WithLinkManager replaces the netlink backed link manager.
func WithLinkManager(links network.LinkManager) Option {
	return func(c *Connect) { c.links = links }
}

// Open connects to the driver named by uri.
func Open(ctx context.Context, uri string, cfg *conf.Config, opts ...Option) (*Connect, error) {
	driver, err := NewDriver(ctx, uri, cfg)
	if err != nil {
		return nil, err
	}

	c := &Connect{
		Driver: driver,
		uri:    uri,
		cfg:    cfg,
		logger: zerolog.Ctx(ctx).With().Str("uri", uri).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Debug().Msg("Connection opened")
	return c, nil
}

func (c *Connect) URI() string {
	return c.uri
}

// NewStorage opens the storage manager. It is opened once per connection.
func (c *Connect) NewStorage(ctx context.Context) (*storage.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.storage == nil {
		m, err := storage.NewManager(ctx, c.cfg)
		if err != nil {
			return nil, err
		}
		c.storage = m
	}
	return c.storage, nil
}

// NewNetwork opens the network manager. It is opened once per connection.
func (c *Connect) NewNetwork(ctx context.Context) (*network.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.networks == nil {
		m, err := network.NewManager(ctx, c.cfg, c.links)
		if err != nil {
			return nil, err
		}
		c.networks = m
	}
	return c.networks, nil
}

// Close releases the storage catalogue. It is safe to call twice.
func (c *Connect) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.storage == nil {
		return nil
	}
	err := c.storage.Close()
	c.storage = nil
	return err
}

func (c *Connect) ListPools(ctx context.Context, flags uint) ([]storage.Pool, error) {
	m, err := c.NewStorage(ctx)
	if err != nil {
		return nil, err
	}
	return m.ListPools(ctx, flags)
}

func (c *Connect) LookupPoolByName(ctx context.Context, name string) (storage.Pool, error) {
	m, err := c.NewStorage(ctx)
	if err != nil {
		return storage.Pool{}, err
	}
	return m.LookupPoolByName(ctx, name)
}

func (c *Connect) DefinePool(ctx context.Context, xml string, flags uint) (storage.Pool, error) {
	m, err := c.NewStorage(ctx)
	if err != nil {
		return storage.Pool{}, err
	}
	return m.DefinePool(ctx, xml, flags)
}

func (c *Connect) CreatePool(ctx context.Context, name string, flags uint) error {
	m, err := c.NewStorage(ctx)
	if err != nil {
		return err
	}
	return m.CreatePool(ctx, name, flags)
}

func (c *Connect) DestroyPool(ctx context.Context, name string) error {
	m, err := c.NewStorage(ctx)
	if err != nil {
		return err
	}
	return m.DestroyPool(ctx, name)
}

func (c *Connect) UndefinePool(ctx context.Context, name string) error {
	m, err := c.NewStorage(ctx)
	if err != nil {
		return err
	}
	return m.UndefinePool(ctx, name)
}

func (c *Connect) ListVolumes(ctx context.Context, pool string) ([]storage.Volume, error) {
	m, err := c.NewStorage(ctx)
	if err != nil {
		return nil, err
	}
	return m.ListVolumes(ctx, pool)
}

func (c *Connect) CreateVolume(ctx context.Context, pool, xml string, flags uint) (storage.Volume, error) {
	m, err := c.NewStorage(ctx)
	if err != nil {
		return storage.Volume{}, err
	}
	return m.CreateVolume(ctx, pool, xml, flags)
}

func (c *Connect) DeleteVolume(ctx context.Context, pool, name string) error {
	m, err := c.NewStorage(ctx)
	if err != nil {
		return err
	}
	return m.DeleteVolume(ctx, pool, name)
}

func (c *Connect) ListNetworks(ctx context.Context, flags uint) ([]network.Network, error) {
	m, err := c.NewNetwork(ctx)
	if err != nil {
		return nil, err
	}
	return m.ListNetworks(ctx, flags)
}

func (c *Connect) LookupNetworkByName(ctx context.Context, name string) (network.Network, error) {
	m, err := c.NewNetwork(ctx)
	if err != nil {
		return network.Network{}, err
	}
	return m.LookupByName(ctx, name)
}

func (c *Connect) DefineNetwork(ctx context.Context, xml string, flags uint) (network.Network, error) {
	m, err := c.NewNetwork(ctx)
	if err != nil {
		return network.Network{}, err
	}
	return m.Define(ctx, xml, flags)
}

func (c *Connect) CreateNetwork(ctx context.Context, name string) error {
	m, err := c.NewNetwork(ctx)
	if err != nil {
		return err
	}
	return m.Create(ctx, name)
}

func (c *Connect) DestroyNetwork(ctx context.Context, name string) error {
	m, err := c.NewNetwork(ctx)
	if err != nil {
		return err
	}
	return m.Destroy(ctx, name)
}

func (c *Connect) UndefineNetwork(ctx context.Context, name string) error {
	m, err := c.NewNetwork(ctx)
	if err != nil {
		return err
	}
	return m.Undefine(ctx, name)
}

func (c *Connect) NetworkXMLDesc(ctx context.Context, name string) (string, error) {
	m, err := c.NewNetwork(ctx)
	if err != nil {
		return "", err
	}
	return m.GetXMLDesc(ctx, name, 0)
}
