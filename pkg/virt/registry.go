// Package virt is the connection layer: it picks a driver from a connection
// URI and bundles it with the storage and network managers.
package virt

import (
	"context"
	"strings"
	"sync"

	"github.com/walteh/minivirt/pkg/conf"
	"github.com/walteh/minivirt/pkg/domain"
	"github.com/walteh/minivirt/pkg/hypervisor"
	"github.com/walteh/minivirt/pkg/hypervisor/xen"
	"github.com/walteh/minivirt/pkg/qemu"
	"gitlab.com/tozd/go/errors"
)

// Factory builds a driver. The ctx carries the logger.
type Factory func(ctx context.Context, cfg *conf.Config) (hypervisor.Driver, error)

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
	builtins   sync.Once
)

func registerBuiltins() {
	builtins.Do(func() {
		registryMu.Lock()
		defer registryMu.Unlock()

		factories["qemu"] = func(ctx context.Context, cfg *conf.Config) (hypervisor.Driver, error) {
			return qemu.NewDriver(ctx, cfg)
		}
		factories["xen"] = func(ctx context.Context, cfg *conf.Config) (hypervisor.Driver, error) {
			return xen.NewDriver(ctx, cfg)
		}
	})
}

// Register adds or replaces the factory for scheme.
func Register(scheme string, factory Factory) {
	registerBuiltins()

	registryMu.Lock()
	defer registryMu.Unlock()
	factories[scheme] = factory
}

// Schemes lists the registered schemes.
func Schemes() []string {
	registerBuiltins()

	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]string, 0, len(factories))
	for scheme := range factories {
		out = append(out, scheme)
	}
	return out
}

// NewDriver builds the driver named by the scheme of uri, e.g. qemu:///system.
func NewDriver(ctx context.Context, uri string, cfg *conf.Config) (hypervisor.Driver, error) {
	registerBuiltins()

	scheme, _, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return nil, errors.Errorf("%w: invalid connection uri %q", domain.ErrPrecondition, uri)
	}

	registryMu.RLock()
	factory, ok := factories[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("%w: unknown driver %q", domain.ErrPrecondition, scheme)
	}

	return factory(ctx, cfg)
}
