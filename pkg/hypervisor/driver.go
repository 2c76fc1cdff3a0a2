// Package hypervisor defines the backend-agnostic domain driver interface and
// the record store the backends share.
package hypervisor

import (
	"context"

	"github.com/walteh/minivirt/pkg/domain"
)

// Define flags.
const (
	// DefineNoPersist keeps the definition in memory only.
	DefineNoPersist uint = 1 << iota
)

// Domain is the caller-facing handle of a defined machine. It is a snapshot;
// callers look domains up again to observe changes.
type Domain struct {
	Name string
	ID   int
	UUID string
}

// Info is the virDomainGetInfo style summary of one domain.
type Info struct {
	State     domain.State
	Reason    domain.Reason
	MaxMemMiB int
	VCPUs     int
	ID        int
	PID       int

	// process statistics, only filled in while running
	RSSBytes   uint64
	CPUSeconds float64
}

// Driver is implemented by every emulator backend.
type Driver interface {
	ListAllDomains(ctx context.Context, flags uint) ([]Domain, error)
	LookupByName(ctx context.Context, name string) (Domain, error)

	Define(ctx context.Context, xml string) (Domain, error)
	DefineFlags(ctx context.Context, xml string, flags uint) (Domain, error)

	Create(ctx context.Context, name string) (Domain, error)
	CreateXML(ctx context.Context, xml string) (Domain, error)

	Destroy(ctx context.Context, name string) error
	Shutdown(ctx context.Context, name string) error

	Undefine(ctx context.Context, name string) error
	UndefineFlags(ctx context.Context, name string, flags uint) error

	GetState(ctx context.Context, name string) (domain.State, domain.Reason, error)
	GetInfo(ctx context.Context, name string) (Info, error)
	GetXMLDesc(ctx context.Context, name string) (string, error)

	AttachDevice(ctx context.Context, name string, xml string, flags uint) error
}
