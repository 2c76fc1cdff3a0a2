// Package qemu is the emulator backend: it turns domain definitions into
// emulator processes and talks to them over their QMP control socket.
package qemu

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/walteh/minivirt/pkg/conf"
	"github.com/walteh/minivirt/pkg/diff"
	"github.com/walteh/minivirt/pkg/domain"
	"github.com/walteh/minivirt/pkg/hypervisor"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Driver manages emulator backed domains.
type Driver struct {
	store    *hypervisor.Store
	logger   zerolog.Logger
	emulator string
	graphics bool
}

var _ hypervisor.Driver = &Driver{}

// NewDriver creates the driver directories named by cfg, loads every
// persisted definition and reconciles it against the running processes.
func NewDriver(ctx context.Context, cfg *conf.Config) (*Driver, error) {
	logger := zerolog.Ctx(ctx).With().Str("driver", "qemu").Logger()

	paths := domain.Paths{
		ConfigDir: cfg.String(conf.KeyDriverConfigDir, conf.DefaultDriverConfigDir),
		LogDir:    cfg.String(conf.KeyDriverLogDir, conf.DefaultDriverLogDir),
		SocketDir: cfg.String(conf.KeyDriverSocketDir, conf.DefaultDriverSocketDir),
	}

	for _, dir := range []string{paths.LogDir, paths.SocketDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Errorf("%w: creating %s: %w", domain.ErrOperational, dir, err)
		}
	}

	store, err := hypervisor.NewStore(paths, logger)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		store:    store,
		logger:   logger,
		emulator: cfg.String(conf.KeyDriverEmulator, conf.DefaultDriverEmulator),
		graphics: cfg.Int(conf.KeyDriverGraphics, 0) != 0,
	}

	if path, err := exec.LookPath(d.emulator); err != nil {
		logger.Warn().Str("emulator", d.emulator).Msg("Emulator not found in PATH, domains will fail to start")
	} else {
		logger.Debug().Str("emulator", path).Msg("Using emulator")
	}

	if err := store.Load(ctx); err != nil {
		return nil, err
	}

	return d, nil
}

// Store exposes the record store, mainly for tests.
func (d *Driver) Store() *hypervisor.Store {
	return d.store
}

// ListAllDomains returns every defined domain ordered by name.
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

// LookupByName returns the handle of name.
func (d *Driver) LookupByName(ctx context.Context, name string) (hypervisor.Domain, error) {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return hypervisor.Domain{}, err
	}
	return d.store.Handle(rec), nil
}

// Define parses xml and persists it as <name>.xml.
func (d *Driver) Define(ctx context.Context, xml string) (hypervisor.Domain, error) {
	return d.DefineFlags(ctx, xml, 0)
}

// DefineFlags is Define with flags; DefineNoPersist keeps the definition in
// memory only.
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

	prev, err := d.store.KeepUUID(def)
	if err != nil {
		return hypervisor.Domain{}, err
	}
	if prev != nil {
		d.logChange(d.logger.Warn(), def.Name, prev.Def.XML, def.XML).Msg("Domain already defined, replacing definition")
	}

	persist := flags&hypervisor.DefineNoPersist == 0
	if persist {
		if err := d.store.WriteXML(def); err != nil {
			return hypervisor.Domain{}, err
		}
	}

	rec := d.store.Put(def, persist)

	d.logger.Info().
		Str("name", def.Name).
		Str("uuid", def.UUID).
		Int("memoryMiB", def.MemoryMiB).
		Int("vcpus", def.VCPUs).
		Bool("persistent", persist).
		Msg("Domain defined")

	return d.store.Handle(rec), nil
}

// Create starts the emulator for the defined domain name.
func (d *Driver) Create(ctx context.Context, name string) (hypervisor.Domain, error) {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return hypervisor.Domain{}, err
	}
	if err := d.start(ctx, rec); err != nil {
		return hypervisor.Domain{}, err
	}
	return d.store.Handle(rec), nil
}

// CreateXML defines a transient domain from xml and starts it. The
// definition is forgotten once the domain stops.
func (d *Driver) CreateXML(ctx context.Context, xml string) (hypervisor.Domain, error) {
	def, err := domain.Parse(ctx, xml)
	if err != nil {
		return hypervisor.Domain{}, err
	}

	d.store.Lock()
	defer d.store.Unlock()

	existing, err := d.store.Get(def.Name)
	if err == nil {
		if existing.Running() {
			return hypervisor.Domain{}, errors.Errorf("%w: domain %s already running", domain.ErrPrecondition, def.Name)
		}
		if existing.Persistent {
			return hypervisor.Domain{}, errors.Errorf("%w: domain %s is already defined, start it by name", domain.ErrPrecondition, def.Name)
		}
	}

	var prevDef *domain.Definition
	if existing != nil {
		prevDef = existing.Def
	}

	rec := d.store.Put(def, false)
	if err := d.start(ctx, rec); err != nil {
		if existing == nil {
			d.store.Remove(def.Name)
		} else {
			rec.Def = prevDef
		}
		return hypervisor.Domain{}, err
	}
	return d.store.Handle(rec), nil
}

func (d *Driver) start(ctx context.Context, rec *domain.Record) error {
	def := rec.Def

	if rec.Running() {
		return errors.Errorf("%w: domain %s already running", domain.ErrPrecondition, def.Name)
	}

	if err := os.MkdirAll(filepath.Dir(def.MonitorPath), 0755); err != nil {
		return errors.Errorf("%w: creating socket directory: %w", domain.ErrOperational, err)
	}
	// the emulator refuses to bind over a socket left behind by a crash
	_ = os.Remove(def.MonitorPath)

	if def.KVM && !kvmAvailable() {
		d.logger.Warn().Str("name", def.Name).Msg("KVM requested but /dev/kvm is not available")
	}

	args := Args(def, d.graphics)

	d.logger.Info().
		Str("name", def.Name).
		Int("memoryMiB", def.MemoryMiB).
		Int("vcpus", def.VCPUs).
		Str("disk", def.DiskPath).
		Msg("Starting domain")
	d.logger.Debug().Str("emulator", d.emulator).Strs("args", args).Msg("Emulator command")

	logPath := d.store.Paths().Log(def.Name)
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Errorf("%w: opening log file %s: %w", domain.ErrOperational, logPath, err)
	}
	defer logFile.Close()

	// not CommandContext: the emulator outlives the request that started it
	cmd := exec.Command(d.emulator, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return errors.Errorf("%w: starting %s: %w", domain.ErrOperational, d.emulator, err)
	}

	pid := cmd.Process.Pid
	rec.MarkRunning(pid, hypervisor.NextID(), domain.ReasonStarted)

	go d.reap(rec, pid, cmd)

	d.logger.Info().Str("name", def.Name).Int("pid", pid).Int("id", rec.ID).Msg("Domain started")

	if err := d.store.WritePID(def.Name, pid); err != nil {
		return err
	}
	return nil
}

// reap waits for the emulator of rec. If the record still tracks pid when
// the emulator exits, nobody stopped it through the driver and the record is
// moved to shut off here.
func (d *Driver) reap(rec *domain.Record, pid int, cmd *exec.Cmd) {
	err := cmd.Wait()

	d.store.Lock()
	defer d.store.Unlock()

	name := rec.Def.Name
	if rec.PID != pid {
		d.logger.Debug().Err(err).Str("name", name).Int("pid", pid).Msg("Emulator exited")
		return
	}

	reason := domain.ReasonShutdown
	if err != nil {
		reason = domain.ReasonFailed
	}
	d.logger.Warn().Err(err).Str("name", name).Int("pid", pid).Str("reason", string(reason)).Msg("Emulator exited on its own")

	if cur, err := d.store.Get(name); err != nil || cur != rec {
		rec.MarkShutoff(reason)
		return
	}
	d.stopped(rec, reason)
}

// Destroy kills the emulator of name immediately.
func (d *Driver) Destroy(ctx context.Context, name string) error {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return err
	}
	if !rec.Running() {
		return errors.Errorf("%w: domain %s is not running", domain.ErrPrecondition, name)
	}

	if err := unix.Kill(rec.PID, unix.SIGKILL); errors.Is(err, unix.ESRCH) {
		d.logger.Warn().Str("name", name).Int("pid", rec.PID).Msg("Emulator already gone")
	} else if err != nil {
		d.logger.Error().Err(err).Str("name", name).Int("pid", rec.PID).Msg("Failed to kill emulator")
		return errors.Errorf("%w: killing domain %s: %w", domain.ErrOperational, name, err)
	}

	d.logger.Info().Str("name", name).Int("pid", rec.PID).Msg("Domain destroyed")
	d.stopped(rec, domain.ReasonDestroyed)
	return nil
}

// Shutdown asks the emulator of name to quit over its control socket.
func (d *Driver) Shutdown(ctx context.Context, name string) error {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return err
	}
	if !rec.Running() {
		return errors.Errorf("%w: domain %s is not running", domain.ErrPrecondition, name)
	}

	reply, err := d.execute(ctx, rec, CommandQuit)
	if err != nil {
		return err
	}
	if reply == "" || strings.Contains(reply, `"error"`) {
		return errors.Errorf("%w: domain %s refused to quit: %s", domain.ErrChannel, name, reply)
	}

	d.logger.Info().Str("name", name).Int("pid", rec.PID).Msg("Domain shut down")
	d.stopped(rec, domain.ReasonShutdown)
	return nil
}

// stopped moves rec to shut off and forgets it when it was transient.
func (d *Driver) stopped(rec *domain.Record, reason domain.Reason) {
	name := rec.Def.Name
	rec.MarkShutoff(reason)

	if err := d.store.RemovePID(name); err != nil {
		d.logger.Warn().Err(err).Str("name", name).Msg("Failed to remove PID file")
	}

	if !rec.Persistent {
		d.store.Remove(name)
		d.logger.Debug().Str("name", name).Msg("Transient domain removed")
	}
}

func (d *Driver) execute(ctx context.Context, rec *domain.Record, command string) (string, error) {
	mon, err := Dial(d.logger.WithContext(ctx), rec.Def.MonitorPath)
	if err != nil {
		return "", err
	}
	defer mon.Close()

	return mon.Execute(command)
}

// GetState returns the state of name. A running domain is asked over its
// control socket; a stopped one is answered from the record.
func (d *Driver) GetState(ctx context.Context, name string) (domain.State, domain.Reason, error) {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return domain.StateNoState, domain.ReasonUnknown, err
	}
	if !rec.Running() {
		return rec.State, rec.Reason, nil
	}

	reply, err := d.execute(ctx, rec, CommandQueryStatus)
	if err != nil {
		// a process started before this driver has no reaper watching it
		if !hypervisor.Alive(rec.PID) {
			d.logger.Warn().Str("name", name).Int("pid", rec.PID).Msg("Emulator is gone, marking domain shut off")
			d.stopped(rec, domain.ReasonUnknown)
			return domain.StateShutoff, domain.ReasonUnknown, nil
		}
		return rec.State, rec.Reason, err
	}

	// a paused reply still carries the "running" key, so check it first
	switch {
	case strings.Contains(reply, `"paused"`):
		rec.State = domain.StatePaused
	case strings.Contains(reply, `"running"`):
		rec.State = domain.StateRunning
	default:
		d.logger.Debug().Str("name", name).Str("reply", reply).Msg("Unrecognized status reply, keeping state")
	}

	return rec.State, rec.Reason, nil
}

// GetInfo returns the summary of name, with process statistics while it runs.
func (d *Driver) GetInfo(ctx context.Context, name string) (hypervisor.Info, error) {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return hypervisor.Info{}, err
	}

	info := hypervisor.Info{
		State:     rec.State,
		Reason:    rec.Reason,
		MaxMemMiB: rec.Def.MemoryMiB,
		VCPUs:     rec.Def.VCPUs,
		ID:        rec.ID,
		PID:       rec.PID,
	}
	if !rec.Running() {
		return info, nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(rec.PID))
	if err != nil {
		d.logger.Debug().Err(err).Str("name", name).Int("pid", rec.PID).Msg("No process statistics")
		return info, nil
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		info.RSSBytes = mem.RSS
	}
	if times, err := proc.TimesWithContext(ctx); err == nil {
		info.CPUSeconds = times.User + times.System
	}
	return info, nil
}

// GetXMLDesc returns the stored description of name.
func (d *Driver) GetXMLDesc(ctx context.Context, name string) (string, error) {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return "", err
	}
	return rec.Def.XML, nil
}

// Undefine removes the definition of a stopped domain.
func (d *Driver) Undefine(ctx context.Context, name string) error {
	return d.UndefineFlags(ctx, name, 0)
}

// UndefineFlags is Undefine with flags. No flags are supported yet.
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
	if rec.Running() {
		return errors.Errorf("%w: domain %s is running", domain.ErrPrecondition, name)
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

// AttachDevice merges the device fragment xml into the description of name.
// The change is made to the stored definition; a running emulator picks it
// up on its next start. flags are accepted for compatibility and ignored.
func (d *Driver) AttachDevice(ctx context.Context, name string, xml string, flags uint) error {
	d.store.Lock()
	defer d.store.Unlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return err
	}

	merged, err := domain.MergeDevice(rec.Def.XML, xml)
	if err != nil {
		return err
	}

	next, err := domain.Reparse(ctx, rec.Def, merged)
	if err != nil {
		return err
	}

	if rec.Persistent {
		if err := d.store.WriteXML(next); err != nil {
			return err
		}
	}
	d.logChange(d.logger.Info(), name, rec.Def.XML, next.XML).Uint("flags", flags).Msg("Device attached")
	rec.Def = next

	return nil
}

// logChange adds to ev how many lines a definition change adds and removes.
func (d *Driver) logChange(ev *zerolog.Event, name, before, after string) *zerolog.Event {
	ev = ev.Str("name", name)
	added, removed, err := diff.Stats(diff.Unified(name+".xml", before, after))
	if err != nil {
		return ev.AnErr("diffErr", err)
	}
	return ev.Int("linesAdded", added).Int("linesRemoved", removed)
}
