package qemu

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/minivirt/pkg/conf"
	"github.com/walteh/minivirt/pkg/domain"
	"github.com/walteh/minivirt/pkg/hypervisor"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

const alphaXML = `<domain type="kvm">
  <name>alpha</name>
  <memory unit="KiB">1048576</memory>
  <vcpu>2</vcpu>
  <devices>
    <disk type="file" device="disk">
      <source file="/images/alpha.qcow2"/>
    </disk>
  </devices>
</domain>`

// standInEmulator writes a script that ignores its arguments and sleeps,
// standing in for the real emulator binary.
func standInEmulator(t *testing.T) string {
	return scriptEmulator(t, "exec sleep 60")
}

// scriptEmulator writes a shell script running body in place of the emulator.
func scriptEmulator(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emulator")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

// waitShutoff waits until the record of name is no longer running.
func waitShutoff(t *testing.T, d *Driver, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		d.store.Lock()
		defer d.store.Unlock()
		rec, err := d.store.Get(name)
		return err != nil || !rec.Running()
	}, 5*time.Second, 10*time.Millisecond)
}

func newTestDriver(t *testing.T, emulator string) (*Driver, *conf.Config) {
	t.Helper()

	// short base directory so control socket paths stay below sun_path
	dir, err := os.MkdirTemp("", "qd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := conf.New()
	cfg.Set(conf.KeyDriverConfigDir, filepath.Join(dir, "domains"))
	cfg.Set(conf.KeyDriverLogDir, filepath.Join(dir, "logs"))
	cfg.Set(conf.KeyDriverSocketDir, filepath.Join(dir, "sockets"))
	cfg.Set(conf.KeyDriverEmulator, emulator)

	d, err := NewDriver(testContext(t), cfg)
	require.NoError(t, err)
	return d, cfg
}

// killOnCleanup makes sure a stand-in never outlives the test.
func killOnCleanup(t *testing.T, d *Driver, name string) {
	t.Cleanup(func() {
		d.store.Lock()
		defer d.store.Unlock()
		if rec, err := d.store.Get(name); err == nil && rec.Running() {
			_ = unix.Kill(rec.PID, unix.SIGKILL)
		}
	})
}

func TestDefinePersistsUUID(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, standInEmulator(t))

	dom, err := d.Define(ctx, alphaXML)
	require.NoError(t, err)
	assert.Equal(t, "alpha", dom.Name)
	assert.Equal(t, domain.NoID, dom.ID)
	require.NotEmpty(t, dom.UUID)

	info, err := d.GetInfo(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1024, info.MaxMemMiB)
	assert.Equal(t, 2, info.VCPUs)
	assert.Equal(t, domain.StateShutoff, info.State)

	data, err := os.ReadFile(d.store.Paths().XML("alpha"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<uuid>"+dom.UUID+"</uuid>")

	state, _, err := d.GetState(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateShutoff, state)
}

func TestDefineNoPersist(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, standInEmulator(t))

	_, err := d.DefineFlags(ctx, alphaXML, hypervisor.DefineNoPersist)
	require.NoError(t, err)

	_, err = os.Stat(d.store.Paths().XML("alpha"))
	assert.True(t, os.IsNotExist(err))

	_, err = d.DefineFlags(ctx, alphaXML, 1<<7)
	assert.True(t, errors.Is(err, domain.ErrPrecondition))
}

func TestRedefineKeepsRuntimeState(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, standInEmulator(t))
	killOnCleanup(t, d, "alpha")

	first, err := d.Define(ctx, alphaXML)
	require.NoError(t, err)
	started, err := d.Create(ctx, "alpha")
	require.NoError(t, err)

	updated := strings.Replace(alphaXML, "<vcpu>2</vcpu>", "<vcpu>4</vcpu>", 1)
	second, err := d.Define(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID, "a redefinition without uuid keeps the existing one")
	assert.Equal(t, started.ID, second.ID)

	data, err := os.ReadFile(d.store.Paths().XML("alpha"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<uuid>"+first.UUID+"</uuid>")
	assert.Contains(t, string(data), "<vcpu>4</vcpu>")

	info, err := d.GetInfo(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 4, info.VCPUs)
	assert.Equal(t, domain.StateRunning, info.State)

	require.NoError(t, d.Destroy(ctx, "alpha"))
}

func TestLifecycle(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, standInEmulator(t))
	killOnCleanup(t, d, "alpha")

	_, err := d.Define(ctx, alphaXML)
	require.NoError(t, err)

	dom, err := d.Create(ctx, "alpha")
	require.NoError(t, err)
	assert.Greater(t, dom.ID, 0)

	info, err := d.GetInfo(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, info.State)
	assert.Equal(t, domain.ReasonStarted, info.Reason)
	require.Greater(t, info.PID, 0)

	pid, err := d.store.ReadPID("alpha")
	require.NoError(t, err)
	assert.Equal(t, info.PID, pid)
	assert.True(t, hypervisor.Alive(pid))

	// a second start is refused and does not spawn anything
	_, err = d.Create(ctx, "alpha")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPrecondition))
	again, err := d.GetInfo(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, info.PID, again.PID)

	// running domains cannot be undefined
	err = d.Undefine(ctx, "alpha")
	assert.True(t, errors.Is(err, domain.ErrPrecondition))

	require.NoError(t, d.Destroy(ctx, "alpha"))

	_, err = os.Stat(d.store.Paths().PID("alpha"))
	assert.True(t, os.IsNotExist(err), "pid file should be gone")

	// no control socket exists, so this only passes without I/O
	state, reason, err := d.GetState(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateShutoff, state)
	assert.Equal(t, domain.ReasonDestroyed, reason)

	dom, err = d.LookupByName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.NoID, dom.ID)

	err = d.Destroy(ctx, "alpha")
	assert.True(t, errors.Is(err, domain.ErrPrecondition))

	require.NoError(t, d.Undefine(ctx, "alpha"))
	_, err = d.LookupByName(ctx, "alpha")
	assert.True(t, errors.Is(err, domain.ErrPrecondition))
	_, err = os.Stat(d.store.Paths().XML("alpha"))
	assert.True(t, os.IsNotExist(err))
}

func TestEmulatorExitsOnItsOwn(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		transient bool
		reason    domain.Reason
	}{
		{name: "crash", script: "exit 1", reason: domain.ReasonFailed},
		{name: "guest power off", script: "exit 0", reason: domain.ReasonShutdown},
		{name: "transient crash", script: "exit 1", transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			d, _ := newTestDriver(t, scriptEmulator(t, tt.script))
			killOnCleanup(t, d, "alpha")

			if tt.transient {
				_, err := d.CreateXML(ctx, alphaXML)
				require.NoError(t, err)
				waitShutoff(t, d, "alpha")

				_, err = d.LookupByName(ctx, "alpha")
				assert.True(t, errors.Is(err, domain.ErrPrecondition), "transient domain is forgotten once it exits")
				_, err = os.Stat(d.store.Paths().PID("alpha"))
				assert.True(t, os.IsNotExist(err))
				return
			}

			_, err := d.Define(ctx, alphaXML)
			require.NoError(t, err)
			_, err = d.Create(ctx, "alpha")
			require.NoError(t, err)
			waitShutoff(t, d, "alpha")

			info, err := d.GetInfo(ctx, "alpha")
			require.NoError(t, err)
			assert.Equal(t, domain.StateShutoff, info.State)
			assert.Equal(t, tt.reason, info.Reason)
			assert.Equal(t, domain.NoPID, info.PID)
			assert.Equal(t, domain.NoID, info.ID)

			_, err = os.Stat(d.store.Paths().PID("alpha"))
			assert.True(t, os.IsNotExist(err), "pid file should be gone")

			state, _, err := d.GetState(ctx, "alpha")
			require.NoError(t, err)
			assert.Equal(t, domain.StateShutoff, state)

			err = d.Destroy(ctx, "alpha")
			assert.True(t, errors.Is(err, domain.ErrPrecondition))

			// the domain can be started again
			_, err = d.Create(ctx, "alpha")
			require.NoError(t, err)
			waitShutoff(t, d, "alpha")

			require.NoError(t, d.Undefine(ctx, "alpha"))
		})
	}
}

func TestEmulatorGoneBeforeReload(t *testing.T) {
	ctx := testContext(t)
	d, cfg := newTestDriver(t, standInEmulator(t))
	killOnCleanup(t, d, "alpha")

	_, err := d.Define(ctx, alphaXML)
	require.NoError(t, err)
	_, err = d.Create(ctx, "alpha")
	require.NoError(t, err)
	pid, err := d.store.ReadPID("alpha")
	require.NoError(t, err)

	// both drivers adopt the running process but neither is its parent
	queried, err := NewDriver(ctx, cfg)
	require.NoError(t, err)
	destroyed, err := NewDriver(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, unix.Kill(pid, unix.SIGKILL))
	require.False(t, waitDead(pid))

	state, reason, err := queried.GetState(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateShutoff, state)
	assert.Equal(t, domain.ReasonUnknown, reason)

	require.NoError(t, destroyed.Destroy(ctx, "alpha"))
	info, err := destroyed.GetInfo(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateShutoff, info.State)
	assert.Equal(t, domain.NoPID, info.PID)
}

func TestCreateEmulatorMissing(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, filepath.Join(t.TempDir(), "no-such-emulator"))

	_, err := d.Define(ctx, alphaXML)
	require.NoError(t, err)

	_, err = d.Create(ctx, "alpha")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOperational))

	state, _, err := d.GetState(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateShutoff, state)
}

func TestShutdownAndState(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, standInEmulator(t))
	killOnCleanup(t, d, "alpha")

	_, err := d.Define(ctx, alphaXML)
	require.NoError(t, err)
	_, err = d.Create(ctx, "alpha")
	require.NoError(t, err)

	info, err := d.GetInfo(ctx, "alpha")
	require.NoError(t, err)
	pid := info.PID
	t.Cleanup(func() { _ = unix.Kill(pid, unix.SIGKILL) })

	fake := newFakeEmulator(t, d.store.Paths().Socket("alpha"), map[string]string{
		CommandCapabilities: `{"return": {}}`,
		CommandQueryStatus:  `{"return": {"status": "paused", "singlestep": false, "running": false}}`,
		CommandQuit:         `{"return": {}}`,
	})

	state, _, err := d.GetState(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, state)

	fake.mu.Lock()
	fake.replies[CommandQueryStatus] = `{"return": {"status": "running", "singlestep": false, "running": true}}`
	fake.mu.Unlock()

	state, _, err = d.GetState(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, state)

	fake.mu.Lock()
	fake.replies[CommandQueryStatus] = `{"return": {"status": "inmigrate"}}`
	fake.mu.Unlock()

	state, _, err = d.GetState(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, state, "unknown status keeps the stored state")

	require.NoError(t, d.Shutdown(ctx, "alpha"))

	before := len(fake.Received())
	state, reason, err := d.GetState(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateShutoff, state)
	assert.Equal(t, domain.ReasonShutdown, reason)
	assert.Equal(t, before, len(fake.Received()), "no monitor traffic once shut off")

	_, err = os.Stat(d.store.Paths().PID("alpha"))
	assert.True(t, os.IsNotExist(err))
}

func TestShutdownRefused(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, standInEmulator(t))
	killOnCleanup(t, d, "alpha")

	_, err := d.Define(ctx, alphaXML)
	require.NoError(t, err)
	_, err = d.Create(ctx, "alpha")
	require.NoError(t, err)

	newFakeEmulator(t, d.store.Paths().Socket("alpha"), map[string]string{
		CommandCapabilities: `{"return": {}}`,
		CommandQuit:         `{"error": {"class": "GenericError", "desc": "busy"}}`,
	})

	err = d.Shutdown(ctx, "alpha")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrChannel))

	info, err := d.GetInfo(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, info.State)

	require.NoError(t, d.Destroy(ctx, "alpha"))
}

func TestCreateXMLIsTransient(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, standInEmulator(t))
	killOnCleanup(t, d, "alpha")

	dom, err := d.CreateXML(ctx, alphaXML)
	require.NoError(t, err)
	assert.Greater(t, dom.ID, 0)

	_, err = os.Stat(d.store.Paths().XML("alpha"))
	assert.True(t, os.IsNotExist(err), "transient domains are not persisted")

	_, err = d.CreateXML(ctx, alphaXML)
	assert.True(t, errors.Is(err, domain.ErrPrecondition))

	require.NoError(t, d.Destroy(ctx, "alpha"))

	_, err = d.LookupByName(ctx, "alpha")
	assert.True(t, errors.Is(err, domain.ErrPrecondition), "transient domain is forgotten once stopped")
}

func TestCreateXMLOverDefinedDomain(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, filepath.Join(t.TempDir(), "no-such-emulator"))

	_, err := d.Define(ctx, alphaXML)
	require.NoError(t, err)

	_, err = d.CreateXML(ctx, strings.Replace(alphaXML, "<vcpu>2</vcpu>", "<vcpu>4</vcpu>", 1))
	assert.True(t, errors.Is(err, domain.ErrPrecondition))

	info, err := d.GetInfo(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, info.VCPUs)
}

func TestCreateXMLRestoresDefinitionOnFailure(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, filepath.Join(t.TempDir(), "no-such-emulator"))

	_, err := d.DefineFlags(ctx, alphaXML, hypervisor.DefineNoPersist)
	require.NoError(t, err)

	_, err = d.CreateXML(ctx, strings.Replace(alphaXML, "<vcpu>2</vcpu>", "<vcpu>4</vcpu>", 1))
	assert.True(t, errors.Is(err, domain.ErrOperational))

	info, err := d.GetInfo(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, info.VCPUs)
	assert.Equal(t, domain.StateShutoff, info.State)
}

func TestAttachDeviceWithoutDevices(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, standInEmulator(t))

	_, err := d.Define(ctx, `<domain><name>bare</name><memory unit="MiB">512</memory></domain>`)
	require.NoError(t, err)

	disk := `<disk type="file" device="disk"><source file="/images/bare.qcow2"/><target dev="vda"/></disk>`
	require.NoError(t, d.AttachDevice(ctx, "bare", disk, 0))

	desc, err := d.GetXMLDesc(ctx, "bare")
	require.NoError(t, err)
	assert.Contains(t, desc, "<devices>")
	assert.Contains(t, desc, `<source file="/images/bare.qcow2"/>`)

	data, err := os.ReadFile(d.store.Paths().XML("bare"))
	require.NoError(t, err)
	assert.Equal(t, desc, string(data))

	d.store.Lock()
	rec, err := d.store.Get("bare")
	d.store.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "/images/bare.qcow2", rec.Def.DiskPath)

	err = d.AttachDevice(ctx, "bare", "<disk", 0)
	assert.True(t, errors.Is(err, domain.ErrParse))

	err = d.AttachDevice(ctx, "ghost", disk, 0)
	assert.True(t, errors.Is(err, domain.ErrPrecondition))
}

func TestUnknownDomain(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, standInEmulator(t))

	calls := map[string]func() error{
		"create":   func() error { _, err := d.Create(ctx, "ghost"); return err },
		"destroy":  func() error { return d.Destroy(ctx, "ghost") },
		"shutdown": func() error { return d.Shutdown(ctx, "ghost") },
		"state":    func() error { _, _, err := d.GetState(ctx, "ghost"); return err },
		"info":     func() error { _, err := d.GetInfo(ctx, "ghost"); return err },
		"xml":      func() error { _, err := d.GetXMLDesc(ctx, "ghost"); return err },
		"undefine": func() error { return d.Undefine(ctx, "ghost") },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrPrecondition))
		})
	}
}

func TestListAllDomains(t *testing.T) {
	ctx := testContext(t)
	d, _ := newTestDriver(t, standInEmulator(t))

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := d.Define(ctx, "<domain><name>"+name+"</name></domain>")
		require.NoError(t, err)
	}

	doms, err := d.ListAllDomains(ctx, 0)
	require.NoError(t, err)
	names := make([]string, 0, len(doms))
	for _, dom := range doms {
		names = append(names, dom.Name)
	}
	if diff := cmp.Diff([]string{"alpha", "mid", "zeta"}, names); diff != "" {
		t.Errorf("domains mismatch (-want +got):\n%s", diff)
	}

	_, err = d.ListAllDomains(ctx, 1)
	assert.Error(t, err)
}

func TestReloadFindsRunningDomain(t *testing.T) {
	ctx := testContext(t)
	d, cfg := newTestDriver(t, standInEmulator(t))
	killOnCleanup(t, d, "alpha")

	_, err := d.Define(ctx, alphaXML)
	require.NoError(t, err)
	_, err = d.Create(ctx, "alpha")
	require.NoError(t, err)

	// a second driver over the same directories sees the live process
	reloaded, err := NewDriver(ctx, cfg)
	require.NoError(t, err)

	info, err := reloaded.GetInfo(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, info.State)
	assert.Equal(t, domain.ReasonBooted, info.Reason)

	pid, err := d.store.ReadPID("alpha")
	require.NoError(t, err)
	assert.Equal(t, pid, info.PID)

	require.NoError(t, reloaded.Destroy(ctx, "alpha"))
	assert.False(t, waitDead(pid), "the first driver reaps the killed emulator")
}

// waitDead polls until pid is gone and reports whether it is still alive.
func waitDead(pid int) bool {
	for i := 0; i < 100; i++ {
		if !hypervisor.Alive(pid) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return hypervisor.Alive(pid)
}
