package hypervisor_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/minivirt/pkg/domain"
	"github.com/walteh/minivirt/pkg/hypervisor"
	"gitlab.com/tozd/go/errors"
)

const betaXML = `<domain>
  <name>beta</name>
  <memory unit="MiB">512</memory>
</domain>`

func newStore(t *testing.T) *hypervisor.Store {
	t.Helper()
	dir := t.TempDir()
	logger := log.With().Str("component", "store-test").Logger()
	s, err := hypervisor.NewStore(domain.Paths{
		ConfigDir: filepath.Join(dir, "domains"),
		LogDir:    filepath.Join(dir, "logs"),
		SocketDir: filepath.Join(dir, "sockets"),
	}, logger)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// deadPID returns the pid of a child that already exited and was reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestLoadWritesGeneratedUUID(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	path := s.Paths().XML("beta")
	writeFile(t, path, betaXML)

	require.NoError(t, s.Load(ctx))

	rec, err := s.Get("beta")
	require.NoError(t, err)
	require.NotEmpty(t, rec.Def.UUID)
	assert.Equal(t, s.Paths().Socket("beta"), rec.Def.MonitorPath)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<uuid>"+rec.Def.UUID+"</uuid>")

	// reloading keeps the same uuid
	require.NoError(t, s.Load(ctx))
	again, err := s.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, rec.Def.UUID, again.Def.UUID)
	assert.Len(t, s.List(), 1)
}

func TestLoadSkipsBrokenFiles(t *testing.T) {
	s := newStore(t)
	writeFile(t, s.Paths().XML("beta"), betaXML)
	writeFile(t, s.Paths().XML("broken"), "<domain><name>broken")
	writeFile(t, filepath.Join(s.Paths().ConfigDir, "notes.txt"), "not a domain")

	require.NoError(t, s.Load(t.Context()))

	recs := s.List()
	require.Len(t, recs, 1)
	assert.Equal(t, "beta", recs[0].Def.Name)
}

func TestReconcileLivePID(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	writeFile(t, s.Paths().XML("beta"), betaXML)
	require.NoError(t, s.WritePID("beta", os.Getpid()))

	require.NoError(t, s.Load(ctx))
	rec, err := s.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, rec.State)
	assert.Equal(t, domain.ReasonBooted, rec.Reason)
	assert.Equal(t, os.Getpid(), rec.PID)
	firstID := rec.ID

	require.NoError(t, s.Load(ctx))
	rec, err = s.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, rec.State)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, firstID, rec.ID, "a second load does not restart the domain")

	_, err = os.Stat(s.Paths().PID("beta"))
	assert.NoError(t, err)
}

func TestReconcileDeadPID(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	writeFile(t, s.Paths().XML("beta"), betaXML)
	require.NoError(t, s.WritePID("beta", deadPID(t)))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Load(ctx))
		rec, err := s.Get("beta")
		require.NoError(t, err)
		assert.Equal(t, domain.StateShutoff, rec.State)
		assert.Equal(t, domain.NoPID, rec.PID)
		assert.Equal(t, domain.NoID, rec.ID)

		_, err = os.Stat(s.Paths().PID("beta"))
		assert.True(t, os.IsNotExist(err), "stale pid file is removed")
	}
}

func TestReconcileGarbagePID(t *testing.T) {
	s := newStore(t)
	writeFile(t, s.Paths().XML("beta"), betaXML)
	writeFile(t, s.Paths().PID("beta"), "not-a-pid\n")

	require.NoError(t, s.Load(t.Context()))
	rec, err := s.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, domain.StateShutoff, rec.State)

	_, err = os.Stat(s.Paths().PID("beta"))
	assert.True(t, os.IsNotExist(err))
}

func TestReconcileUsesAliveFunc(t *testing.T) {
	s := newStore(t)
	writeFile(t, s.Paths().XML("beta"), betaXML)
	require.NoError(t, s.WritePID("beta", 4242))

	s.SetAliveFunc(func(pid int) bool { return pid == 4242 })
	require.NoError(t, s.Load(t.Context()))

	rec, err := s.Get("beta")
	require.NoError(t, err)
	assert.True(t, rec.Running())
	assert.Equal(t, 4242, rec.PID)
}

func TestPIDFiles(t *testing.T) {
	s := newStore(t)

	_, err := s.ReadPID("beta")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, s.WritePID("beta", 1234))
	data, err := os.ReadFile(s.Paths().PID("beta"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(1234)+"\n", string(data))

	pid, err := s.ReadPID("beta")
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	require.NoError(t, s.RemovePID("beta"))
	require.NoError(t, s.RemovePID("beta"), "removing twice is fine")
}

func TestRemoveXMLMissing(t *testing.T) {
	s := newStore(t)
	err := s.RemoveXML("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOperational))
}

func TestAlive(t *testing.T) {
	assert.True(t, hypervisor.Alive(os.Getpid()))
	assert.False(t, hypervisor.Alive(deadPID(t)))
	assert.False(t, hypervisor.Alive(domain.NoPID))
	assert.False(t, hypervisor.Alive(0))
}

func TestNextIDIsUnique(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		id := hypervisor.NextID()
		assert.False(t, seen[id])
		assert.Greater(t, id, 0)
		seen[id] = true
	}
}
