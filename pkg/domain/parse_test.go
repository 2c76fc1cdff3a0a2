package domain_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/minivirt/pkg/domain"
	"gitlab.com/tozd/go/errors"
)

func testContext(t *testing.T) context.Context {
	logger := log.With().Str("component", "domain-test").Logger()
	return logger.WithContext(t.Context())
}

const alphaXML = `<domain type="kvm">
  <name>alpha</name>
  <memory unit="KiB">1048576</memory>
  <vcpu>2</vcpu>
  <devices>
    <disk type="file" device="cdrom">
      <source file="/images/install.iso"/>
    </disk>
    <disk type="file" device="disk">
      <source file="/images/alpha.qcow2"/>
    </disk>
    <disk type="file" device="disk">
      <source file="/images/second.qcow2"/>
    </disk>
    <interface type="bridge">
      <mac address="52:54:00:aa:bb:cc"/>
      <source bridge="br0"/>
      <target dev="vnet0"/>
    </interface>
    <interface type="network">
      <source network="default"/>
      <model type="virtio"/>
    </interface>
    <interface>
      <source bridge="ignored"/>
    </interface>
    <network>
      <name>lan</name>
      <bridge name="br1"/>
      <mac address="52:54:00:00:00:01"/>
    </network>
    <network>
      <name>nobridge</name>
    </network>
  </devices>
</domain>`

func TestParse(t *testing.T) {
	def, err := domain.Parse(testContext(t), alphaXML)
	require.NoError(t, err)

	assert.Equal(t, "alpha", def.Name)
	assert.Equal(t, 1024, def.MemoryMiB)
	assert.Equal(t, 2, def.VCPUs)
	assert.True(t, def.KVM)
	assert.Equal(t, "/images/alpha.qcow2", def.DiskPath)
	assert.Equal(t, "/images/install.iso", def.CDROMPath)
	assert.True(t, def.UUIDGenerated)
	assert.NotEmpty(t, def.UUID)

	want := []domain.Interface{
		{Type: "bridge", MAC: "52:54:00:aa:bb:cc", Model: "e1000", Source: "br0", Target: "vnet0"},
		{Type: "network", Model: "virtio", Source: "default"},
		{Type: "bridge", MAC: "52:54:00:00:00:01", Model: "e1000", Source: "br1"},
	}
	if diff := cmp.Diff(want, def.Interfaces); diff != "" {
		t.Errorf("interfaces mismatch (-want +got):\n%s", diff)
	}
}

func TestParseUUIDRoundTrip(t *testing.T) {
	ctx := testContext(t)

	first, err := domain.Parse(ctx, alphaXML)
	require.NoError(t, err)
	require.True(t, first.UUIDGenerated)

	nameAt := strings.Index(first.XML, "<name>alpha</name>")
	uuidAt := strings.Index(first.XML, "<uuid>"+first.UUID+"</uuid>")
	memoryAt := strings.Index(first.XML, "<memory")
	require.GreaterOrEqual(t, nameAt, 0)
	assert.Greater(t, uuidAt, nameAt, "uuid should follow name")
	assert.Less(t, uuidAt, memoryAt, "uuid should precede memory")

	second, err := domain.Parse(ctx, first.XML)
	require.NoError(t, err)
	assert.False(t, second.UUIDGenerated)
	assert.Equal(t, first.UUID, second.UUID)
	assert.Equal(t, first.XML, second.XML)
}

func TestParseKeepsExistingUUID(t *testing.T) {
	xml := `<domain><name>beta</name><uuid>5f1ae0e5-7c39-4b0b-8a2e-3f2f3b8c1a10</uuid></domain>`

	def, err := domain.Parse(testContext(t), xml)
	require.NoError(t, err)
	assert.False(t, def.UUIDGenerated)
	assert.Equal(t, "5f1ae0e5-7c39-4b0b-8a2e-3f2f3b8c1a10", def.UUID)
	assert.Equal(t, xml, def.XML)
	assert.Equal(t, 1, def.VCPUs, "vcpu defaults to one")
	assert.False(t, def.KVM)
}

func TestParseMemoryUnits(t *testing.T) {
	tests := []struct {
		name    string
		memory  string
		want    int
		wantErr bool
	}{
		{name: "kib", memory: `<memory unit="KiB">1048576</memory>`, want: 1024},
		{name: "default unit is kib", memory: `<memory>1048576</memory>`, want: 1024},
		{name: "mib", memory: `<memory unit="MiB">1024</memory>`, want: 1024},
		{name: "gib", memory: `<memory unit="GiB">1</memory>`, want: 1024},
		{name: "tib", memory: `<memory unit="TiB">0.0009765625</memory>`, want: 1024},
		{name: "kib truncates", memory: `<memory unit="KiB">1049599</memory>`, want: 1024},
		{name: "no memory", memory: ``, want: 0},
		{name: "unknown unit", memory: `<memory unit="PiB">1</memory>`, wantErr: true},
		{name: "not a number", memory: `<memory unit="MiB">lots</memory>`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xml := "<domain><name>m</name><uuid>u</uuid>" + tt.memory + "</domain>"
			def, err := domain.Parse(testContext(t), xml)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrParse))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, def.MemoryMiB)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		xml  string
	}{
		{name: "malformed", xml: `<domain><name>x</name>`},
		{name: "empty", xml: ``},
		{name: "wrong root", xml: `<network><name>x</name></network>`},
		{name: "missing name", xml: `<domain><vcpu>1</vcpu></domain>`},
		{name: "empty name", xml: `<domain><name>  </name></domain>`},
		{name: "bad vcpu", xml: `<domain><name>x</name><vcpu>zero</vcpu></domain>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := domain.Parse(testContext(t), tt.xml)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrParse), "got %v", err)
		})
	}
}

func TestMergeDevice(t *testing.T) {
	ctx := testContext(t)
	desc := `<domain><name>alpha</name><uuid>u-1</uuid></domain>`
	fragment := `<disk type="file" device="disk"><source file="/images/extra.qcow2"/><target dev="vdb"/></disk>`

	merged, err := domain.MergeDevice(desc, fragment)
	require.NoError(t, err)
	assert.Contains(t, merged, "<devices>")
	assert.Contains(t, merged, `<source file="/images/extra.qcow2"/>`)

	def, err := domain.Parse(ctx, merged)
	require.NoError(t, err)
	assert.Equal(t, "/images/extra.qcow2", def.DiskPath)
	assert.Equal(t, "u-1", def.UUID)

	// a second device lands in the same container
	merged, err = domain.MergeDevice(merged, `<interface type="bridge"><source bridge="br0"/></interface>`)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(merged, "<devices>"))

	def, err = domain.Parse(ctx, merged)
	require.NoError(t, err)
	require.Len(t, def.Interfaces, 1)
	assert.Equal(t, "br0", def.Interfaces[0].Source)
}

func TestMergeDeviceErrors(t *testing.T) {
	tests := []struct {
		name     string
		desc     string
		fragment string
	}{
		{name: "bad fragment", desc: `<domain><name>a</name></domain>`, fragment: `<disk>`},
		{name: "bad description", desc: `<domain><name>a</name>`, fragment: `<disk/>`},
		{name: "no domain root", desc: `<pool><name>a</name></pool>`, fragment: `<disk/>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := domain.MergeDevice(tt.desc, tt.fragment)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrParse))
		})
	}
}

func TestRecordTransitions(t *testing.T) {
	rec := domain.NewRecord(&domain.Definition{Name: "alpha"})
	assert.Equal(t, domain.StateShutoff, rec.State)
	assert.False(t, rec.Running())

	rec.MarkRunning(4242, 7, domain.ReasonStarted)
	assert.True(t, rec.Running())
	assert.Equal(t, domain.StateRunning, rec.State)
	assert.Equal(t, 7, rec.ID)

	rec.MarkShutoff(domain.ReasonDestroyed)
	assert.Equal(t, domain.NoPID, rec.PID)
	assert.Equal(t, domain.NoID, rec.ID)
	assert.Equal(t, domain.ReasonDestroyed, rec.Reason)
	assert.Equal(t, "shut off", rec.State.String())
}

func TestParseMonitorPath(t *testing.T) {
	ctx := testContext(t)

	def, err := domain.Parse(ctx, `<domain><name>a</name><devices><monitor path="/run/a.qmp"/></devices></domain>`)
	require.NoError(t, err)
	assert.Equal(t, "/run/a.qmp", def.MonitorPath)

	def, err = domain.Parse(ctx, `<domain><name>b</name></domain>`)
	require.NoError(t, err)
	assert.Empty(t, def.MonitorPath, "the driver derives the path from the name")
}

func TestSetUUID(t *testing.T) {
	ctx := testContext(t)
	const id = "6f1c7a52-2d4e-4b8a-9a61-0f3e5c2b7d10"

	def, err := domain.Parse(ctx, `<domain><name>a</name></domain>`)
	require.NoError(t, err)
	require.True(t, def.UUIDGenerated)

	require.NoError(t, domain.SetUUID(def, id))
	assert.Equal(t, id, def.UUID)
	assert.Contains(t, def.XML, "<uuid>"+id+"</uuid>")

	again, err := domain.Parse(ctx, def.XML)
	require.NoError(t, err)
	assert.Equal(t, id, again.UUID)
	assert.False(t, again.UUIDGenerated)

	// an explicit uuid is never overwritten
	require.NoError(t, domain.SetUUID(again, "00000000-0000-0000-0000-000000000001"))
	assert.Equal(t, id, again.UUID)
}
