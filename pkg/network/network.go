// Package network manages virtual network definitions and the host TAP
// devices that realize bridged networks.
package network

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

// Forward modes.
const (
	ForwardNAT    = "nat"
	ForwardBridge = "bridge"
)

// Network is a snapshot of one network definition.
type Network struct {
	Name    string `yaml:"name"`
	UUID    string `yaml:"uuid"`
	Forward string `yaml:"forward"`
	Bridge  string `yaml:"bridge"`
	Active  bool   `yaml:"active"`
	Tap     string `yaml:"tap,omitempty"`

	// only read for nat networks
	MAC       string `yaml:"mac,omitempty"`
	Address   string `yaml:"address,omitempty"`
	Netmask   string `yaml:"netmask,omitempty"`
	DHCPStart string `yaml:"dhcpStart,omitempty"`
	DHCPEnd   string `yaml:"dhcpEnd,omitempty"`
}

type network struct {
	Network
	xml string
}

// TapName is the TAP device created for a bridged network.
func TapName(network string) string {
	name := "tap_" + network
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// Manager owns the network definitions under network.config_dir.
type Manager struct {
	mu       sync.Mutex
	dir      string
	logger   zerolog.Logger
	links    LinkManager
	networks map[string]*network
}

// NewManager loads every definition in network.config_dir. links performs
// the host changes; nil means Netlink.
func NewManager(ctx context.Context, cfg *conf.Config, links LinkManager) (*Manager, error) {
	logger := zerolog.Ctx(ctx).With().Str("component", "network").Logger()

	if links == nil {
		links = Netlink{}
	}

	dir := cfg.String(conf.KeyNetworkConfigDir, conf.DefaultNetworkConfigDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Errorf("%w: creating network config directory: %w", domain.ErrOperational, err)
	}

	m := &Manager{
		dir:      dir,
		logger:   logger,
		links:    links,
		networks: make(map[string]*network),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Errorf("%w: reading network config directory: %w", domain.ErrOperational, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".xml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error().Err(err).Str("file", path).Msg("Failed to read network config")
			continue
		}
		n, generated, err := parseNetwork(string(data))
		if err != nil {
			logger.Error().Err(err).Str("file", path).Msg("Failed to parse network config")
			continue
		}
		if generated {
			if err := os.WriteFile(path, []byte(n.xml), 0644); err != nil {
				logger.Warn().Err(err).Str("file", path).Msg("Failed to write UUID back to network config")
			}
		}
		m.networks[n.Name] = n
	}

	logger.Info().Int("count", len(m.networks)).Msg("Loaded network configurations")
	return m, nil
}

func parseNetwork(xmlDesc string) (*network, bool, error) {
	doc, err := xmlutil.Read(xmlDesc)
	if err != nil {
		return nil, false, errors.Errorf("%w: network: %w", domain.ErrParse, err)
	}
	root := doc.SelectElement("network")
	if root == nil {
		return nil, false, errors.Errorf("%w: missing <network> element", domain.ErrParse)
	}
	if xmlutil.Text(root, "name") == "" {
		return nil, false, errors.Errorf("%w: network name not specified", domain.ErrParse)
	}

	_, generated := xmlutil.EnsureUUID(root)
	if generated {
		if xmlDesc, err = xmlutil.String(doc); err != nil {
			return nil, false, errors.Errorf("%w: %w", domain.ErrParse, err)
		}
	}

	var def libvirtxml.Network
	if err := def.Unmarshal(xmlDesc); err != nil {
		return nil, false, errors.Errorf("%w: network: %w", domain.ErrParse, err)
	}

	if def.Forward == nil || def.Forward.Mode == "" {
		return nil, false, errors.Errorf("%w: network %s has no forward mode", domain.ErrParse, def.Name)
	}
	if def.Forward.Mode != ForwardNAT && def.Forward.Mode != ForwardBridge {
		return nil, false, errors.Errorf("%w: invalid forward mode %q", domain.ErrParse, def.Forward.Mode)
	}
	if def.Bridge == nil || def.Bridge.Name == "" {
		return nil, false, errors.Errorf("%w: network %s has no bridge name", domain.ErrParse, def.Name)
	}

	n := &network{
		Network: Network{
			Name:    strings.TrimSpace(def.Name),
			UUID:    def.UUID,
			Forward: def.Forward.Mode,
			Bridge:  def.Bridge.Name,
		},
		xml: xmlDesc,
	}

	if n.Forward == ForwardNAT {
		if def.MAC != nil {
			n.MAC = def.MAC.Address
		}
		if len(def.IPs) > 0 {
			ip := def.IPs[0]
			n.Address = ip.Address
			n.Netmask = ip.Netmask
			if ip.DHCP != nil && len(ip.DHCP.Ranges) > 0 {
				n.DHCPStart = ip.DHCP.Ranges[0].Start
				n.DHCPEnd = ip.DHCP.Ranges[0].End
			}
		}
	}

	return n, generated, nil
}

func (m *Manager) get(name string) (*network, error) {
	n, ok := m.networks[name]
	if !ok {
		return nil, errors.Errorf("%w: network %s not found", domain.ErrPrecondition, name)
	}
	return n, nil
}

// ListNetworks returns every network ordered by name.
func (m *Manager) ListNetworks(ctx context.Context, flags uint) ([]Network, error) {
	if flags != 0 {
		return nil, errors.Errorf("%w: unsupported list flags %#x", domain.ErrPrecondition, flags)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Network, 0, len(m.networks))
	for _, n := range m.networks {
		out = append(out, n.Network)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) LookupByName(ctx context.Context, name string) (Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.get(name)
	if err != nil {
		return Network{}, err
	}
	return n.Network, nil
}

func (m *Manager) LookupByUUID(ctx context.Context, uuid string) (Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.networks {
		if n.UUID == uuid {
			return n.Network, nil
		}
	}
	return Network{}, errors.Errorf("%w: network with uuid %s not found", domain.ErrPrecondition, uuid)
}

// Define persists a new network definition. Names must be unique.
func (m *Manager) Define(ctx context.Context, xml string, flags uint) (Network, error) {
	if flags != 0 {
		return Network{}, errors.Errorf("%w: unsupported define flags %#x", domain.ErrPrecondition, flags)
	}

	n, _, err := parseNetwork(xml)
	if err != nil {
		return Network{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.networks[n.Name]; exists {
		return Network{}, errors.Errorf("%w: network %s already exists", domain.ErrPrecondition, n.Name)
	}

	path := filepath.Join(m.dir, n.Name+".xml")
	if err := os.WriteFile(path, []byte(n.xml), 0644); err != nil {
		return Network{}, errors.Errorf("%w: writing network config: %w", domain.ErrOperational, err)
	}
	m.networks[n.Name] = n

	m.logger.Info().Str("network", n.Name).Str("forward", n.Forward).Str("bridge", n.Bridge).Msg("Network defined")
	return n.Network, nil
}

// Create activates a network. Bridged networks get a TAP device enslaved
// to their bridge; nat networks are not implemented.
func (m *Manager) Create(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.get(name)
	if err != nil {
		return err
	}
	if n.Active {
		return errors.Errorf("%w: network %s is already active", domain.ErrPrecondition, name)
	}
	if n.Forward != ForwardBridge {
		return errors.Errorf("%w: %s forwarding is not implemented", domain.ErrOperational, n.Forward)
	}

	tap := TapName(name)
	m.logger.Info().Str("network", name).Str("tap", tap).Str("bridge", n.Bridge).Msg("Creating tap interface")

	if err := m.links.AddTap(tap); err != nil {
		return errors.Errorf("%w: %w", domain.ErrOperational, err)
	}
	if err := m.links.SetMaster(tap, n.Bridge); err != nil {
		m.rollback(tap)
		return errors.Errorf("%w: %w", domain.ErrOperational, err)
	}
	if err := m.links.SetUp(tap); err != nil {
		m.rollback(tap)
		return errors.Errorf("%w: %w", domain.ErrOperational, err)
	}

	n.Tap = tap
	n.Active = true

	m.logger.Info().Str("network", name).Str("tap", tap).Msg("Network started")
	return nil
}

func (m *Manager) rollback(tap string) {
	if err := m.links.Delete(tap); err != nil {
		m.logger.Warn().Err(err).Str("tap", tap).Msg("Failed to remove tap after error")
	}
}

// Destroy deletes the TAP device of an active network.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.get(name)
	if err != nil {
		return err
	}
	if !n.Active {
		return errors.Errorf("%w: network %s is not active", domain.ErrPrecondition, name)
	}

	if n.Tap != "" {
		if err := m.links.Delete(n.Tap); err != nil {
			return errors.Errorf("%w: %w", domain.ErrOperational, err)
		}
	}
	n.Tap = ""
	n.Active = false

	m.logger.Info().Str("network", name).Msg("Network destroyed")
	return nil
}

// Undefine removes the definition of an inactive network.
func (m *Manager) Undefine(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.get(name)
	if err != nil {
		return err
	}
	if n.Active {
		return errors.Errorf("%w: network %s is still active", domain.ErrPrecondition, name)
	}

	if err := os.Remove(filepath.Join(m.dir, name+".xml")); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("%w: deleting network config: %w", domain.ErrOperational, err)
	}
	delete(m.networks, name)

	m.logger.Info().Str("network", name).Msg("Network undefined")
	return nil
}

func (m *Manager) GetXMLDesc(ctx context.Context, name string, flags uint) (string, error) {
	if flags != 0 {
		return "", errors.Errorf("%w: unsupported xml flags %#x", domain.ErrPrecondition, flags)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.get(name)
	if err != nil {
		return "", err
	}
	return n.xml, nil
}

// State reports whether name is active.
func (m *Manager) State(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.get(name)
	if err != nil {
		return false, err
	}
	return n.Active, nil
}
