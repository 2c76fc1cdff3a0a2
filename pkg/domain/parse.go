package domain

import (
	"context"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
	"github.com/walteh/minivirt/pkg/xmlutil"
	"gitlab.com/tozd/go/errors"
)

// memory unit multipliers, expressed in MiB
var memoryUnits = map[string]float64{
	"KiB": 1.0 / 1024,
	"MiB": 1,
	"GiB": 1024,
	"TiB": 1024 * 1024,
}

// Parse builds a Definition from a <domain> description.
//
// If the description carries no UUID one is generated and inserted after
// <name>; the rewritten text is returned in Definition.XML and
// Definition.UUIDGenerated is set so the caller can persist it. Parsing the
// rewritten text again yields the same UUID.
func Parse(ctx context.Context, xmlDesc string) (*Definition, error) {
	logger := zerolog.Ctx(ctx)

	doc, err := xmlutil.Read(xmlDesc)
	if err != nil {
		return nil, errors.Errorf("%w: %w", ErrParse, err)
	}

	root := doc.SelectElement("domain")
	if root == nil {
		return nil, errors.Errorf("%w: missing <domain> element", ErrParse)
	}

	name := xmlutil.Text(root, "name")
	if name == "" {
		return nil, errors.Errorf("%w: missing <name> element", ErrParse)
	}

	def := &Definition{
		Name: name,
		KVM:  root.SelectAttrValue("type", "") == "kvm",
	}

	def.UUID, def.UUIDGenerated = xmlutil.EnsureUUID(root)
	if def.UUIDGenerated {
		logger.Info().Str("domain", name).Str("uuid", def.UUID).Msg("No UUID in description, generated one")
		if def.XML, err = xmlutil.String(doc); err != nil {
			return nil, errors.Errorf("%w: %w", ErrParse, err)
		}
	} else {
		def.XML = xmlDesc
	}

	if def.MemoryMiB, err = parseMemory(root.SelectElement("memory")); err != nil {
		return nil, err
	}

	if def.VCPUs, err = parseVCPUs(root.SelectElement("vcpu")); err != nil {
		return nil, err
	}

	if devices := root.SelectElement("devices"); devices != nil {
		readDevices(ctx, def, devices)
	}

	// an explicit control socket wins over the one derived from the name
	if monitor := root.FindElement(".//monitor[@path]"); monitor != nil {
		def.MonitorPath = monitor.SelectAttrValue("path", "")
	}

	return def, nil
}

// Reparse re-derives the device fields of def from xmlDesc, keeping the
// identity fields. It is used after the stored description was edited.
func Reparse(ctx context.Context, def *Definition, xmlDesc string) (*Definition, error) {
	next, err := Parse(ctx, xmlDesc)
	if err != nil {
		return nil, err
	}
	next.MonitorPath = def.MonitorPath
	return next, nil
}

// SetUUID replaces a generated UUID of def with id, rewriting def.XML to
// match. A UUID that came from the description is left alone.
func SetUUID(def *Definition, id string) error {
	if !def.UUIDGenerated || id == "" || id == def.UUID {
		return nil
	}

	doc, err := xmlutil.Read(def.XML)
	if err != nil {
		return errors.Errorf("%w: %w", ErrParse, err)
	}
	el := doc.FindElement("/domain/uuid")
	if el == nil {
		return errors.Errorf("%w: no <uuid> element to replace", ErrParse)
	}
	el.SetText(id)

	out, err := xmlutil.String(doc)
	if err != nil {
		return errors.Errorf("%w: %w", ErrParse, err)
	}
	def.XML = out
	def.UUID = id
	return nil
}

func parseMemory(el *etree.Element) (int, error) {
	if el == nil {
		return 0, nil
	}

	unit := el.SelectAttrValue("unit", "KiB")
	factor, ok := memoryUnits[unit]
	if !ok {
		return 0, errors.Errorf("%w: unknown memory unit %q", ErrParse, unit)
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(el.Text()), 64)
	if err != nil || value < 0 {
		return 0, errors.Errorf("%w: invalid memory value %q", ErrParse, el.Text())
	}

	return int(value * factor), nil
}

func parseVCPUs(el *etree.Element) (int, error) {
	if el == nil {
		return 1, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(el.Text()))
	if err != nil || n < 1 {
		return 0, errors.Errorf("%w: invalid vcpu count %q", ErrParse, el.Text())
	}
	return n, nil
}

func readDevices(ctx context.Context, def *Definition, devices *etree.Element) {
	logger := zerolog.Ctx(ctx)

	for _, disk := range devices.SelectElements("disk") {
		file := sourceFile(disk)
		if file == "" {
			continue
		}
		switch disk.SelectAttrValue("device", "disk") {
		case "disk":
			if def.DiskPath == "" {
				def.DiskPath = file
			}
		case "cdrom":
			if def.CDROMPath == "" {
				def.CDROMPath = file
			}
		}
	}

	if cdrom := devices.SelectElement("cdrom"); cdrom != nil {
		if file := sourceFile(cdrom); file != "" {
			def.CDROMPath = file
		}
	}

	for _, el := range devices.SelectElements("interface") {
		typ := el.SelectAttrValue("type", "")
		if typ == "" {
			logger.Warn().Str("domain", def.Name).Msg("Interface without type attribute, skipping")
			continue
		}

		iface := Interface{
			Type:  typ,
			MAC:   attrOf(el, "mac", "address"),
			Model: attrOf(el, "model", "type"),
		}
		if iface.Model == "" {
			iface.Model = DefaultNICModel
		}
		switch typ {
		case "bridge":
			iface.Source = attrOf(el, "source", "bridge")
		case "network":
			iface.Source = attrOf(el, "source", "network")
		}
		iface.Target = attrOf(el, "target", "dev")

		logger.Debug().
			Str("domain", def.Name).
			Str("type", iface.Type).
			Str("mac", iface.MAC).
			Str("model", iface.Model).
			Str("source", iface.Source).
			Msg("Found network interface")

		def.Interfaces = append(def.Interfaces, iface)
	}

	// terse form: <network><name/><bridge name=""/><mac address=""/></network>
	for _, el := range devices.SelectElements("network") {
		iface := Interface{
			Type:   "bridge",
			Model:  DefaultNICModel,
			Source: attrOf(el, "bridge", "name"),
			MAC:    attrOf(el, "mac", "address"),
		}
		if iface.Source == "" {
			logger.Warn().Str("domain", def.Name).Str("network", xmlutil.Text(el, "name")).Msg("Network element without bridge, skipping")
			continue
		}
		def.Interfaces = append(def.Interfaces, iface)
	}
}

func sourceFile(el *etree.Element) string {
	return attrOf(el, "source", "file")
}

func attrOf(el *etree.Element, child, attr string) string {
	c := el.SelectElement(child)
	if c == nil {
		return ""
	}
	return c.SelectAttrValue(attr, "")
}
