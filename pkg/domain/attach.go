package domain

import (
	"github.com/walteh/minivirt/pkg/xmlutil"
	"gitlab.com/tozd/go/errors"
	"libvirt.org/go/libvirtxml"
)

// MergeDevice copies the root element of the device fragment into the
// <devices> element of the domain description, creating <devices> when the
// description has none, and returns the merged description.
func MergeDevice(xmlDesc, fragment string) (string, error) {
	devDoc, err := xmlutil.Read(fragment)
	if err != nil {
		return "", errors.Errorf("%w: device: %w", ErrParse, err)
	}
	device := devDoc.Root()

	if err := checkDevice(device.Tag, fragment); err != nil {
		return "", err
	}

	doc, err := xmlutil.Read(xmlDesc)
	if err != nil {
		return "", errors.Errorf("%w: domain: %w", ErrParse, err)
	}

	root := doc.SelectElement("domain")
	if root == nil {
		return "", errors.Errorf("%w: missing <domain> element", ErrParse)
	}

	devices := root.SelectElement("devices")
	if devices == nil {
		devices = root.CreateElement("devices")
	}
	devices.AddChild(device.Copy())

	doc.Indent(2)
	return xmlutil.String(doc)
}

// checkDevice validates the fragments libvirtxml has a schema for. Other
// device kinds are merged as given.
func checkDevice(tag, fragment string) error {
	var err error
	switch tag {
	case "disk":
		err = (&libvirtxml.DomainDisk{}).Unmarshal(fragment)
	case "interface":
		err = (&libvirtxml.DomainInterface{}).Unmarshal(fragment)
	default:
		return nil
	}
	if err != nil {
		return errors.Errorf("%w: invalid <%s> device: %w", ErrParse, tag, err)
	}
	return nil
}
