package qemu

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/walteh/minivirt/pkg/domain"
)

// maxIfNameLen is IFNAMSIZ without the terminating NUL.
const maxIfNameLen = 15

// TapName returns the host TAP device used for the bridged interface at
// position index (counting bridged interfaces only) of domain name.
func TapName(name string, index int, iface domain.Interface) string {
	tap := iface.Target
	if tap == "" {
		tap = fmt.Sprintf("tap-%s", name)
		if index > 0 {
			tap = fmt.Sprintf("tap-%s-%d", name, index)
		}
	}
	if len(tap) > maxIfNameLen {
		tap = tap[:maxIfNameLen]
	}
	return tap
}

// Args builds the emulator command line for def. The order of the arguments
// is stable so that the same definition always yields the same command.
func Args(def *domain.Definition, graphics bool) []string {
	args := []string{
		"-name", def.Name,
		"-m", strconv.Itoa(def.MemoryMiB),
		"-smp", strconv.Itoa(def.VCPUs),
	}

	if def.DiskPath != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", def.DiskPath))
	}
	if def.CDROMPath != "" {
		args = append(args, "-cdrom", def.CDROMPath)
	}
	args = append(args, "-boot", "order=cd")

	if def.KVM {
		args = append(args, "-enable-kvm")
	}

	args = append(args, "-qmp", fmt.Sprintf("unix:%s,server,nowait", def.MonitorPath))

	bridged := 0
	for _, iface := range def.Interfaces {
		if iface.Type != "bridge" {
			continue
		}
		netdev := fmt.Sprintf("net%d", bridged)
		device := fmt.Sprintf("%s,netdev=%s", iface.Model, netdev)
		if iface.MAC != "" {
			device += ",mac=" + iface.MAC
		}
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=%s,ifname=%s,script=no,downscript=no", netdev, TapName(def.Name, bridged, iface)),
			"-device", device,
		)
		bridged++
	}

	if !graphics {
		args = append(args, "-display", "none")
	}

	return args
}

// kvmAvailable reports whether the host exposes /dev/kvm.
func kvmAvailable() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := os.Stat("/dev/kvm")
	return err == nil
}
