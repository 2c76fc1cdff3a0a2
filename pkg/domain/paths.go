package domain

import (
	"path/filepath"
)

// Paths derives every on-disk artifact of a domain from its name. All three
// directories are owned by the driver that created the Paths.
type Paths struct {
	ConfigDir string
	LogDir    string
	SocketDir string
}

// XML is the persisted description, <config>/<name>.xml.
func (p Paths) XML(name string) string {
	return filepath.Join(p.ConfigDir, name+".xml")
}

// PID is the side-car pid file, <config>/<name>.pid.
func (p Paths) PID(name string) string {
	return filepath.Join(p.ConfigDir, name+".pid")
}

// Log is the emulator's stdout/stderr log, <logs>/<name>.log.
func (p Paths) Log(name string) string {
	return filepath.Join(p.LogDir, name+".log")
}

// Socket is the default control socket, <sockets>/<name>.sock.
func (p Paths) Socket(name string) string {
	return filepath.Join(p.SocketDir, name+".sock")
}
