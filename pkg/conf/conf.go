// Package conf is the flat key/value configuration source shared by the
// drivers and managers.
//
// The file format is one "key = value" pair per line with "#" comments, for
// example:
//
//	driver.config_dir = ./temp/domains   # domain definitions
//	driver.graphics   = 0
//
// Every key can be overridden from the environment as MINIVIRT_<KEY> with dots
// replaced by underscores (MINIVIRT_DRIVER_CONFIG_DIR).
package conf

import (
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"
)

// Well known keys and their defaults.
const (
	KeyDriverConfigDir  = "driver.config_dir"
	KeyDriverLogDir     = "driver.log_dir"
	KeyDriverSocketDir  = "driver.socket_dir"
	KeyDriverEmulator   = "driver.emulator"
	KeyDriverGraphics   = "driver.graphics"
	KeyXenConfigDir     = "xen.config_dir"
	KeyStorageConfigDir = "storage.config_dir"
	KeyNetworkConfigDir = "network.config_dir"
	KeyLogLevel         = "log.level"

	DefaultDriverConfigDir  = "./temp/domains"
	DefaultDriverLogDir     = "./temp/logs"
	DefaultDriverSocketDir  = "./temp/unix_sockets"
	DefaultDriverEmulator   = "qemu-system-x86_64"
	DefaultXenConfigDir     = "./temp/xen"
	DefaultStorageConfigDir = "./temp/storage"
	DefaultNetworkConfigDir = "./temp/networks"
)

const envPrefix = "MINIVIRT"

// Config is a read mostly view over the configuration file and environment.
type Config struct {
	v *viper.Viper
}

// New returns a Config with no file behind it; every lookup falls back to
// the environment and then to the caller's default.
func New() *Config {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Config{v: v}
}

// Load reads the configuration file at path. A missing file is not an error:
// the returned Config simply serves defaults.
func Load(path string) (*Config, error) {
	c := New()
	if path == "" {
		return c, nil
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Errorf("checking config file %s: %w", path, err)
	}

	c.v.SetConfigFile(path)
	c.v.SetConfigType("env")
	if err := c.v.ReadInConfig(); err != nil {
		return nil, errors.Errorf("reading config file %s: %w", path, err)
	}
	return c, nil
}

// String returns the value for key, or def when the key is unset or empty.
func (c *Config) String(key, def string) string {
	if !c.v.IsSet(key) {
		return def
	}
	s := strings.TrimSpace(c.v.GetString(key))
	if s == "" {
		return def
	}
	return s
}

// Int returns the integer value for key, or def when the key is unset or
// does not hold an integer.
func (c *Config) Int(key string, def int) int {
	s := c.String(key, "")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Set overrides key for the lifetime of c.
func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}
