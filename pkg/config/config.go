// Package config loads the pdbdump configuration file.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".pdbdump"
	configFile string = "config.yml"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Format is the output format, json or yaml.
	Format string `yaml:"format,omitempty"`
	// Pretty forces indented output on or off. When unset, output is
	// indented if stdout is a terminal.
	Pretty *bool `yaml:"pretty,omitempty"`

	// Log enables debug logging.
	Log bool `yaml:"log,omitempty"`
	// LogOutput is the comma separated list of layers that log: dbi, msf
	// and pdb.
	LogOutput string `yaml:"log-output,omitempty"`
	// LogDest is a file logs are appended to instead of stderr.
	LogDest string `yaml:"log-dest,omitempty"`
}

// Validate checks the values read from the file.
func (c *Config) Validate() error {
	switch c.Format {
	case "", FormatJSON, FormatYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q", c.Format)
}

// Load reads the config file at path. A missing file yields an empty Config.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}

	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// LoadConfig loads the config file from the user's home directory.
func LoadConfig() (*Config, error) {
	p, err := GetConfigFilePath(configFile)
	if err != nil {
		return nil, err
	}
	return Load(p)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
