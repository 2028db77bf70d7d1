// Package config implements cmd/spiped and cmd/spipe's optional YAML
// configuration file (-config), layered under their flags: the file
// supplies defaults, and any flag the user actually typed on the
// command line wins over the corresponding file value.
package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the top-level shape of the -config YAML document. Every field
// mirrors one of cmd/spiped's (or cmd/spipe's) flags one-to-one.
type File struct {
	Listen      string `yaml:"listen"`
	Target      string `yaml:"target"`
	Bind        string `yaml:"bind"`
	KeyFile     string `yaml:"key_file"`
	TimeoutSecs int    `yaml:"timeout_seconds"`
	NoPFS       bool   `yaml:"no_pfs"`
	RequirePFS  bool   `yaml:"require_pfs"`
	NoKeepalive bool   `yaml:"no_keepalive"`
	PreferIPv4  bool   `yaml:"prefer_ipv4"`
	Debug       string `yaml:"debug"`
	Log         string `yaml:"log"`
}

// Load reads and parses path as a File.
func Load(path string) (*File, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read file")
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "config: parse yaml")
	}
	return &f, nil
}
