package params

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Replica describes one member of the configuration.
type Replica struct {
	ID      uint32 `yaml:"id"`
	SiteID  uint32 `yaml:"site_id"`
	Addr    string `yaml:"addr"`
	ExtAddr string `yaml:"ext_addr"`
	IsCC    bool   `yaml:"control_center"`
}

// Membership is the static replica roster of one global configuration.
type Membership struct {
	GlobalConfigNum uint32    `yaml:"global_config_num"`
	Replicas        []Replica `yaml:"replicas"`
}

// LoadMembership reads a yaml roster file.
func LoadMembership(path string) (*Membership, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read membership file")
	}
	m := &Membership{}
	if err := yaml.Unmarshal(raw, m); err != nil {
		return nil, errors.Wrap(err, "could not parse membership file")
	}
	for i, r := range m.Replicas {
		if r.ID == 0 || r.ID > uint32(len(m.Replicas)) {
			return nil, errors.Errorf("replica entry %d has invalid id %d", i, r.ID)
		}
	}
	return m, nil
}

// ByID returns the roster entry for a replica id, or nil.
func (m *Membership) ByID(id uint32) *Replica {
	for i := range m.Replicas {
		if m.Replicas[i].ID == id {
			return &m.Replicas[i]
		}
	}
	return nil
}

// LoadConfig overlays a yaml file onto the defaults.
func LoadConfig(path string) (*ProtocolConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read config file")
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "could not parse config file")
	}
	return cfg, cfg.Validate()
}
