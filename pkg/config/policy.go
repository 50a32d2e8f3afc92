package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/Gui774ume/onaccess/pkg/model"
)

// PolicyDocument is the on-access policy as written on disk
//
//	enabled: true
//	on_open: true
//	on_close: true
//	exclude_remote_files: false
//	exclusions:
//	  - /var/lib/docker
//	  - /home/**/.cache
type PolicyDocument struct {
	Enabled            bool     `yaml:"enabled"`
	OnOpen             *bool    `yaml:"on_open"`
	OnClose            *bool    `yaml:"on_close"`
	ExcludeRemoteFiles bool     `yaml:"exclude_remote_files"`
	Exclusions         []string `yaml:"exclusions"`
}

// ToConfiguration validates the document. Open and close scanning default to
// enabled.
func (d PolicyDocument) ToConfiguration() (model.OnAccessConfiguration, error) {
	cfg := model.OnAccessConfiguration{
		Enabled:            d.Enabled,
		OnOpen:             true,
		OnClose:            true,
		ExcludeRemoteFiles: d.ExcludeRemoteFiles,
	}
	if d.OnOpen != nil {
		cfg.OnOpen = *d.OnOpen
	}
	if d.OnClose != nil {
		cfg.OnClose = *d.OnClose
	}
	for i, pattern := range d.Exclusions {
		exclusion, err := model.NewExclusion(pattern)
		if err != nil {
			return model.OnAccessConfiguration{}, errors.Wrapf(err, "exclusions[%d]", i)
		}
		cfg.Exclusions = append(cfg.Exclusions, exclusion)
	}
	return cfg, nil
}

// ParsePolicy decodes a YAML policy document. Unknown fields are rejected.
func ParsePolicy(data []byte) (model.OnAccessConfiguration, error) {
	var doc PolicyDocument
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return model.OnAccessConfiguration{}, errors.Wrap(err, "couldn't parse policy")
	}
	return doc.ToConfiguration()
}

// LoadPolicy reads and parses the policy document at path
func LoadPolicy(path string) (model.OnAccessConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.OnAccessConfiguration{}, errors.Wrapf(err, "couldn't read policy %s", path)
	}
	cfg, err := ParsePolicy(data)
	if err != nil {
		return model.OnAccessConfiguration{}, errors.Wrapf(err, "invalid policy %s", path)
	}
	return cfg, nil
}
