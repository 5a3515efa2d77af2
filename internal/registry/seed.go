package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the master-data document delivered by the reference-data
// owners:
//
//	skus:
//	  - id: CIPL-PARA-500-10
//	    displayName: Paracetamol 500mg
//	    strength: "500"
//	    pack: "10"
//	retailers:
//	  - id: RET-KUMAR
//	    displayName: Kumar Medical Stores
type SeedFile struct {
	SKUs      []SKUEntry      `yaml:"skus"`
	Retailers []RetailerEntry `yaml:"retailers"`
}

// LoadSeedFile reads and parses a seed file from disk.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML. Record-level validation happens in Seed.
func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	return &f, nil
}
