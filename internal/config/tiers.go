package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sitesmith/sitesmith/internal/engine"
	"github.com/sitesmith/sitesmith/pkg/models"
)

// tiersFile is the on-disk shape of the tier quota file.
//
//	tiers:
//	  free:
//	    architect: 10
//	    code: 5
//	  pro:
//	    architect: -1
//
// A value of -1 means unlimited; a missing task type is also unlimited.
type tiersFile struct {
	Tiers map[string]map[string]int `yaml:"tiers"`
}

// LoadTiers reads subscription tier quota limits from a YAML file.
func LoadTiers(path string) (engine.QuotaLimits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tiers file: %w", err)
	}

	var f tiersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing tiers file %s: %w", path, err)
	}
	if len(f.Tiers) == 0 {
		return nil, fmt.Errorf("tiers file %s defines no tiers", path)
	}

	limits := make(engine.QuotaLimits, len(f.Tiers))
	for tier, caps := range f.Tiers {
		typed := make(map[models.TaskType]int, len(caps))
		for taskType, limit := range caps {
			typed[models.TaskType(taskType)] = limit
		}
		limits[tier] = typed
	}
	return limits, nil
}

// SaveTiers writes quota limits back to a YAML file.
func SaveTiers(path string, limits engine.QuotaLimits) error {
	f := tiersFile{Tiers: make(map[string]map[string]int, len(limits))}
	for tier, caps := range limits {
		plain := make(map[string]int, len(caps))
		for taskType, limit := range caps {
			plain[string(taskType)] = limit
		}
		f.Tiers[tier] = plain
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshaling tiers: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing tiers file: %w", err)
	}
	return nil
}

// DefaultTiers returns hardcoded default quota limits.
// This is used as a fallback when the tiers YAML file is not available.
func DefaultTiers() engine.QuotaLimits {
	return engine.QuotaLimits{
		"free": {
			models.TaskTypeAnalyze:   5,
			models.TaskTypeArchitect: 10,
			models.TaskTypeDesign:    10,
			models.TaskTypeCode:      5,
			models.TaskTypeDeploy:    2,
			models.TaskTypeExport:    5,
		},
		"pro": {
			models.TaskTypeAnalyze:   100,
			models.TaskTypeArchitect: 200,
			models.TaskTypeDesign:    200,
			models.TaskTypeCode:      100,
			models.TaskTypeDeploy:    50,
			models.TaskTypeExport:    engine.Unlimited,
		},
		"enterprise": {
			models.TaskTypeAnalyze:   engine.Unlimited,
			models.TaskTypeArchitect: engine.Unlimited,
			models.TaskTypeDesign:    engine.Unlimited,
			models.TaskTypeCode:      engine.Unlimited,
			models.TaskTypeDeploy:    engine.Unlimited,
			models.TaskTypeExport:    engine.Unlimited,
		},
	}
}
