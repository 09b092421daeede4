package redfault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFaultPlan reads a seed fault plan from path and stores every record.
// The file is a YAML or JSON list of fault records, validated with the same
// rules the control plane applies on POST /fault, including the
// one-fault-per-command rule. It returns the number of faults loaded.
//
// Example plan:
//
//	- name: slow set
//	  fault_type: delay
//	  duration: 20
//	  command: SET
//	- name: get error
//	  fault_type: error
//	  error_msg: KEY not found
//	  command: GET
func LoadFaultPlan(path string, store FaultStore) (int, error) {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return 0, fmt.Errorf("unsupported fault plan extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read fault plan %s: %w", cleanPath, err)
	}

	var faults []Fault
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &faults); err != nil {
			return 0, fmt.Errorf("failed to parse JSON fault plan %s: %v: %w", cleanPath, err, ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &faults); err != nil {
			return 0, fmt.Errorf("failed to parse YAML fault plan %s: %v: %w", cleanPath, err, ErrInvalidConfiguration)
		}
	}

	now := time.Now().UTC()
	for i := range faults {
		fault := faults[i]
		fault.LastModified = &now

		if err := fault.Validate(); err != nil {
			return 0, fmt.Errorf("fault plan %s: %w", cleanPath, err)
		}
		if existing, ok := store.GetByCommand(fault.Command); ok {
			return 0, fmt.Errorf("fault plan %s: fault %q and fault %q both target the %s command: %w",
				cleanPath, fault.Name, existing.Name, fault.Command, ErrConflict)
		}
		if _, err := store.Put(fault.Name, fault); err != nil {
			return 0, fmt.Errorf("fault plan %s: storing fault %q: %w", cleanPath, fault.Name, err)
		}
	}

	return len(faults), nil
}
