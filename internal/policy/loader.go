package policy

import (
	"fmt"
	"os"

	"github.com/pitabwire/odflow/model"
	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk layout of a policy override:
//
//	types:
//	  ON_DUTY_REQUEST:
//	    - stage: MENTOR
//	      roles: [MENTOR]
//	      department_scoped: true
type fileFormat struct {
	Types map[model.SubmissionType][]model.StagePolicy `yaml:"types"`
}

// LoadFile parses a YAML policy file into a Table. The result is not
// validated; call Validate before using it.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document.
func Parse(data []byte) (*Table, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if len(f.Types) == 0 {
		return nil, fmt.Errorf("parsing policy: no types defined")
	}
	return New(f.Types), nil
}
