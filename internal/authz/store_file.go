package authz

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type permissionFile struct {
	Permissions []Rule `yaml:"permissions"`
}

// FileStore reads the permission table from a YAML file on every call;
// wrap it in a CachedStore to avoid rereading.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) ListRules(_ context.Context) ([]Rule, error) {
	rules, err := LoadRulesFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionStoreUnavailable, err)
	}
	return rules, nil
}

// LoadRulesFile decodes a YAML file of the form
//
//	permissions:
//	  - resource: pets
//	    stage: test
//	    http_verb: GET
//	    scopes: [openid, profile]
func LoadRulesFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pf permissionFile
	decoder := yaml.NewDecoder(f)
	decoder.SetStrict(true)
	if err := decoder.Decode(&pf); err != nil {
		return nil, err
	}
	return pf.Permissions, nil
}
