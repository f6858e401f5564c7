package config

import (
	"bytes"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

// ActionFile is the on-disk shape of the action table.
//
//	replaceDefaults: false
//	sidecars:
//	  my-proxy:
//	    type: portforward
//	    method: POST
//	    path: /quitquitquit
//	    port: 9000
type ActionFile struct {
	// ReplaceDefaults drops the built-in table instead of extending it.
	ReplaceDefaults bool `json:"replaceDefaults,omitempty" yaml:"replaceDefaults,omitempty"`

	Sidecars map[string]Action `json:"sidecars" yaml:"sidecars"`
}

// LoadActions reads path and merges it over DefaultActions. An empty path
// returns the defaults. Files ending in .json are decoded as JSON, anything
// else as YAML. Unknown fields are rejected.
func LoadActions(path string) (map[string]Action, error) {
	if path == "" {
		return DefaultActions(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read action file %s", path)
	}

	file, err := ParseActionFile(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid action file %s", path)
	}

	return file.Merge(DefaultActions()), nil
}

// ParseActionFile decodes and validates an action file.
func ParseActionFile(data []byte, isJSON bool) (*ActionFile, error) {
	file := &ActionFile{}

	if isJSON {
		if err := sigsyaml.UnmarshalStrict(data, file); err != nil {
			return nil, errors.Wrap(err, "failed to decode JSON")
		}
	} else {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)

		if err := decoder.Decode(file); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "failed to decode YAML")
		}
	}

	var errs error

	for _, name := range slices.Sorted(maps.Keys(file.Sidecars)) {
		if err := file.Sidecars[name].Validate(); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "sidecar %s", name))
		}
	}

	if errs != nil {
		return nil, errs
	}

	return file, nil
}

// Merge lays the file's entries over defaults.
func (f *ActionFile) Merge(defaults map[string]Action) map[string]Action {
	out := make(map[string]Action, len(defaults)+len(f.Sidecars))

	if !f.ReplaceDefaults {
		maps.Copy(out, defaults)
	}

	maps.Copy(out, f.Sidecars)

	return out
}

// MarshalActions renders an action table as YAML in the same shape
// LoadActions reads.
func MarshalActions(actions map[string]Action) ([]byte, error) {
	out, err := sigsyaml.Marshal(ActionFile{ReplaceDefaults: true, Sidecars: actions})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode actions")
	}

	return out, nil
}
