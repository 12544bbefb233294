package policy

import (
	"fmt"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var rateSpecRe = regexp.MustCompile(`^\d+/(second|minute|hour|day)$`)

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails for an empty tag name.
	_ = v.RegisterValidation("ratespec", func(fl validator.FieldLevel) bool {
		return rateSpecRe.MatchString(fl.Field().String())
	})
	return v
}

// ValidatePolicy checks a single policy definition against the same
// rules LoadFile applies.
func ValidatePolicy(p Policy) error {
	return newValidator().Struct(p)
}

// policyFile is the on-disk shape of a policy set.
type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadFile parses a YAML policy file and appends its policies to the store.
// The whole file is rejected when any entry fails validation, so a partial
// set is never installed.
func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	v := newValidator()
	for i, p := range file.Policies {
		if err := v.Struct(p); err != nil {
			return fmt.Errorf("invalid policy at index %d (%s): %w", i, p.ID, err)
		}
	}

	e.Append(file.Policies...)
	return nil
}
