// Package configschema validates tenant-supplied configuration against a
// module's declared option schema. A schema maps option names to
// go-playground/validator rule strings, e.g. {"apiUrl": "required,url"}.
package configschema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidationError names every option that failed validation.
type ValidationError struct {
	Options []string
	Details map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Options))
	for _, opt := range e.Options {
		parts = append(parts, fmt.Sprintf("%s (%s)", opt, e.Details[opt]))
	}
	return "invalid configuration options: " + strings.Join(parts, "; ")
}

// Validate checks config against schema. An empty schema accepts anything.
func Validate(config map[string]any, schema map[string]string) (err error) {
	if len(schema) == 0 {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}

	verr := &ValidationError{Details: make(map[string]string)}
	rules := make(map[string]any, len(schema))
	for opt, rule := range schema {
		if strings.TrimSpace(rule) == "" {
			continue
		}
		rules[opt] = rule
	}

	// validator panics on unknown tags; a module's schema is untrusted input
	defer func() {
		if r := recover(); r != nil {
			err = &ValidationError{
				Options: sortedKeys(rules),
				Details: detailsFor(rules, fmt.Sprintf("schema error: %v", r)),
			}
		}
	}()

	for opt, res := range validate.ValidateMap(config, rules) {
		verr.Details[opt] = describe(res)
	}
	if len(verr.Details) == 0 {
		return nil
	}
	verr.Options = sortedKeys(verr.Details)
	return verr
}

func describe(res any) string {
	var fieldErrs validator.ValidationErrors
	if e, ok := res.(error); ok && errors.As(e, &fieldErrs) {
		tags := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			tags = append(tags, "failed "+fe.Tag())
		}
		return strings.Join(tags, ", ")
	}
	if e, ok := res.(error); ok {
		return e.Error()
	}
	return fmt.Sprint(res)
}

func detailsFor[V any](m map[string]V, msg string) map[string]string {
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = msg
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
