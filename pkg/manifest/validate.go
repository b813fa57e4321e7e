package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/gocohort/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// SchemaID identifies the run manifest schema.
const SchemaID = "gocohort/v1.0.0/run-manifest"

var (
	// ErrSchemaNotFound means the embedded schema asset is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed is the sentinel every ValidationErrors unwraps to.
	ErrValidationFailed = errors.New("manifest validation failed")
)

// The validator compiles once from the embedded schema.
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is one schema violation.
type ValidationError struct {
	// Path is the JSON pointer to the offending field, e.g. "/training/epochs".
	Path string

	// Message describes the violation.
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors aggregates every violation found in one manifest so a
// user can fix them all in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("manifest validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks a decoded manifest against the schema. Because the struct
// form drops unknown fields, strict input validation should go through
// ValidateRaw on the original document instead.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks a raw JSON document against the manifest schema. The
// document form preserves unknown fields, so additionalProperties violations
// are caught here. The schema ships embedded in the binary; nothing is read
// from disk.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		// Warnings are advisory and do not fail the manifest.
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{
				Path:    d.Pointer,
				Message: d.Message,
			})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.RunManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded run-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.RunManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
