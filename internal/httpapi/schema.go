package httpapi

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"attendguard/internal/apperr"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema names.
const (
	schemaCreateSession   = "create_session"
	schemaCheckIn         = "checkin"
	schemaCheckInResponse = "checkin_response"
	schemaEmergencyStop   = "emergency_stop"
	schemaOverride        = "override"
	schemaAlertUpdate     = "alert_update"
	schemaUpload          = "upload"
)

// SchemaValidator checks JSON documents against the embedded schemas. Compiled
// schemas are kept in an LRU cache.
type SchemaValidator struct {
	cache *lru.Cache[string, *jsonschema.Schema]
}

// NewSchemaValidator creates a validator holding up to cacheSize compiled schemas.
func NewSchemaValidator(cacheSize int) (*SchemaValidator, error) {
	cache, err := lru.New[string, *jsonschema.Schema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &SchemaValidator{cache: cache}, nil
}

// Validate checks body against the named schema. Violations come back as
// validation errors naming the offending JSON path.
func (v *SchemaValidator) Validate(name string, body []byte) error {
	sch, err := v.schema(name)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "schema unavailable")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return apperr.New(apperr.KindValidation, "request body is not valid JSON")
	}
	if err := sch.Validate(doc); err != nil {
		return apperr.New(apperr.KindValidation, formatValidationError(err))
	}
	return nil
}

func (v *SchemaValidator) schema(name string) (*jsonschema.Schema, error) {
	if s, ok := v.cache.Get(name); ok {
		return s, nil
	}
	s, err := compileSchema(name)
	if err != nil {
		return nil, err
	}
	v.cache.Add(name, s)
	return s, nil
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()
	url := name + ".json"
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	return c.Compile(url)
}

// formatValidationError renders the innermost failure as "at '$.path': message".
func formatValidationError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	path := "$"
	var parts []string
	for _, p := range ve.InstanceLocation {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		path += "." + strings.Join(parts, ".")
	}
	lines := strings.Split(strings.TrimSpace(ve.Error()), "\n")
	msg := strings.TrimPrefix(lines[len(lines)-1], "- ")
	if i := strings.Index(msg, "': "); i >= 0 {
		msg = msg[i+3:]
	}
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return fmt.Sprintf("invalid request at '%s': %s", path, msg)
}
