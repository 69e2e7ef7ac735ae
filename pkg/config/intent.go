package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// Intent file formats.
const (
	FormatCUE  = "cue"
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// ValidationError is one problem found in an intent file.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. "resources.0.provider".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// IntentError collects every problem of an intent file. It unwraps to a
// validation EngineError so API and CLI callers classify it as bad input.
type IntentError struct {
	Errors []ValidationError
}

func (e *IntentError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return "invalid intent: " + strings.Join(msgs, "; ")
}

// Unwrap returns the validation error class.
func (e *IntentError) Unwrap() error {
	return engine.NewValidationError("invalid intent", nil)
}

// cueMu serializes evaluation on the shared CUE context.
var (
	cueMu       sync.Mutex
	schemaOnce  sync.Once
	schemaCtx   *cue.Context
	schemaValue cue.Value
	schemaErr   error
)

func intentDefinition() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(intentSchema, cue.Filename("intent.schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile intent schema: %w", err)
			return
		}
		schemaValue = v.LookupPath(cue.ParsePath("#Intent"))
	})
	return schemaCtx, schemaValue, schemaErr
}

// FormatOf returns the intent format implied by a file extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", engine.NewValidationError(fmt.Sprintf("unsupported intent file %s: want .cue, .yaml, .yml or .json", path), nil)
}

// LoadIntent reads, decodes and validates an intent file. Defaults are applied.
func LoadIntent(path string) (*engine.Intent, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read intent: %w", err)
	}
	return ParseIntent(data, format, path)
}

// ParseIntent decodes an intent in the given format. filename is only used in
// error positions.
func ParseIntent(data []byte, format, filename string) (*engine.Intent, error) {
	var (
		intent *engine.Intent
		err    error
	)
	switch format {
	case FormatCUE:
		intent, err = decodeCUE(data, filename)
	case FormatYAML:
		intent, err = decodeYAML(data, filename)
	case FormatJSON:
		intent, err = decodeJSON(data, filename)
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unknown intent format %q", format), nil)
	}
	if err != nil {
		return nil, err
	}

	intent.ApplyDefaults()
	if err := validate.Struct(intent); err != nil {
		return nil, &IntentError{Errors: fieldErrors(err, filename)}
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	return intent, nil
}

func decodeCUE(data []byte, filename string) (*engine.Intent, error) {
	ctx, schema, err := intentDefinition()
	if err != nil {
		return nil, err
	}
	cueMu.Lock()
	defer cueMu.Unlock()

	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &IntentError{Errors: convertCUEErrors(err)}
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &IntentError{Errors: convertCUEErrors(err)}
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, &IntentError{Errors: convertCUEErrors(err)}
	}
	var intent engine.Intent
	if err := json.Unmarshal(out, &intent); err != nil {
		return nil, fmt.Errorf("failed to decode evaluated intent: %w", err)
	}
	return &intent, nil
}

func decodeYAML(data []byte, filename string) (*engine.Intent, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var intent engine.Intent
	if err := dec.Decode(&intent); err != nil {
		return nil, &IntentError{Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}
	return &intent, nil
}

func decodeJSON(data []byte, filename string) (*engine.Intent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var intent engine.Intent
	if err := dec.Decode(&intent); err != nil {
		ve := ValidationError{File: filename, Message: err.Error()}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			ve.Line, ve.Column = lineColumn(data, syntaxErr.Offset)
		}
		return nil, &IntentError{Errors: []ValidationError{ve}}
	}
	return &intent, nil
}

// convertCUEErrors flattens a CUE error list, keeping the first position that
// points into the intent file rather than the schema.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == "" || pos.Filename() == "intent.schema.cue" {
				continue
			}
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
			break
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

func fieldErrors(err error, filename string) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{File: filename, Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		msg := "failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out = append(out, ValidationError{
			File:    filename,
			Path:    strings.TrimPrefix(fe.Namespace(), "Intent."),
			Message: msg,
		})
	}
	return out
}

func lineColumn(data []byte, offset int64) (int, int) {
	line, col := 1, 1
	for i := int64(0); i < offset && i < int64(len(data)); i++ {
		if data[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}
