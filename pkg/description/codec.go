package description

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"gopkg.in/yaml.v3"
)

// Format is an on-disk description format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported description file %s (want .yaml, .json or .cue)", path)
	}
}

// SchemaError locates a problem reported by the CUE evaluator.
type SchemaError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e SchemaError) Error() string {
	if e.File == "" && e.Line == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// SchemaErrors is the list of errors of a rejected CUE description.
type SchemaErrors []SchemaError

func (es SchemaErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// LoadFile reads and validates a description file.
func LoadFile(path string) (*Description, error) {
	f, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read description: %w", err)
	}
	return parse(data, f, path)
}

// Parse decodes and validates a description.
func Parse(data []byte, f Format) (*Description, error) {
	return parse(data, f, "inline")
}

func parse(data []byte, f Format, name string) (*Description, error) {
	var d Description
	switch f {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("failed to parse YAML description %s: %w", name, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("failed to parse JSON description %s: %w", name, err)
		}
	case FormatCUE:
		if err := decodeCUE(data, name, &d); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported description format %q", f)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// experimentSchema constrains CUE descriptions before decoding. Files
// either define the experiment at top level or under an "experiment" field.
const experimentSchema = `
#Condition: {
	action:    "deploy" | "start" | "stop" | "release"
	state:     "new" | "discovered" | "provisioned" | "ready" | "started" | "stopped" | "failed" | "released"
	resources: [string, ...string]
	after?:    string
}

#Resource: {
	name:         string & =~"^[A-Za-z0-9_.-]+$"
	guid?:        int & >=0
	type:         string & !=""
	attributes?:  {[string]: string | number | bool}
	connections?: [...string]
	conditions?:  [...#Condition]
	traces?:      [...string]
}

#Experiment: {
	name:           string & !=""
	experiment_id?: string
	resources:      [#Resource, ...#Resource]
}
`

func decodeCUE(data []byte, name string, d *Description) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(experimentSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile description schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}
	if exp := val.LookupPath(cue.ParsePath("experiment")); exp.Exists() {
		val = exp
	}

	unified := schema.LookupPath(cue.ParsePath("#Experiment")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	if err := unified.Decode(d); err != nil {
		return fmt.Errorf("failed to decode CUE description %s: %w", name, err)
	}
	return nil
}

func convertCUEErrors(err error) error {
	var out SchemaErrors
	for _, e := range cueerrors.Errors(err) {
		se := SchemaError{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			se.File = pos[0].Filename()
			se.Line = pos[0].Line()
			se.Column = pos[0].Column()
		}
		out = append(out, se)
	}
	if len(out) == 0 {
		return err
	}
	return out
}

// Marshal encodes a description in the given format.
func Marshal(d *Description, f Format) ([]byte, error) {
	switch f {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return nil, fmt.Errorf("failed to encode YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatJSON:
		return json.MarshalIndent(d, "", "  ")
	case FormatCUE:
		val := cuecontext.New().Encode(d)
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("failed to encode CUE: %w", err)
		}
		return format.Node(val.Syntax(cue.Final(), cue.Concrete(true)))
	default:
		return nil, fmt.Errorf("unsupported description format %q", f)
	}
}

// SaveFile writes a description, choosing the format from the extension.
func SaveFile(path string, d *Description) error {
	f, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	data, err := Marshal(d, f)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write description: %w", err)
	}
	return nil
}
