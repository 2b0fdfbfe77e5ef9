package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/p4converge/pkg/engine"
)

// Format is a configuration file syntax.
type Format string

// Supported formats.
const (
	FormatCUE  Format = "cue"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported configuration format %q", filepath.Ext(path))
}

// Problem is a single configuration error with its source position, when
// known.
type Problem struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	var b strings.Builder
	if p.File != "" {
		b.WriteString(p.File)
		if p.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", p.Line, p.Column)
		}
		b.WriteString(": ")
	}
	if p.Path != "" {
		b.WriteString(p.Path + ": ")
	}
	b.WriteString(p.Message)
	return b.String()
}

// Loader reads configuration files. All formats are unified with the CUE
// schema, so defaults and the closed field set apply uniformly.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a loader using DefaultSchema.
func NewLoader() *Loader {
	l, err := NewLoaderWithSchema(DefaultSchema)
	if err != nil {
		panic(err)
	}
	return l
}

// NewLoaderWithSchema creates a loader with a custom schema. The schema must
// define #Perforce.
func NewLoaderWithSchema(schema string) (*Loader, error) {
	ctx := cuecontext.New()
	def, err := compileSchema(ctx, schema)
	if err != nil {
		return nil, err
	}
	return &Loader{ctx: ctx, schema: def, validator: validator.New()}, nil
}

// Load reads and validates the file at path.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to read configuration", err).WithDetail("file", path)
	}
	format, err := FormatOf(path)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to load configuration", err).WithDetail("file", path)
	}
	return l.LoadBytes(path, format, data)
}

// Defaults returns the configuration produced by an empty file.
func (l *Loader) Defaults() (*Config, error) {
	return l.LoadBytes("defaults.cue", FormatCUE, nil)
}

// LoadBytes parses data in the given format. name is used in error
// positions only.
func (l *Loader) LoadBytes(name string, format Format, data []byte) (*Config, error) {
	val, err := l.compile(name, format, data)
	if err != nil {
		return nil, err
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, problemsError(name, convertCUEErrors(err))
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, engine.NewConfigurationError("failed to decode configuration", err).WithDetail("file", name)
	}

	if problems := l.Check(&cfg); len(problems) > 0 {
		return nil, problemsError(name, problems)
	}
	return &cfg, nil
}

func (l *Loader) compile(name string, format Format, data []byte) (cue.Value, error) {
	switch format {
	case FormatCUE, FormatJSON:
		// JSON is a subset of CUE; compiling it directly keeps positions.
		val := l.ctx.CompileBytes(data, cue.Filename(name))
		if err := val.Err(); err != nil {
			return cue.Value{}, problemsError(name, convertCUEErrors(err))
		}
		return val, nil
	case FormatYAML, FormatTOML:
		doc := map[string]any{}
		var err error
		if format == FormatYAML {
			err = yaml.Unmarshal(data, &doc)
		} else {
			err = toml.Unmarshal(data, &doc)
		}
		if err != nil {
			return cue.Value{}, problemsError(name, []Problem{decodeProblem(name, err)})
		}
		val := l.ctx.Encode(doc)
		if err := val.Err(); err != nil {
			return cue.Value{}, problemsError(name, convertCUEErrors(err))
		}
		return val, nil
	}
	return cue.Value{}, engine.NewConfigurationError(fmt.Sprintf("unsupported format %q", format), nil)
}

// decodeProblem extracts a line number from YAML and TOML decode errors.
func decodeProblem(name string, err error) Problem {
	p := Problem{File: name, Message: err.Error()}

	var tomlErr *toml.DecodeError
	if errors.As(err, &tomlErr) {
		p.Line, p.Column = tomlErr.Position()
		return p
	}

	var yamlErr *yaml.TypeError
	if errors.As(err, &yamlErr) && len(yamlErr.Errors) > 0 {
		p.Message = strings.Join(yamlErr.Errors, "; ")
		var line int
		if _, scanErr := fmt.Sscanf(yamlErr.Errors[0], "line %d:", &line); scanErr == nil {
			p.Line = line
		}
		return p
	}

	var line int
	if _, scanErr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); scanErr == nil {
		p.Line = line
	}
	return p
}

// convertCUEErrors converts CUE errors to problems with positions.
func convertCUEErrors(err error) []Problem {
	var problems []Problem
	for _, e := range cueerrors.Errors(err) {
		p := Problem{
			Path:    strings.Join(e.Path(), "."),
			Message: e.Error(),
		}
		// Prefer a position in the operator's file over one in the schema.
		for _, pos := range cueerrors.Positions(e) {
			if p.File == "" || p.File == schemaFile {
				p.File = pos.Filename()
				p.Line = pos.Line()
				p.Column = pos.Column()
			}
		}
		problems = append(problems, p)
	}
	return problems
}

// Check applies the struct validation rules and returns every violation.
func (l *Loader) Check(cfg *Config) []Problem {
	err := l.validator.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Problem{{Message: err.Error()}}
	}

	problems := make([]Problem, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, Problem{
			Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: describe(fe),
		})
	}
	return problems
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if", "required_unless":
		if fe.StructNamespace() == "Config.SDP.RemoteDepotdataRoot" {
			return "must have a value for replica instances"
		}
		return "is required here"
	case "number":
		return "must be numeric"
	case "oneof":
		return fmt.Sprintf("must be one of %s", strings.Join(strings.Fields(fe.Param()), ", "))
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "url":
		return "must be a URL"
	case "alphanum":
		return "must be alphanumeric"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

func problemsError(name string, problems []Problem) error {
	msgs := make([]string, len(problems))
	for i, p := range problems {
		msgs[i] = p.String()
	}
	err := engine.NewConfigurationError("invalid configuration", errors.New(strings.Join(msgs, "\n"))).
		WithDetail("file", name).
		WithDetail("problems", problems)
	if len(problems) > 0 && problems[0].Line > 0 {
		err = err.WithDetail("line", problems[0].Line)
	}
	return err
}
