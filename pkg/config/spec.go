// Package config defines connector specifications and their validation.
//
// A Spec names a connector type and carries an untyped option map, as
// loaded from a pipeline file. Each connector type publishes a Schema
// describing its options; validation runs the whole schema and reports
// every invalid field in one pass, before any connector code executes.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wavepipe/conveyor/pkg/errors"
)

// Direction tells whether a connector produces or consumes batches.
type Direction string

const (
	DirectionSource Direction = "source"
	DirectionSink   Direction = "sink"
)

// Spec is the construction request for one connector instance.
type Spec struct {
	// Name identifies the instance (e.g. "orders-source")
	Name string `yaml:"name" json:"name"`
	// Type is the registered connector type (e.g. "kafka", "mysql")
	Type string `yaml:"type" json:"type"`
	// Direction is source or sink
	Direction Direction `yaml:"direction" json:"direction"`
	// Options holds the raw, untyped option values
	Options map[string]interface{} `yaml:"options" json:"options"`
}

// OptionKind is the expected type of an option value.
type OptionKind string

const (
	KindString   OptionKind = "string"
	KindInt      OptionKind = "int"
	KindFloat    OptionKind = "float"
	KindBool     OptionKind = "bool"
	KindDuration OptionKind = "duration"
	// KindStrings accepts a list of strings or a comma-separated string
	KindStrings OptionKind = "strings"
)

// Option describes one schema entry for a connector type.
type Option struct {
	Kind        OptionKind
	Required    bool
	Default     interface{}
	Description string
	// Enum restricts string values to the listed set
	Enum []string
	// Min and Max bound numeric values when set
	Min *float64
	Max *float64
}

// Schema maps option names to their declarations.
type Schema map[string]Option

// FieldError describes a single invalid option.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks every option of spec against the schema and returns all
// field errors found, not just the first. A nil return means the spec is
// valid. Unknown options are errors so typos surface before data flows.
func (s Schema) Validate(spec *Spec) []FieldError {
	var errs []FieldError

	for _, name := range s.sortedNames() {
		opt := s[name]
		raw, present := spec.Options[name]
		if !present || raw == nil {
			if opt.Required {
				errs = append(errs, FieldError{Field: name, Message: "required option is missing"})
			}
			continue
		}
		if _, err := coerce(opt, raw); err != nil {
			errs = append(errs, FieldError{Field: name, Message: err.Error()})
		}
	}

	unknown := make([]string, 0)
	for name := range spec.Options {
		if _, ok := s[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, FieldError{Field: name, Message: "unknown option"})
	}

	return errs
}

// Resolve validates the spec and returns typed options with defaults
// applied. The returned error is a config error listing every invalid
// field; connector factories must not be called when it is non-nil.
func (s Schema) Resolve(spec *Spec) (*Options, error) {
	if errs := s.Validate(spec); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, fe := range errs {
			msgs[i] = fe.Error()
		}
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid options for connector %q: %s",
			spec.Type, strings.Join(msgs, "; ")).
			WithDetail("connector", spec.Type).
			WithDetail("fields", msgs)
	}

	values := make(map[string]interface{}, len(s))
	for name, opt := range s {
		raw, present := spec.Options[name]
		if !present || raw == nil {
			if opt.Default != nil {
				values[name] = opt.Default
			}
			continue
		}
		v, err := coerce(opt, raw)
		if err != nil {
			// Validate above already rejected this
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "option coercion failed")
		}
		values[name] = v
	}

	return &Options{values: values}, nil
}

func (s Schema) sortedNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// coerce converts a raw option value into the schema's canonical type.
func coerce(opt Option, raw interface{}) (interface{}, error) {
	switch opt.Kind {
	case KindString:
		v, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, fmt.Errorf("must not be empty")
		}
		if len(opt.Enum) > 0 && !containsString(opt.Enum, v) {
			return nil, fmt.Errorf("invalid value %q; allowed: %s", v, strings.Join(opt.Enum, ","))
		}
		return v, nil

	case KindInt:
		n, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		if err := checkRange(opt, float64(n)); err != nil {
			return nil, err
		}
		return n, nil

	case KindFloat:
		f, err := toFloat64(raw)
		if err != nil {
			return nil, err
		}
		if err := checkRange(opt, f); err != nil {
			return nil, err
		}
		return f, nil

	case KindBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("expected bool, got %q", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}

	case KindDuration:
		switch v := raw.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", v)
			}
			return d, nil
		case int, int32, int64:
			n, _ := toInt64(v)
			return time.Duration(n) * time.Second, nil
		default:
			return nil, fmt.Errorf("expected duration, got %T", raw)
		}

	case KindStrings:
		switch v := raw.(type) {
		case string:
			parts := splitNonEmpty(v)
			if len(parts) == 0 {
				return nil, fmt.Errorf("must not be empty")
			}
			return parts, nil
		case []string:
			out := make([]string, 0, len(v))
			for _, s := range v {
				if t := strings.TrimSpace(s); t != "" {
					out = append(out, t)
				}
			}
			if len(out) == 0 {
				return nil, fmt.Errorf("must not be empty")
			}
			return out, nil
		case []interface{}:
			out := make([]string, 0, len(v))
			for _, e := range v {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("entries must be strings, got %T", e)
				}
				if t := strings.TrimSpace(s); t != "" {
					out = append(out, t)
				}
			}
			if len(out) == 0 {
				return nil, fmt.Errorf("must not be empty")
			}
			return out, nil
		default:
			return nil, fmt.Errorf("expected string or list of strings, got %T", raw)
		}
	}

	return nil, fmt.Errorf("unsupported option kind %q", opt.Kind)
}

func checkRange(opt Option, v float64) error {
	if opt.Min != nil && v < *opt.Min {
		return fmt.Errorf("must be >= %v", *opt.Min)
	}
	if opt.Max != nil && v > *opt.Max {
		return fmt.Errorf("must be <= %v", *opt.Max)
	}
	return nil
}

func toInt64(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func toFloat64(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// Options holds validated, typed option values with defaults applied.
type Options struct {
	values map[string]interface{}
}

// String returns the string value for key, or "" if absent.
func (o *Options) String(key string) string {
	if v, ok := o.values[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the integer value for key, or 0 if absent.
func (o *Options) Int(key string) int {
	switch v := o.values[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Float returns the float value for key, or 0 if absent.
func (o *Options) Float(key string) float64 {
	switch v := o.values[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Bool returns the bool value for key, or false if absent.
func (o *Options) Bool(key string) bool {
	if v, ok := o.values[key].(bool); ok {
		return v
	}
	return false
}

// Duration returns the duration value for key, or 0 if absent.
func (o *Options) Duration(key string) time.Duration {
	if v, ok := o.values[key].(time.Duration); ok {
		return v
	}
	return 0
}

// Strings returns the string list value for key, or nil if absent.
func (o *Options) Strings(key string) []string {
	if v, ok := o.values[key].([]string); ok {
		return v
	}
	return nil
}

// Has reports whether key carries a value (explicit or defaulted).
func (o *Options) Has(key string) bool {
	_, ok := o.values[key]
	return ok
}
