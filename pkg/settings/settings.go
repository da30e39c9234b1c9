// Package settings is the compile-time registry of recognized project
// settings. The registry is the single authority on key names, value types,
// defaults, the environment variable each key feeds, and whether a change
// requires restarting the agent pod.
package settings

import (
	"sort"
	"strconv"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
)

// Type is the declared value type of a setting.
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
	TypeEnum   Type = "enum"
)

// Spec declares one recognized setting.
type Spec struct {
	Key             string
	Type            Type
	Default         string // empty means no default; omitted from env
	EnvVar          string
	RequiresRestart bool
	EnumValues      []string // only for TypeEnum
}

// registry is fixed at compile time; unknown keys are rejected everywhere.
var registry = map[string]Spec{
	"provider": {
		Key: "provider", Type: TypeEnum, Default: "blackbox",
		EnvVar: "GOOSE_PROVIDER", RequiresRestart: true,
		EnumValues: []string{"openai", "anthropic", "blackbox", "databricks"},
	},
	"model": {
		Key: "model", Type: TypeString,
		EnvVar: "GOOSE_MODEL", RequiresRestart: true,
	},
	"temperature": {
		Key: "temperature", Type: TypeFloat, Default: "0.7",
		EnvVar: "GOOSE_TEMPERATURE",
	},
	"max_turns": {
		Key: "max_turns", Type: TypeInt, Default: "100",
		EnvVar: "GOOSE_MAX_TURNS",
	},
	"tool_permission": {
		Key: "tool_permission", Type: TypeEnum, Default: "auto",
		EnvVar: "GOOSE_MODE", RequiresRestart: true,
		EnumValues: []string{"auto", "approve", "chat"},
	},
	"debug": {
		Key: "debug", Type: TypeBool, Default: "false",
		EnvVar: "GOOSE_DEBUG",
	},
}

// Lookup returns the spec for key.
func Lookup(key string) (Spec, error) {
	spec, ok := registry[key]
	if !ok {
		return Spec{}, apierror.New(apierror.KindInvalidArgument, "unknown setting %q", key)
	}
	return spec, nil
}

// Keys returns all recognized keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Coerce validates raw against the spec's declared type and returns the
// canonical string form stored and exported to the environment.
func Coerce(key, raw string) (string, error) {
	spec, err := Lookup(key)
	if err != nil {
		return "", err
	}
	switch spec.Type {
	case TypeString:
		return raw, nil
	case TypeInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", apierror.New(apierror.KindInvalidArgument, "setting %q expects an int, got %q", key, raw)
		}
		return strconv.FormatInt(v, 10), nil
	case TypeFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", apierror.New(apierror.KindInvalidArgument, "setting %q expects a float, got %q", key, raw)
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case TypeBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return "", apierror.New(apierror.KindInvalidArgument, "setting %q expects a bool, got %q", key, raw)
		}
		return strconv.FormatBool(v), nil
	case TypeEnum:
		for _, allowed := range spec.EnumValues {
			if raw == allowed {
				return raw, nil
			}
		}
		return "", apierror.New(apierror.KindInvalidArgument, "setting %q must be one of %v, got %q", key, spec.EnumValues, raw)
	}
	return "", apierror.New(apierror.KindInvalidArgument, "setting %q has unsupported type %q", key, spec.Type)
}

// RequiresRestart reports whether any key in changes forces a pod restart.
func RequiresRestart(changes map[string]string) bool {
	for k := range changes {
		if spec, ok := registry[k]; ok && spec.RequiresRestart {
			return true
		}
	}
	return false
}

// Resolve computes the effective environment entries for the stored values:
// explicit value, else declared default, else omitted.
func Resolve(stored map[string]string) map[string]string {
	env := make(map[string]string, len(registry))
	for key, spec := range registry {
		if v, ok := stored[key]; ok && v != "" {
			env[spec.EnvVar] = v
			continue
		}
		if spec.Default != "" {
			env[spec.EnvVar] = spec.Default
		}
	}
	return env
}

// Effective returns the typed view served by GET: stored value coerced to the
// declared type, falling back to the default.
func Effective(stored map[string]string) map[string]any {
	out := make(map[string]any, len(registry))
	for key, spec := range registry {
		raw, ok := stored[key]
		if !ok || raw == "" {
			raw = spec.Default
		}
		if raw == "" {
			continue
		}
		out[key] = typed(spec.Type, raw)
	}
	return out
}

// TypedValue converts the canonical stored string into its declared Go type.
func TypedValue(key, raw string) (any, error) {
	spec, err := Lookup(key)
	if err != nil {
		return nil, err
	}
	return typed(spec.Type, raw), nil
}

func typed(t Type, raw string) any {
	switch t {
	case TypeInt:
		v, _ := strconv.ParseInt(raw, 10, 64)
		return v
	case TypeFloat:
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	case TypeBool:
		v, _ := strconv.ParseBool(raw)
		return v
	default:
		return raw
	}
}
