package model

import (
	"encoding/json"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
)

// ExtensionKind discriminates the extension payload.
type ExtensionKind string

const (
	ExtensionBuiltin        ExtensionKind = "builtin"
	ExtensionStdio          ExtensionKind = "stdio"
	ExtensionSSE            ExtensionKind = "sse"
	ExtensionStreamableHTTP ExtensionKind = "streamable_http"
	ExtensionFrontend       ExtensionKind = "frontend"
	ExtensionInlinePython   ExtensionKind = "inline_python"
)

// Extension is a named agent capability embedded in a project. Only the
// fields matching Kind are populated.
type Extension struct {
	Name    string            `bson:"name" json:"name"`
	Kind    ExtensionKind     `bson:"kind" json:"kind"`
	Enabled bool              `bson:"enabled" json:"enabled"`
	Cmd     string            `bson:"cmd,omitempty" json:"cmd,omitempty"`
	Args    []string          `bson:"args,omitempty" json:"args,omitempty"`
	URI     string            `bson:"uri,omitempty" json:"uri,omitempty"`
	Code    string            `bson:"code,omitempty" json:"code,omitempty"`
	Env     map[string]string `bson:"env,omitempty" json:"env,omitempty"`
}

// Validate checks the kind tag and the kind-specific payload.
func (e *Extension) Validate() error {
	if e.Name == "" {
		return apierror.New(apierror.KindInvalidArgument, "extension name is required")
	}
	switch e.Kind {
	case ExtensionBuiltin, ExtensionFrontend:
		return nil
	case ExtensionStdio:
		if e.Cmd == "" {
			return apierror.New(apierror.KindInvalidArgument, "stdio extension %q requires cmd", e.Name)
		}
	case ExtensionSSE, ExtensionStreamableHTTP:
		if e.URI == "" {
			return apierror.New(apierror.KindInvalidArgument, "%s extension %q requires uri", e.Kind, e.Name)
		}
	case ExtensionInlinePython:
		if e.Code == "" {
			return apierror.New(apierror.KindInvalidArgument, "inline_python extension %q requires code", e.Name)
		}
	default:
		return apierror.New(apierror.KindInvalidArgument, "unknown extension kind %q", e.Kind)
	}
	return nil
}

// SerializeExtensions renders the enabled subset of exts as the single
// GOOSE_EXTENSIONS value the agent consumes. Insertion order is preserved and
// struct field order keeps the JSON byte-stable, so the renderer stays
// deterministic.
func SerializeExtensions(exts []Extension) (string, error) {
	enabled := make([]Extension, 0, len(exts))
	for _, e := range exts {
		if e.Enabled {
			enabled = append(enabled, e)
		}
	}
	raw, err := json.Marshal(enabled)
	if err != nil {
		return "", apierror.Wrap(apierror.KindInvalidArgument, err, "serializing extensions")
	}
	return string(raw), nil
}
