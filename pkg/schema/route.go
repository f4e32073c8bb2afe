// Package schema compiles source/target JSON Schemas and pairs them with
// a transform mapping document, selected by a (payload_type, target_type)
// route key.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/signet-gw/gateway/pkg/transform"
)

// EngineVersion is the transform engine's own version, checked against a
// mapping document's declared minimum.
var EngineVersion = semver.MustParse("1.0.0")

// Route binds one payload_type/target_type pair to its compiled schemas
// and mapping document.
type Route struct {
	PayloadType string
	TargetType  string
	// ArgsPath, if non-empty, names a dotted path (transform-engine path
	// syntax) within the payload to a string field holding JSON-encoded
	// arguments that must be parsed before mapping, e.g. the shape a
	// tool-call's function.arguments takes.
	ArgsPath         string
	SourceSchema     *jsonschema.Schema
	TargetSchema     *jsonschema.Schema
	Mapping          transform.Mapping
	sourceSchemaJSON string
}

// SourceSchemaHint decodes the route's source schema document back into a
// plain map, for handing to the fallback repair provider as prompt
// context (spec.md §4.5's schema_hint).
func (r Route) SourceSchemaHint() map[string]any {
	var hint map[string]any
	if err := json.Unmarshal([]byte(r.sourceSchemaJSON), &hint); err != nil {
		return nil
	}
	return hint
}

func key(payloadType, targetType string) string { return payloadType + "->" + targetType }

// Registry holds every compiled route the gateway recognizes.
type Registry struct {
	routes map[string]Route
}

func NewRegistry() *Registry {
	return &Registry{routes: map[string]Route{}}
}

// RouteDef is the uncompiled declaration Register compiles into a Route.
type RouteDef struct {
	PayloadType      string
	TargetType       string
	ArgsPath         string
	SourceSchemaJSON string
	TargetSchemaJSON string
	Mapping          transform.Mapping
	MinEngineVersion string
}

// Register compiles a RouteDef's schemas and stores the resulting Route.
// MinEngineVersion, if set, must be satisfiable by EngineVersion or
// registration fails — mirroring how a mapping document pins the engine
// features it depends on.
func (r *Registry) Register(def RouteDef) error {
	if def.MinEngineVersion != "" {
		c, err := semver.NewConstraint(">=" + def.MinEngineVersion)
		if err != nil {
			return fmt.Errorf("schema: bad min_engine_version %q: %w", def.MinEngineVersion, err)
		}
		if !c.Check(EngineVersion) {
			return fmt.Errorf("schema: mapping %s->%s requires engine >= %s, have %s",
				def.PayloadType, def.TargetType, def.MinEngineVersion, EngineVersion)
		}
	}

	src, err := compile(def.PayloadType+".source", def.SourceSchemaJSON)
	if err != nil {
		return fmt.Errorf("schema: compile source for %s: %w", def.PayloadType, err)
	}
	tgt, err := compile(def.TargetType+".target", def.TargetSchemaJSON)
	if err != nil {
		return fmt.Errorf("schema: compile target for %s: %w", def.TargetType, err)
	}

	r.routes[key(def.PayloadType, def.TargetType)] = Route{
		PayloadType:      def.PayloadType,
		TargetType:       def.TargetType,
		ArgsPath:         def.ArgsPath,
		SourceSchema:     src,
		TargetSchema:     tgt,
		Mapping:          def.Mapping,
		sourceSchemaJSON: def.SourceSchemaJSON,
	}
	return nil
}

// Lookup resolves a route by payload/target type pair.
func (r *Registry) Lookup(payloadType, targetType string) (Route, bool) {
	rt, ok := r.routes[key(payloadType, targetType)]
	return rt, ok
}

func compile(name, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://signet-gw.local/schema/" + strings.ReplaceAll(name, " ", "_") + ".json"
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
