package api

import (
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// =============================================================================
// OpenAPI Document
// =============================================================================

var (
	specOnce sync.Once
	spec     *openapi3.T
)

func (h *Handler) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	specOnce.Do(func() {
		spec = buildSpec(h.version)
	})
	h.writeJSON(w, http.StatusOK, spec)
}

// buildSpec assembles the OpenAPI 3.0 document. Response schemas are derived
// from the response structs by reflection so the document cannot drift from
// the wire format.
func buildSpec(version string) *openapi3.T {
	if version == "" {
		version = "dev"
	}

	schemas := openapi3.Schemas{
		"TriggerRunRequest":   schemaRef(reflect.TypeOf(TriggerRunRequest{})),
		"RunResponse":         schemaRef(reflect.TypeOf(RunResponse{})),
		"StageResultResponse": schemaRef(reflect.TypeOf(StageResultResponse{})),
		"ListRunsResponse":    schemaRef(reflect.TypeOf(ListRunsResponse{})),
		"ErrorResponse":       schemaRef(reflect.TypeOf(ErrorResponse{})),
		"HealthResponse":      schemaRef(reflect.TypeOf(HealthResponse{})),
	}

	paths := openapi3.NewPaths()
	paths.Set("/healthz", &openapi3.PathItem{
		Get: operation("getHealth", "Liveness check", responses(
			response(http.StatusOK, "HealthResponse"),
		)),
	})
	paths.Set("/api/v1/runs", &openapi3.PathItem{
		Post: operation("triggerRun", "Trigger a pipeline run", responses(
			response(http.StatusAccepted, "RunResponse"),
			response(http.StatusConflict, "ErrorResponse"),
			response(http.StatusUnauthorized, "ErrorResponse"),
		)),
		Get: operation("listRuns", "List runs, newest first", responses(
			response(http.StatusOK, "ListRunsResponse"),
			response(http.StatusUnauthorized, "ErrorResponse"),
		)),
	})
	paths.Set("/api/v1/runs/{id}", &openapi3.PathItem{
		Get: operation("getRun", "Get one run with stage results", responses(
			response(http.StatusOK, "RunResponse"),
			response(http.StatusNotFound, "ErrorResponse"),
			response(http.StatusUnauthorized, "ErrorResponse"),
		)),
	})

	return &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "Gantry API",
			Version:     version,
			Description: "Deployment pipeline orchestrator API",
		},
		Paths: paths,
		Components: &openapi3.Components{
			Schemas: schemas,
		},
	}
}

func operation(id, summary string, responses *openapi3.Responses) *openapi3.Operation {
	return &openapi3.Operation{
		OperationID: id,
		Summary:     summary,
		Responses:   responses,
	}
}

func responses(pairs ...responsePair) *openapi3.Responses {
	rs := openapi3.NewResponses()
	for _, p := range pairs {
		desc := http.StatusText(p.status)
		rs.Set(strconv.Itoa(p.status), &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription(desc).
				WithJSONSchemaRef(componentRef(p.schema)),
		})
	}
	return rs
}

type responsePair struct {
	status int
	schema string
}

func response(status int, schema string) responsePair {
	return responsePair{status: status, schema: schema}
}

func componentRef(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Ref: "#/components/schemas/" + name}
}

// =============================================================================
// Reflective Schema Extraction
// =============================================================================

var timeType = reflect.TypeOf(time.Time{})

// schemaRef builds a schema from a struct type using its json tags.
func schemaRef(t reflect.Type) *openapi3.SchemaRef {
	schema := openapi3.NewObjectSchema()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, omit := jsonName(field)
		if name == "" {
			continue
		}
		prop := schemaForType(field.Type)
		if prop == nil {
			continue
		}
		schema.Properties[name] = prop
		if !omit {
			schema.Required = append(schema.Required, name)
		}
	}

	return openapi3.NewSchemaRef("", schema)
}

func schemaForType(t reflect.Type) *openapi3.SchemaRef {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch {
	case t == timeType:
		return openapi3.NewSchemaRef("", openapi3.NewDateTimeSchema())
	case t.Kind() == reflect.String:
		return openapi3.NewSchemaRef("", openapi3.NewStringSchema())
	case t.Kind() == reflect.Bool:
		return openapi3.NewSchemaRef("", openapi3.NewBoolSchema())
	case t.Kind() >= reflect.Int && t.Kind() <= reflect.Uint64:
		return openapi3.NewSchemaRef("", openapi3.NewIntegerSchema())
	case t.Kind() == reflect.Slice:
		item := schemaForType(t.Elem())
		if item == nil {
			return nil
		}
		schema := openapi3.NewArraySchema()
		schema.Items = item
		return openapi3.NewSchemaRef("", schema)
	case t.Kind() == reflect.Struct:
		return schemaRef(t)
	default:
		return nil
	}
}

func jsonName(field reflect.StructField) (name string, omitempty bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = field.Name
	}
	return name, strings.Contains(opts, "omitempty")
}
