package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const petAPIv3 = `{
  "openapi": "3.0.1",
  "info": {"title": "Pet API", "version": "1.2.0"},
  "tags": [{"name": "pets", "description": "Pet operations"}],
  "paths": {
    "/pets/{petId}": {
      "get": {
        "tags": ["pets"],
        "summary": "Get a pet",
        "parameters": [
          {"name": "petId", "in": "path", "required": true, "schema": {"type": "integer"}},
          {"name": "verbose", "in": "query", "schema": {"type": "boolean"}}
        ]
      }
    },
    "/pets": {
      "post": {
        "tags": ["pets"],
        "summary": "Create a pet",
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {"$ref": "#/components/schemas/Pet"}
            }
          }
        }
      }
    }
  },
  "components": {
    "schemas": {
      "Pet": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "parent": {"$ref": "#/components/schemas/Pet"}
        }
      }
    }
  }
}`

func newParser() *Parser {
	return NewParser(http.DefaultClient, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestParseDirectV3(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v3/api-docs" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, petAPIv3)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	doc, err := newParser().ParseURL(context.Background(), srv.URL+"/v3/api-docs")
	require.NoError(t, err)

	assert.Equal(t, "Pet API", doc.Title)
	assert.Equal(t, "1.2.0", doc.Version)
	assert.Equal(t, srv.URL, doc.BaseURL)
	require.Len(t, doc.Endpoints, 2)

	var get, post *EndpointDef
	for i := range doc.Endpoints {
		switch doc.Endpoints[i].Method {
		case "GET":
			get = &doc.Endpoints[i]
		case "POST":
			post = &doc.Endpoints[i]
		}
	}
	require.NotNil(t, get)
	require.NotNil(t, post)

	assert.Equal(t, "pets", get.TagName)
	assert.Equal(t, "Pet operations", get.TagDescription)
	require.Len(t, get.Parameters, 2)
	assert.Equal(t, "path", get.Parameters[0].Kind)
	assert.Equal(t, "petId", get.Parameters[0].Name)
	assert.True(t, get.Parameters[0].Required)
	assert.Equal(t, "integer", get.Parameters[0].ValueType)
	assert.Equal(t, "query", get.Parameters[1].Kind)

	require.Len(t, post.Parameters, 1)
	body := post.Parameters[0]
	assert.Equal(t, "requestBody", body.Kind)
	assert.True(t, body.Required)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(body.DefaultValue), &schema))
	props := schema["properties"].(map[string]any)
	assert.Equal(t, "string", props["name"].(map[string]any)["type"])

	// The self-referential parent field is replaced with a cycle stub.
	parent := props["parent"].(map[string]any)
	assert.Equal(t, "object", parent["type"])
	assert.Contains(t, parent["description"], "Circular reference to #/components/schemas/Pet")
}

func TestParseSwagger2Converted(t *testing.T) {
	doc2 := `{
	  "swagger": "2.0",
	  "info": {"title": "Legacy API", "version": "0.9"},
	  "basePath": "/api",
	  "paths": {
	    "/items": {
	      "get": {
	        "summary": "List items",
	        "parameters": [{"name": "page", "in": "query", "type": "integer"}]
	      }
	    }
	  }
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, doc2)
	}))
	defer srv.Close()

	doc, err := newParser().ParseURL(context.Background(), srv.URL+"/swagger.json")
	require.NoError(t, err)

	assert.Equal(t, "Legacy API", doc.Title)
	require.Len(t, doc.Endpoints, 1)
	assert.Equal(t, "/items", doc.Endpoints[0].Path)
	assert.Equal(t, "GET", doc.Endpoints[0].Method)
	require.Len(t, doc.Endpoints[0].Parameters, 1)
	assert.Equal(t, "query", doc.Endpoints[0].Parameters[0].Kind)
}

func TestParseViaSwaggerUI(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/swagger-ui/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body>
			<div id="swagger-ui"></div>
			<script>
			SwaggerUIBundle({
			  url: "%s/v3/api-docs",
			  dom_id: "#swagger-ui"
			});
			</script></body></html>`, srv.URL)
	})
	mux.HandleFunc("/v3/api-docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, petAPIv3)
	})

	doc, err := newParser().ParseURL(context.Background(), srv.URL+"/swagger-ui/index.html")
	require.NoError(t, err)
	assert.Equal(t, "Pet API", doc.Title)
	assert.Len(t, doc.Endpoints, 2)
}

func TestParseUINoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v3/api-docs" {
			// The fallback guess lands here.
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, petAPIv3)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>plain page</body></html>`)
	}))
	defer srv.Close()

	doc, err := newParser().ParseURL(context.Background(), srv.URL+"/docs")
	require.NoError(t, err)
	assert.Equal(t, "Pet API", doc.Title)
}

func TestParseSpecNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>nothing here</body></html>`)
	}))
	defer srv.Close()

	_, err := newParser().ParseURL(context.Background(), srv.URL+"/docs")
	assert.ErrorIs(t, err, ErrSpecNotFound)
}

func TestRankCandidatesExcludesDemoHosts(t *testing.T) {
	u, err := url.Parse("http://svc.test:8080/docs")
	require.NoError(t, err)
	ranked := rankCandidates(u, []string{
		"https://petstore.swagger.io/v2/swagger.json",
		"/v3/api-docs",
		"https://other.example.org/spec.yaml",
	})
	require.Len(t, ranked, 2)
	assert.Equal(t, "http://svc.test:8080/v3/api-docs", ranked[0])
}
