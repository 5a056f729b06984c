// Package openapi fetches and parses OpenAPI/Swagger documents from
// discovered services. Documents may be served directly as JSON/YAML or
// hidden behind a Swagger UI page.
package openapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"
	"sigs.k8s.io/yaml"
)

// ErrSpecNotFound means no candidate URL produced a parseable document.
var ErrSpecNotFound = errors.New("openapi: spec not found")

// Document is the parsed result handed to the discovery controller.
type Document struct {
	Title     string
	Version   string
	BaseURL   string
	Endpoints []EndpointDef
}

// EndpointDef is one path/method pair with its collected parameters.
type EndpointDef struct {
	Path           string
	Method         string
	Summary        string
	Description    string
	TagName        string
	TagDescription string
	Parameters     []ParameterDef
}

// ParameterDef covers path and query parameters plus the synthetic
// requestBody parameter whose DefaultValue is the inlined JSON schema.
type ParameterDef struct {
	Kind         string
	Name         string
	Required     bool
	ValueType    string
	Title        string
	Description  string
	DefaultValue string
}

var directPaths = []string{
	"/v2/api-docs", "/v3/api-docs", "/swagger.json", "/openapi.json", "/api-docs.json",
}

type Parser struct {
	client *http.Client
	log    *slog.Logger
}

func NewParser(client *http.Client, log *slog.Logger) *Parser {
	if client == nil {
		client = http.DefaultClient
	}
	return &Parser{client: client, log: log}
}

// ParseURL fetches the URL and parses whatever OpenAPI document it leads to,
// choosing the direct or UI strategy by URL shape and content type.
func (p *Parser) ParseURL(ctx context.Context, rawURL string) (*Document, error) {
	if p.isDirectURL(ctx, rawURL) {
		doc, err := p.fetchDocument(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return doc, nil
	}
	return p.parseViaUI(ctx, rawURL)
}

// isDirectURL matches the well-known documentation paths, or falls back to a
// HEAD probe for a JSON/YAML content type.
func (p *Parser) isDirectURL(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, dp := range directPaths {
		if strings.HasSuffix(u.Path, dp) {
			return true
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	ct := resp.Header.Get("Content-Type")
	return strings.Contains(ct, "json") || strings.Contains(ct, "yaml")
}

// parseViaUI scrapes a Swagger UI page for spec URLs and parses every valid
// candidate, merging the results.
func (p *Parser) parseViaUI(ctx context.Context, pageURL string) (*Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("openapi: bad url %q: %w", pageURL, err)
	}

	html, err := p.fetchBody(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("openapi: fetch ui page: %w", err)
	}

	candidates := extractCandidates(string(html))
	for _, src := range initializerScripts(string(html)) {
		js, err := p.fetchBody(ctx, resolveURL(base, src))
		if err != nil {
			continue
		}
		candidates = append(candidates, extractCandidates(string(js))...)
	}
	if len(candidates) == 0 {
		candidates = []string{"/v3/api-docs"}
	}

	ranked := rankCandidates(base, candidates)
	var docs []*Document
	for _, cand := range ranked {
		doc, err := p.fetchDocument(ctx, cand)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, ErrSpecNotFound
	}
	merged := docs[0]
	for _, d := range docs[1:] {
		merged.Endpoints = append(merged.Endpoints, d.Endpoints...)
	}
	return merged, nil
}

func (p *Parser) fetchBody(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// fetchDocument downloads and parses one candidate. Swagger 2 documents are
// converted to v3 before extraction so the rest of the pipeline sees one
// shape.
func (p *Parser) fetchDocument(ctx context.Context, rawURL string) (*Document, error) {
	body, err := p.fetchBody(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	// YAMLToJSON is a no-op for documents that are already JSON.
	jsonBody, err := yaml.YAMLToJSON(body)
	if err != nil {
		return nil, fmt.Errorf("openapi: decode body: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(jsonBody, &raw); err != nil {
		return nil, fmt.Errorf("openapi: decode body: %w", err)
	}

	switch {
	case raw["openapi"] != nil:
		return p.extractV3(rawURL, jsonBody, raw)
	case raw["swagger"] != nil:
		var v2 openapi2.T
		if err := json.Unmarshal(jsonBody, &v2); err != nil {
			return nil, fmt.Errorf("openapi: decode swagger 2 document: %w", err)
		}
		v3, err := openapi2conv.ToV3(&v2)
		if err != nil {
			return nil, fmt.Errorf("openapi: convert swagger 2 document: %w", err)
		}
		converted, err := json.Marshal(v3)
		if err != nil {
			return nil, err
		}
		var rawV3 map[string]any
		if err := json.Unmarshal(converted, &rawV3); err != nil {
			return nil, err
		}
		return p.extractV3(rawURL, converted, rawV3)
	default:
		return nil, ErrSpecNotFound
	}
}

func (p *Parser) extractV3(fetchedURL string, jsonBody []byte, raw map[string]any) (*Document, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(jsonBody)
	if err != nil {
		return nil, fmt.Errorf("openapi: parse v3 document: %w", err)
	}

	out := &Document{}
	if doc.Info != nil {
		out.Title = doc.Info.Title
		out.Version = doc.Info.Version
	}
	out.BaseURL = baseURLOf(doc, fetchedURL)

	tagDescriptions := map[string]string{}
	for _, tag := range doc.Tags {
		tagDescriptions[tag.Name] = tag.Description
	}

	if doc.Paths == nil {
		return out, nil
	}

	paths := make([]string, 0, doc.Paths.Len())
	for path := range doc.Paths.Map() {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := doc.Paths.Value(path)
		for method, op := range item.Operations() {
			ep := EndpointDef{
				Path:        path,
				Method:      method,
				Summary:     op.Summary,
				Description: op.Description,
			}
			if len(op.Tags) > 0 {
				ep.TagName = op.Tags[0]
				ep.TagDescription = tagDescriptions[ep.TagName]
			}
			ep.Parameters = collectParameters(item.Parameters, op.Parameters)
			if body := requestBodySchema(raw, path, method); body != "" {
				ep.Parameters = append(ep.Parameters, ParameterDef{
					Kind:         "requestBody",
					Name:         "body",
					Required:     requestBodyRequired(op),
					ValueType:    "object",
					DefaultValue: body,
				})
			}
			out.Endpoints = append(out.Endpoints, ep)
		}
	}
	return out, nil
}

func baseURLOf(doc *openapi3.T, fetchedURL string) string {
	if len(doc.Servers) > 0 && doc.Servers[0].URL != "" {
		return doc.Servers[0].URL
	}
	if u, err := url.Parse(fetchedURL); err == nil {
		return u.Scheme + "://" + u.Host
	}
	return ""
}

func requestBodyRequired(op *openapi3.Operation) bool {
	return op.RequestBody != nil && op.RequestBody.Value != nil && op.RequestBody.Value.Required
}

func collectParameters(groups ...openapi3.Parameters) []ParameterDef {
	var out []ParameterDef
	seen := map[string]bool{}
	for _, params := range groups {
		for _, ref := range params {
			param := ref.Value
			if param == nil || (param.In != "path" && param.In != "query") {
				continue
			}
			key := param.In + ":" + param.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			def := ParameterDef{
				Kind:        param.In,
				Name:        param.Name,
				Required:    param.Required,
				Description: param.Description,
			}
			if param.Schema != nil && param.Schema.Value != nil {
				if types := param.Schema.Value.Type; types != nil && len(types.Slice()) > 0 {
					def.ValueType = types.Slice()[0]
				}
				def.Title = param.Schema.Value.Title
			}
			out = append(out, def)
		}
	}
	return out
}

// requestBodySchema pulls the application/json schema for the operation out
// of the raw document and inlines every component reference. Working on the
// raw map keeps vendor extensions and defaults intact.
func requestBodySchema(raw map[string]any, path, method string) string {
	schema := dig(raw, "paths", path, strings.ToLower(method), "requestBody", "content", "application/json", "schema")
	if schema == nil {
		return ""
	}
	inlined := inlineRefs(schema, raw, map[string]bool{})
	b, err := json.Marshal(inlined)
	if err != nil {
		return ""
	}
	return string(b)
}

// inlineRefs replaces $ref nodes pointing at #/components/schemas/* with the
// referenced schema, recursively. A reference already being expanded on the
// current branch is replaced with a stub instead of recursing forever.
func inlineRefs(node any, root map[string]any, expanding map[string]bool) any {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok && strings.HasPrefix(ref, "#/components/schemas/") {
			if expanding[ref] {
				return map[string]any{
					"type":        "object",
					"description": "Circular reference to " + ref,
				}
			}
			target := dig(root, "components", "schemas", strings.TrimPrefix(ref, "#/components/schemas/"))
			if target == nil {
				return v
			}
			expanding[ref] = true
			resolved := inlineRefs(target, root, expanding)
			delete(expanding, ref)
			return resolved
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = inlineRefs(child, root, expanding)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = inlineRefs(child, root, expanding)
		}
		return out
	default:
		return node
	}
}

func dig(node any, keys ...string) any {
	cur := node
	for _, key := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

var (
	dataURLRe     = regexp.MustCompile(`data-url\s*=\s*["']([^"']+)["']`)
	swaggerURLRe  = regexp.MustCompile(`\burl\s*:\s*["']([^"']+)["']`)
	initializerRe = regexp.MustCompile(`<script[^>]+src\s*=\s*["']([^"']*swagger[^"']*initializer[^"']*\.js)["']`)
)

func extractCandidates(body string) []string {
	var out []string
	for _, m := range dataURLRe.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	for _, m := range swaggerURLRe.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

func initializerScripts(body string) []string {
	var out []string
	for _, m := range initializerRe.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

func resolveURL(base *url.URL, candidate string) string {
	ref, err := url.Parse(candidate)
	if err != nil {
		return candidate
	}
	return base.ResolveReference(ref).String()
}

// rankCandidates resolves, filters, dedupes, and orders candidate spec URLs.
// Known public demo hosts are excluded outright.
func rankCandidates(base *url.URL, candidates []string) []string {
	type scored struct {
		url   string
		score int
	}
	var list []scored
	seen := map[string]bool{}
	for _, cand := range candidates {
		full := resolveURL(base, cand)
		u, err := url.Parse(full)
		if err != nil || seen[full] {
			continue
		}
		host := u.Hostname()
		if host == "petstore.swagger.io" || host == "example.com" {
			continue
		}
		seen[full] = true

		score := 0
		if u.Host == base.Host {
			score += 10
		}
		if strings.Contains(u.Path, "/v3/api-docs") {
			score += 5
		}
		if strings.HasSuffix(u.Path, "swagger.json") || strings.HasSuffix(u.Path, "openapi.json") {
			score += 5
		}
		list = append(list, scored{url: full, score: score})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.url
	}
	return out
}
