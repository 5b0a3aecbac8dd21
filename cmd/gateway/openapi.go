package main

import (
	"net/http"
	"strings"

	"paygate/pkg/httpx"
)

// handleDocs renders an OpenAPI 3.0.3 document from the current route
// snapshot. Path parameters use the {name} convention; every gated
// operation documents the 402 challenge alongside the upstream result.
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	paths := map[string]interface{}{}
	for _, rule := range s.Routes.Snapshot() {
		docPath := "/api" + openapiPath(rule.Path)
		summary := rule.Description
		if summary == "" {
			summary = rule.ToolID
		}
		var params []map[string]interface{}
		for _, name := range pathParams(rule.Path) {
			params = append(params, map[string]interface{}{
				"name":     name,
				"in":       "path",
				"required": true,
				"schema":   map[string]string{"type": "string"},
			})
		}
		op := map[string]interface{}{
			"operationId": rule.ToolID,
			"summary":     summary,
			"x-price":     rule.Price,
			"responses": map[string]interface{}{
				"200": map[string]interface{}{"description": "upstream response with X-Receipt header"},
				"402": map[string]interface{}{"description": "payment required: x402 challenge body"},
				"403": map[string]interface{}{"description": "denied by blocklist or mandate"},
			},
		}
		if len(params) > 0 {
			op["parameters"] = params
		}
		if rule.Group != "" {
			op["tags"] = []string{rule.Group}
		}
		item, _ := paths[docPath].(map[string]interface{})
		if item == nil {
			item = map[string]interface{}{}
		}
		item[strings.ToLower(rule.Method)] = op
		paths[docPath] = item
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "paygate",
			"description": "pay-per-request API gateway; every /api operation is x402 gated",
			"version":     "1.0.0",
		},
		"paths": paths,
	})
}

func openapiPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ":") {
			parts[i] = "{" + strings.TrimPrefix(part, ":") + "}"
		}
	}
	return strings.Join(parts, "/")
}

func pathParams(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if strings.HasPrefix(part, ":") {
			out = append(out, strings.TrimPrefix(part, ":"))
		}
	}
	return out
}
