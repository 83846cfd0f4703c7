// Package docs holds the OpenAPI document served under /swagger when the
// binary is built with -tags=swagger. Regenerate with swag init.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/models": {
            "get": {
                "produces": ["application/json"],
                "summary": "List registered models",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}}
            }
        },
        "/models/rescan": {
            "post": {
                "produces": ["application/json"],
                "summary": "Rescan the models directory",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.RescanResponse"}}}
            }
        },
        "/models/{id}/load": {
            "post": {
                "produces": ["application/json"],
                "summary": "Load a model (or start an async switch with async=1)",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "boolean", "name": "async", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.InstanceStatus"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.SwitchResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Resource exhausted", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models/{id}/unload": {
            "post": {
                "produces": ["application/json"],
                "summary": "Drain and unload a model",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.InstanceStatus"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "summary": "Lifecycle status of every model",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}
            }
        },
        "/status/{id}": {
            "get": {
                "produces": ["application/json"],
                "summary": "Lifecycle status of one model",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.InstanceStatus"}}}
            }
        },
        "/benchmarks/{id}": {
            "get": {
                "produces": ["application/json"],
                "summary": "Recent benchmark records for a model",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "name": "limit", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.BenchmarksResponse"}}}
            }
        },
        "/infer": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json", "application/x-ndjson"],
                "summary": "Generate a completion (NDJSON when stream is true)",
                "parameters": [{"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.GenerateRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.Completion"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {"type": "object", "properties": {"error": {"type": "string"}, "code": {"type": "integer"}}},
        "types.ModelsResponse": {"type": "object", "properties": {"models": {"type": "array", "items": {"type": "object"}}}},
        "types.RescanResponse": {"type": "object", "properties": {"added": {"type": "array", "items": {"type": "string"}}, "removed": {"type": "array", "items": {"type": "string"}}}},
        "types.SwitchResponse": {"type": "object", "properties": {"model_id": {"type": "string"}, "op_id": {"type": "string"}}},
        "types.InstanceStatus": {"type": "object", "properties": {"model_id": {"type": "string"}, "instance_id": {"type": "string"}, "state": {"type": "string"}, "warm": {"type": "string"}, "memory_bytes": {"type": "integer"}, "queue_len": {"type": "integer"}, "inflight": {"type": "integer"}, "error": {"type": "string"}}},
        "types.StatusResponse": {"type": "object", "properties": {"instances": {"type": "array", "items": {"$ref": "#/definitions/types.InstanceStatus"}}, "budget_bytes": {"type": "integer"}, "used_bytes": {"type": "integer"}, "resource_exhausted": {"type": "boolean"}}},
        "types.BenchmarksResponse": {"type": "object", "properties": {"model_id": {"type": "string"}, "records": {"type": "array", "items": {"type": "object"}}}},
        "types.GenerateRequest": {"type": "object", "properties": {"model": {"type": "string"}, "conversation_id": {"type": "string"}, "prompt": {"type": "string"}, "stream": {"type": "boolean"}, "max_tokens": {"type": "integer"}, "temperature": {"type": "number"}}},
        "types.Completion": {"type": "object", "properties": {"model": {"type": "string"}, "conversation_id": {"type": "string"}, "content": {"type": "string"}, "tokens": {"type": "integer"}, "finish_reason": {"type": "string"}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "lifecycled API",
	Description:      "HTTP API for local model lifecycle management, KV-cached inference and benchmarks.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
