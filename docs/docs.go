// Package docs registers the OpenAPI description served under /docs.
// Regenerate with `swag init -g cmd/api/main.go` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/": {
            "get": {
                "description": "Returns API name, version and status.",
                "produces": ["application/json"],
                "tags": ["meta"],
                "summary": "API root info",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/health": {
            "get": {
                "description": "Returns basic health status and timestamp.",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/health/db": {
            "get": {
                "description": "Verifies the subscription store is reachable.",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Database health check",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/runs": {
            "post": {
                "description": "Starts a run immediately. Returns 409 when a run is already in flight and 503 while the service shuts down. GET is accepted for simple cron pingers.",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Trigger a notification run",
                "responses": {
                    "202": {"description": "Accepted", "schema": {"type": "object", "additionalProperties": true}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/runs/last": {
            "get": {
                "description": "Returns counters from the most recent completed run and whether one is in flight.",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Last run result",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/notifications.RunResult"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "notifications.RunResult": {
            "type": "object",
            "properties": {
                "day": {"type": "string"},
                "subscriptions": {"type": "integer"},
                "decisions": {"type": "integer"},
                "sent": {"type": "integer"},
                "deduplicated": {"type": "integer"},
                "failed": {"type": "integer"},
                "permanent_failures": {"type": "integer"},
                "renewed": {"type": "integer"},
                "conflicts": {"type": "integer"},
                "unresolved": {"type": "integer"},
                "dropped_recipients": {"type": "integer"},
                "interrupted": {"type": "boolean"},
                "errors": {"type": "array", "items": {"type": "string"}},
                "duration": {"type": "integer"}
            }
        },
        "respond.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {
                    "type": "object",
                    "properties": {
                        "code": {"type": "string"},
                        "message": {"type": "string"},
                        "detail": {"type": "string"}
                    }
                }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Subwatch Notification API",
	Description:      "Operational API for the subscription notification engine.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
