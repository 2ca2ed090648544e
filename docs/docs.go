// Package docs registers the OpenAPI description served at /swagger.
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
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "paths": {
        "/webhooks/crm/{provider}": {
            "post": {
                "tags": ["webhooks"],
                "summary": "Receive CRM webhook",
                "parameters": [{"type": "string", "name": "provider", "in": "path", "required": true}],
                "responses": {"200": {"description": "accepted"}, "400": {"description": "malformed body"}, "401": {"description": "unauthorized"}, "404": {"description": "unknown provider"}}
            }
        },
        "/api/crm/conversations/{id}/sync": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["sync"],
                "summary": "Queue conversation sync",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"202": {"description": "job queued"}}
            }
        },
        "/api/crm/conversations/{id}/lead": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["sync"],
                "summary": "Queue lead creation",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"202": {"description": "job queued"}}
            }
        },
        "/api/crm/conversations/{id}/deal": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["sync"],
                "summary": "Queue deal creation",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"202": {"description": "job queued"}}
            }
        },
        "/api/crm/conversations/{id}/messages/{messageId}/relay": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["sync"],
                "summary": "Relay a message to chat connectors",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "messageId", "in": "path", "required": true}
                ],
                "responses": {"200": {"description": "per provider results"}}
            }
        },
        "/api/crm/bulk-sync": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["sync"],
                "summary": "Sync a batch of conversations",
                "responses": {"200": {"description": "per conversation results"}}
            }
        },
        "/api/crm/integrations/{id}/export": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["sync"],
                "summary": "Export conversations to an integration",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "export report"}}
            }
        },
        "/api/crm/integrations/{id}/test": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["sync"],
                "summary": "Test integration connectivity",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "test report"}}
            }
        },
        "/api/crm/integrations/{id}/introspect/{kind}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["sync"],
                "summary": "List users, pipelines, stages or fields",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "kind", "in": "path", "required": true}
                ],
                "responses": {"200": {"description": "remote objects"}}
            }
        },
        "/api/crm/integrations/{id}/bots/{botId}/register": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["sync"],
                "summary": "Register the bot as a CRM chat connector",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "botId", "in": "path", "required": true}
                ],
                "responses": {"200": {"description": "registered"}}
            }
        },
        "/api/crm/integrations/{id}/export-runs": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["cron"],
                "summary": "Get export runs",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "runs"}}
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["cron"],
                "summary": "Run scheduled export now",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "run"}, "409": {"description": "already running"}}
            }
        },
        "/api/crm/schedules": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["cron"],
                "summary": "List export schedules",
                "responses": {"200": {"description": "schedules"}}
            }
        },
        "/api/crm/webhooks/deliveries": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["webhooks"],
                "summary": "List webhook deliveries",
                "responses": {"200": {"description": "deliveries"}}
            }
        },
        "/health": {
            "get": {
                "tags": ["system"],
                "summary": "Health check",
                "responses": {"200": {"description": "ok"}, "503": {"description": "degraded"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "CRM Sync API",
	Description:      "Synchronizes bot conversations with Bitrix24, amoCRM and Avito.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
