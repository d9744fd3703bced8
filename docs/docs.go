// Package docs registers the console API's OpenAPI description with swag so
// gin-swagger can serve it at /swagger/index.html.
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
        "/dispatch/queue": {
            "get": {
                "tags": ["dispatch"],
                "summary": "Unassigned order queue",
                "parameters": [
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "page_size", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.QueueResponse"}}}
            }
        },
        "/dispatch/queue/sort": {
            "put": {
                "tags": ["dispatch"],
                "summary": "Change queue sort mode",
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SortRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.QueueResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/dispatch/refresh": {
            "post": {
                "tags": ["dispatch"],
                "summary": "Reload riders and the unassigned queue from the backend",
                "responses": {
                    "204": {"description": "No Content"},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/dispatch/riders": {
            "get": {
                "tags": ["dispatch"],
                "summary": "Riders with status, load and capacity",
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/domain.Rider"}}}}
            }
        },
        "/orders/{id}/assign": {
            "post": {
                "tags": ["dispatch"],
                "summary": "Assign an order to a rider",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "Idempotency-Key", "in": "header"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.AssignRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.AssignResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "504": {"description": "Gateway Timeout", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/dispatch/batch-assign": {
            "post": {
                "tags": ["dispatch"],
                "summary": "Assign several orders to one rider",
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.BatchAssignRequest"}}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/dispatch.BatchResult"}}}
            }
        },
        "/dispatch/auto-assign": {
            "post": {
                "tags": ["dispatch"],
                "summary": "Let the backend match riders to orders",
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.AutoAssignRequest"}}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/dispatch.AutoAssignResult"}}}
            }
        },
        "/vendors": {
            "get": {
                "tags": ["vendors"],
                "summary": "Vendor onboarding queue",
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/domain.Vendor"}}}}
            },
            "post": {
                "tags": ["vendors"],
                "summary": "Invite a vendor",
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.InviteVendorRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.Vendor"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/vendors/{id}/status": {
            "put": {
                "tags": ["vendors"],
                "summary": "Change a vendor's onboarding status",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.VendorStatusRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Vendor"}}}
            }
        },
        "/alerts": {
            "get": {
                "tags": ["session"],
                "summary": "Recent console alerts",
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/domain.Notification"}}}}
            }
        },
        "/realtime/status": {
            "get": {
                "tags": ["session"],
                "summary": "Realtime channel state",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/realtime.Status"}}}
            }
        },
        "/realtime/reconnect": {
            "post": {
                "tags": ["session"],
                "summary": "Retry the realtime channel",
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/realtime.Status"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/session/visibility": {
            "post": {
                "tags": ["session"],
                "summary": "Pause or resume fallback polling",
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.VisibilityRequest"}}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.VisibilityResponse"}}}
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {"type": "object", "properties": {"request_id": {"type": "string"}, "code": {"type": "string"}, "message": {"type": "string"}}},
        "handlers.Pagination": {"type": "object", "properties": {"page": {"type": "integer"}, "page_size": {"type": "integer"}, "total": {"type": "integer"}, "total_pages": {"type": "integer"}, "has_next": {"type": "boolean"}}},
        "handlers.QueueResponse": {"type": "object", "properties": {"orders": {"type": "array", "items": {"$ref": "#/definitions/domain.Order"}}, "sort": {"type": "string"}, "pagination": {"$ref": "#/definitions/handlers.Pagination"}}},
        "handlers.SortRequest": {"type": "object", "required": ["mode"], "properties": {"mode": {"type": "string", "enum": ["sla", "created", "priority"]}}},
        "handlers.AssignRequest": {"type": "object", "required": ["rider_id"], "properties": {"rider_id": {"type": "string"}, "override_sla": {"type": "boolean"}}},
        "handlers.AssignResponse": {"type": "object", "properties": {"order_id": {"type": "string"}, "rider_id": {"type": "string"}, "status": {"type": "string"}}},
        "handlers.BatchAssignRequest": {"type": "object", "required": ["order_ids", "rider_id"], "properties": {"order_ids": {"type": "array", "items": {"type": "string"}}, "rider_id": {"type": "string"}}},
        "handlers.AutoAssignRequest": {"type": "object", "required": ["order_ids"], "properties": {"order_ids": {"type": "array", "items": {"type": "string"}}}},
        "handlers.InviteVendorRequest": {"type": "object", "required": ["name", "email"], "properties": {"name": {"type": "string"}, "email": {"type": "string"}}},
        "handlers.VendorStatusRequest": {"type": "object", "required": ["status"], "properties": {"status": {"type": "string", "enum": ["invited", "pending", "approved", "rejected"]}}},
        "handlers.VisibilityRequest": {"type": "object", "required": ["visible"], "properties": {"visible": {"type": "boolean"}}},
        "handlers.VisibilityResponse": {"type": "object", "properties": {"visible": {"type": "boolean"}, "polling": {"type": "boolean"}}},
        "dispatch.BatchFailure": {"type": "object", "properties": {"order_id": {"type": "string"}, "error": {"type": "string"}}},
        "dispatch.BatchResult": {"type": "object", "properties": {"assigned": {"type": "integer"}, "failed": {"type": "integer"}, "failures": {"type": "array", "items": {"$ref": "#/definitions/dispatch.BatchFailure"}}}},
        "dispatch.AutoAssignResult": {"type": "object", "properties": {"assigned": {"type": "integer"}, "failed": {"type": "integer"}}},
        "domain.Order": {"type": "object", "properties": {"id": {"type": "string"}, "status": {"type": "string"}, "priority": {"type": "string"}, "riderId": {"type": "string"}, "zone": {"type": "string"}, "slaDeadline": {"type": "string", "format": "date-time"}, "createdAt": {"type": "string", "format": "date-time"}}},
        "domain.Rider": {"type": "object", "properties": {"id": {"type": "string"}, "name": {"type": "string"}, "status": {"type": "string"}, "currentLoad": {"type": "integer"}, "maxCapacity": {"type": "integer"}, "zone": {"type": "string"}}},
        "domain.Vendor": {"type": "object", "properties": {"id": {"type": "string"}, "name": {"type": "string"}, "email": {"type": "string"}, "status": {"type": "string"}, "invitedAt": {"type": "string", "format": "date-time"}, "updatedAt": {"type": "string", "format": "date-time"}}},
        "domain.Notification": {"type": "object", "properties": {"id": {"type": "string"}, "level": {"type": "string"}, "kind": {"type": "string"}, "message": {"type": "string"}, "entity_type": {"type": "string"}, "entity_id": {"type": "string"}, "sticky": {"type": "boolean"}, "at": {"type": "string", "format": "date-time"}}},
        "realtime.Status": {"type": "object", "properties": {"connected": {"type": "boolean"}, "unavailable": {"type": "boolean"}, "rooms": {"type": "array", "items": {"type": "string"}}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Ops Console Sync API",
	Description:      "Dispatch queue, optimistic assignment, vendor onboarding and session state of one operator console.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
