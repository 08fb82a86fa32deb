// Package docs registers the doclock OpenAPI document with swag.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/license/mit/"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/acquire": {
            "post": {
                "description": "Grants the lease to the caller's session when the document is unlocked or its previous lease expired. A live lease is refused with a locked conflict carrying the holder; sameSession=true means the caller already holds it and should renew instead.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["lock"],
                "summary": "Acquire a document lock",
                "parameters": [
                    {
                        "description": "Lock acquisition parameters",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/api.AcquireRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.AcquireResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/admin/clear-locks": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Operator recovery. Deletes all lock records without ownership or liveness checks. Per-key failures are listed in failedKeys.",
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Clear every lock record",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.ClearLocksResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/healthz": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Liveness check",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.HealthResponse"}}
                }
            }
        },
        "/lock": {
            "get": {
                "description": "Reports whether the document is locked. A stale record found by this call is deleted and reported with wasExpired=true.",
                "produces": ["application/json"],
                "tags": ["lock"],
                "summary": "Inspect a document lock",
                "parameters": [
                    {
                        "type": "string",
                        "description": "Document identifier",
                        "name": "documentId",
                        "in": "query",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.InspectResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/locks": {
            "get": {
                "description": "Returns every decodable lock record sorted by documentId. Expired records are included; live is derived at read time.",
                "produces": ["application/json"],
                "tags": ["lock"],
                "summary": "List lock records",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.ListLocksResponse"}}
                }
            }
        },
        "/readyz": {
            "get": {
                "description": "Fails with 503 once the server starts draining.",
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.HealthResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/api.HealthResponse"}}
                }
            }
        },
        "/release": {
            "post": {
                "description": "Deletes the lock when the caller's session holds it. Releasing an unlocked document succeeds with released=false.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["lock"],
                "summary": "Release a held lease",
                "parameters": [
                    {
                        "description": "Release parameters",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/api.ReleaseRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.ReleaseResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        },
        "/renew": {
            "post": {
                "description": "Refreshes lastHeartbeat on a lease held by the caller's session. Expired leases are reaped and reported as no_lock.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["lock"],
                "summary": "Renew a held lease",
                "parameters": [
                    {
                        "description": "Heartbeat parameters",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/api.RenewRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.RenewResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/api.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/api.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "api.AcquireRequest": {
            "type": "object",
            "properties": {
                "documentId": {"type": "string"},
                "sessionId": {"type": "string"},
                "userName": {"type": "string"}
            }
        },
        "api.AcquireResponse": {
            "type": "object",
            "properties": {
                "lock": {"$ref": "#/definitions/api.Lock"},
                "ok": {"type": "boolean"}
            }
        },
        "api.ClearLocksResponse": {
            "type": "object",
            "properties": {
                "failedKeys": {"type": "array", "items": {"type": "string"}},
                "locksRemoved": {"type": "integer"},
                "ok": {"type": "boolean"},
                "removedKeys": {"type": "array", "items": {"type": "string"}}
            }
        },
        "api.ErrorResponse": {
            "type": "object",
            "properties": {
                "detail": {"description": "Detail provides human-readable diagnostic context for the error.", "type": "string"},
                "error": {"description": "ErrorCode is the stable doclock error identifier.", "type": "string"},
                "lastHeartbeat": {"description": "LastHeartbeat is the current holder's last renewal on \"locked\" conflicts.", "type": "string"},
                "locked": {"description": "Locked is set on \"locked\" conflicts, with the holder fields below.", "type": "boolean"},
                "retryAfterSeconds": {"description": "RetryAfterSeconds is the server-provided retry hint in seconds.", "type": "integer"},
                "sameSession": {"description": "SameSession reports that the caller's own session holds the lease.", "type": "boolean"},
                "timestamp": {"description": "Timestamp is the current holder's acquisition time on \"locked\" conflicts.", "type": "string"},
                "userName": {"description": "UserName is the current holder's display name on \"locked\" conflicts.", "type": "string"}
            }
        },
        "api.HealthResponse": {
            "type": "object",
            "properties": {
                "draining": {"type": "boolean"},
                "ok": {"type": "boolean"}
            }
        },
        "api.InspectResponse": {
            "type": "object",
            "properties": {
                "lastHeartbeat": {"description": "LastHeartbeat is the holder's last renewal when locked.", "type": "string"},
                "locked": {"description": "Locked is true while a live lease exists.", "type": "boolean"},
                "timestamp": {"description": "Timestamp is the holder's acquisition time when locked.", "type": "string"},
                "userName": {"description": "UserName is the holder's display name when locked.", "type": "string"},
                "wasExpired": {"description": "WasExpired reports that a stale record was found and removed by this call.", "type": "boolean"}
            }
        },
        "api.ListLocksResponse": {
            "type": "object",
            "properties": {
                "count": {"type": "integer"},
                "locks": {"type": "array", "items": {"$ref": "#/definitions/api.LockEntry"}}
            }
        },
        "api.Lock": {
            "type": "object",
            "properties": {
                "documentId": {"description": "DocumentID identifies the locked document.", "type": "string"},
                "lastHeartbeat": {"description": "LastHeartbeat is when the lease was last renewed.", "type": "string"},
                "sessionId": {"description": "SessionID is the holder's opaque session identity. Only echoed to the holder.", "type": "string"},
                "timestamp": {"description": "Timestamp is when the lease was acquired.", "type": "string"},
                "userName": {"description": "UserName is the holder's display name.", "type": "string"}
            }
        },
        "api.LockEntry": {
            "type": "object",
            "properties": {
                "documentId": {"type": "string"},
                "lastHeartbeat": {"type": "string"},
                "live": {"description": "Live is derived at read time and informative only.", "type": "boolean"},
                "timestamp": {"type": "string"},
                "userName": {"type": "string"}
            }
        },
        "api.ReleaseRequest": {
            "type": "object",
            "properties": {
                "documentId": {"type": "string"},
                "sessionId": {"type": "string"}
            }
        },
        "api.ReleaseResponse": {
            "type": "object",
            "properties": {
                "ok": {"type": "boolean"},
                "released": {"type": "boolean"}
            }
        },
        "api.RenewRequest": {
            "type": "object",
            "properties": {
                "action": {"description": "Action defaults to \"heartbeat\", the only supported action.", "type": "string"},
                "documentId": {"type": "string"},
                "sessionId": {"type": "string"}
            }
        },
        "api.RenewResponse": {
            "type": "object",
            "properties": {
                "lock": {"$ref": "#/definitions/api.Lock"},
                "ok": {"type": "boolean"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "description": "Operator token presented as \"Bearer <token>\".",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "0.0",
	Host:             "",
	BasePath:         "/v1",
	Schemes:          []string{"https", "http"},
	Title:            "doclock API",
	Description:      "doclock grants time-bounded exclusive edit leases on documents, renewed by client heartbeats and reclaimed on expiry.",
	InfoInstanceName: "doclock",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
