// Package docs registers the OpenAPI document served at /swagger/.
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
        "/builds": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["builds"],
                "summary": "List builds, newest first",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.listBuildsResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/server.errorResponse"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["builds"],
                "summary": "Submit a build",
                "parameters": [
                    {"description": "Build request", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/server.createBuildRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.createBuildResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/server.errorResponse"}}
                }
            }
        },
        "/builds/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["builds"],
                "summary": "Get a build",
                "parameters": [
                    {"type": "string", "description": "Build ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.Build"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/server.errorResponse"}}
                }
            }
        },
        "/builds/{id}/completion": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["builds"],
                "summary": "Report a build outcome",
                "parameters": [
                    {"type": "string", "description": "Build ID", "name": "id", "in": "path", "required": true},
                    {"description": "Outcome", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/server.completeBuildRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.Build"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/server.errorResponse"}}
                }
            }
        },
        "/builds/{id}/download": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["builds"],
                "summary": "Download a completed build",
                "parameters": [
                    {"type": "string", "description": "Build ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "302": {"description": "Found"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/server.errorResponse"}}
                }
            }
        },
        "/builds/{id}/watch": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["builds"],
                "summary": "Watch a build",
                "parameters": [
                    {"type": "string", "description": "Build ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "Token for clients that cannot set headers", "name": "access_token", "in": "query"}
                ],
                "responses": {
                    "101": {"description": "Switching Protocols"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/server.errorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/server.errorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "server.Build": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "userId": {"type": "string"},
                "url": {"type": "string"},
                "appName": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "building", "completed", "failed"]},
                "downloadUrl": {"type": "string"},
                "errorMessage": {"type": "string"},
                "downloadCount": {"type": "integer"},
                "viewCount": {"type": "integer"},
                "lastDownloadedAt": {"type": "string"},
                "createdAt": {"type": "string"},
                "updatedAt": {"type": "string"}
            }
        },
        "server.completeBuildRequest": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "enum": ["completed", "failed"]},
                "downloadUrl": {"type": "string"},
                "errorMessage": {"type": "string"}
            }
        },
        "server.createBuildRequest": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "url": {"type": "string"},
                "appName": {"type": "string"}
            }
        },
        "server.createBuildResponse": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "message": {"type": "string"},
                "buildId": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "server.errorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "buildId": {"type": "string"}
            }
        },
        "server.listBuildsResponse": {
            "type": "object",
            "properties": {
                "builds": {"type": "array", "items": {"$ref": "#/definitions/server.Build"}}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "apkbuild API",
	Description:      "Submits Android app builds and reports their progress.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
