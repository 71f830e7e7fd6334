// Package docs registers the OpenAPI description served by the swagger UI.
// Regenerate from the handler annotations with:
//
//	swag init -g internal/http/router.go -o internal/http/docs
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
        "/users": {"post": {"tags": ["Users"], "summary": "Register a user", "operationId": "createUser"}},
        "/users/{id}": {"get": {"tags": ["Users"], "summary": "Get a user", "operationId": "getUser"}},
        "/users/{id}/wallet": {"get": {"tags": ["Wallet"], "summary": "Get a user's wallet balances", "operationId": "getWallet"}},
        "/users/{id}/wallet/credit": {"post": {"tags": ["Wallet"], "summary": "Recharge a wallet", "operationId": "creditWallet"}},
        "/users/{id}/transactions": {"get": {"tags": ["Wallet"], "summary": "List wallet transactions (newest first)", "operationId": "listTransactions"}},
        "/astrologers": {
            "get": {"tags": ["Astrologers"], "summary": "List astrologers", "operationId": "listAstrologers"},
            "post": {"tags": ["Astrologers"], "summary": "Register an astrologer", "operationId": "createAstrologer"}
        },
        "/astrologers/{id}": {"get": {"tags": ["Astrologers"], "summary": "Get an astrologer", "operationId": "getAstrologer"}},
        "/chat-requests/{id}": {"get": {"tags": ["Consultations"], "summary": "Get a chat request", "operationId": "getChatRequest"}},
        "/chat-sessions/{id}": {"get": {"tags": ["Consultations"], "summary": "Get a chat session", "operationId": "getChatSession"}},
        "/chat-sessions/{id}/messages": {"get": {"tags": ["Consultations"], "summary": "Page through a session's messages", "operationId": "listSessionMessages"}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Astrology consultation API",
	Description:      "Users, astrologers, wallets and consultation history. Live chat runs over the /ws websocket.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
