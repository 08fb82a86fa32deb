package swagger

//go:generate swag init --generalInfo swagger.go --output docs --dir .,../internal/httpapi,../api --parseInternal --parseDependency --generatedTime=false --instanceName doclock

// @title           doclock API
// @version         0.0
// @description     doclock grants time-bounded exclusive edit leases on documents, renewed by client heartbeats and reclaimed on expiry.
// @license.name    MIT
// @license.url     https://opensource.org/license/mit/
// @BasePath        /v1
// @schemes         https http
// @accept          json
// @produce         json
// @tag.name        lock
// @tag.description Lock inspection, acquisition, heartbeat renewal, release and listing.
// @tag.name        admin
// @tag.description Operator recovery endpoints gated by a bearer token.
// @tag.name        system
// @tag.description Service health and readiness checks.
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
// @description                 Operator token presented as "Bearer <token>".

// Package swagger provides go:generate hooks for producing OpenAPI assets.
type Package struct{}
