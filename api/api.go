// Package api holds the public v2 job API contract. The embedded
// document drives the server's request validation middleware and is
// the reference spec for client authors.
package api

import _ "embed"

//go:embed openapi.yaml
var OpenAPISpec []byte
