// Package http contains the HTTP transport layer: request decoding and
// validation, the mapping from domain errors to response codes, and the
// chi routers for the client API, the version and health endpoints, and
// the administrative API.
//
// Handlers stay thin. All license semantics live in internal/license;
// a handler decodes, validates, delegates and renders.
package http
