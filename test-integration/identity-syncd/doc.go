// Package integration provides end-to-end tests for the identity sync daemon.
// The tests run the full wiring (token provider, directory client, sync engine,
// orchestrator, service, HTTP API) against an in-process fake directory server.
package integration
