// Package handlers implements the HTTP request handlers for the external
// API surface: initiating and inspecting research sessions, fetching
// reports, and health probes. All handlers are plain net/http
// ResponseWriter/Request functions, and share one JSON response envelope
// (api.Response) and error mapping (WriteError) across every endpoint.
package handlers
