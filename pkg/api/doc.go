// Package api is the HTTP/JSON surface of the control plane. Clients
// submit and cancel tasks, workers register and heartbeat, and
// operators read audit history, manage budgets and stream lifecycle
// events over SSE. Submissions are schema-validated and rate limited
// per tenant before they reach admission.
package api
