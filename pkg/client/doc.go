// Package client is a thin HTTP client for the control-plane API, used
// by the CLI and by worker agents registering themselves.
package client
