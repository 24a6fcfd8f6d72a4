// Package security provides validation, sanitization, and hard limits for
// run inputs before they reach storage.
package security
