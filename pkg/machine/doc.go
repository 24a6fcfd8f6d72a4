// Package machine implements the run state machine engine: validated,
// compare-and-swap-protected transitions with lifecycle timestamping, an
// append-only audit event per transition, and isolated side-effect hooks.
package machine
