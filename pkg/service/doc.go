// Package service exposes the run lifecycle operations consumed by API
// handlers and worker processes: create, claim, transition, pause/resume,
// retry, cancel, complete/fail, checkpointing, the step ledger, and
// inspection.
package service
