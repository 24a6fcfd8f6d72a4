// Package core provides the domain models, state enums, transition table,
// and error values shared by the runstate packages.
//
// Nothing in this package touches storage. The transition table in
// particular is a pure lookup so it can be validated independently of any
// database.
package core
