// Package types holds identifiers, object kinds, and the rights
// lattice shared by every kernel subsystem.
package types
