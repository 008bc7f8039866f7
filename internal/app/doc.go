// Package app wires the identity core into one per-process context object
// and exposes the only surface collaborators may call.
//
// Responsibilities:
// - Build the store, vault, identity manager, channel and rotation manager
//   from configuration.
// - Serialize signing and encryption against PIN changes.
// - Seal collaborator content at rest under the master key.
//
// Non-responsibilities:
// - Network transport, UI state and message persistence.
package app
