// Package commands implements the aim-identity CLI. Every invocation opens
// the configured store, runs one core operation and wipes key material on
// exit, so commands that touch private keys always take the PIN.
package commands
