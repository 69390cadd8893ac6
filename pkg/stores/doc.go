// Package stores provides the lock-guarded, crash-safe persistence layer
// for resource identities. The engine writes through it after every
// successful provider operation; providers never persist state themselves.
package stores
