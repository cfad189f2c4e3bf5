// Package keystore holds the daemon's trust anchors: the set of domains
// authorized to request sessions, the public keys used to validate signed
// VMCP documents, and the local key that unlocks privileged connections.
package keystore

import (
	"context"

	"github.com/cernvm/webapid/pkg/download"
	"github.com/cernvm/webapid/pkg/wire"
)

// Keystore is the trust interface the orchestration core consumes.
type Keystore interface {
	// UpdateAuthorized refreshes the authorized-domain keystore through the
	// given download provider. It is a no-op when the store is already
	// valid and fresh. The returned code is informational; callers decide
	// by inspecting Valid afterwards.
	UpdateAuthorized(ctx context.Context, dp download.Downloader) wire.Code

	// Valid reports whether a verified keystore document is loaded.
	Valid() bool

	// IsDomainValid reports whether the origin domain is trusted.
	IsDomainValid(domain string) bool

	// GenerateSalt returns a fresh random salt for one VMCP exchange.
	GenerateSalt() string

	// SignatureValidate verifies the signature of a VMCP document fetched
	// for the given domain and salt. vmcp is the flattened document.
	// Returns CodeOK on success or a negative code on failure.
	SignatureValidate(domain, salt string, vmcp map[string]string) wire.Code

	// AuthKeyValid reports whether the presented key matches the local
	// privileged-access key.
	AuthKeyValid(key string) bool
}
