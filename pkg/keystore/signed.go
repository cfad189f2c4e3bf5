package keystore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cernvm/webapid/pkg/download"
	"github.com/cernvm/webapid/pkg/logger"
	"github.com/cernvm/webapid/pkg/wire"
)

// refreshInterval is how long a downloaded keystore document stays fresh
// before UpdateAuthorized fetches it again.
const refreshInterval = 24 * time.Hour

// document is the wire shape of the authorized keystore: a map of trusted
// domains to their base64 DER public keys, signed by the root key.
type document struct {
	Domains   map[string]string `json:"domains"`
	Signature string            `json:"signature"`
}

// SignedKeystore is the production Keystore. A root RSA public key pinned
// at construction validates the downloaded domain keystore; per-domain RSA
// keys validate individual VMCP documents.
type SignedKeystore struct {
	rootKey      *rsa.PublicKey
	keystoreURL  string
	cachePath    string
	localAuthKey string

	mu         sync.RWMutex
	domains    map[string]*rsa.PublicKey
	valid      bool
	lastUpdate time.Time
}

// Options configures NewSigned.
type Options struct {
	// RootKeyPEM is the PEM-encoded root RSA public key.
	RootKeyPEM []byte
	// KeystoreURL is where the signed domain keystore is published.
	KeystoreURL string
	// CachePath is the on-disk location of the last verified document.
	CachePath string
	// LocalAuthKey unlocks privileged connections.
	LocalAuthKey string
}

// NewSigned builds a SignedKeystore and loads the cached document when one
// is present and verifies.
func NewSigned(opts Options) (*SignedKeystore, error) {
	block, _ := pem.Decode(opts.RootKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("root key is not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to parse root key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("root key is not an RSA key")
	}

	ks := &SignedKeystore{
		rootKey:      rsaPub,
		keystoreURL:  opts.KeystoreURL,
		cachePath:    opts.CachePath,
		localAuthKey: opts.LocalAuthKey,
		domains:      make(map[string]*rsa.PublicKey),
	}

	if opts.CachePath != "" {
		if raw, err := os.ReadFile(opts.CachePath); err == nil {
			if err := ks.load(raw); err != nil {
				logger.Warnf("Ignoring cached keystore: %v", err)
			}
		}
	}
	return ks, nil
}

// UpdateAuthorized implements Keystore.
func (k *SignedKeystore) UpdateAuthorized(ctx context.Context, dp download.Downloader) wire.Code {
	k.mu.RLock()
	fresh := k.valid && time.Since(k.lastUpdate) < refreshInterval
	k.mu.RUnlock()
	if fresh {
		return wire.CodeOK
	}

	body, err := dp.DownloadText(ctx, k.keystoreURL, nil)
	if err != nil {
		logger.Warnf("Unable to refresh authorized keystore: %v", err)
		return download.CodeOf(err)
	}

	if err := k.load([]byte(body)); err != nil {
		logger.Warnf("Rejecting downloaded keystore: %v", err)
		return wire.CodeNotValidated
	}

	if k.cachePath != "" {
		if err := os.WriteFile(k.cachePath, []byte(body), 0o600); err != nil {
			logger.Warnf("Unable to cache keystore: %v", err)
		}
	}
	return wire.CodeOK
}

// load verifies a keystore document against the root key and installs it.
func (k *SignedKeystore) load(raw []byte) error {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("malformed keystore document: %w", err)
	}

	sig, err := base64.StdEncoding.DecodeString(doc.Signature)
	if err != nil {
		return fmt.Errorf("malformed keystore signature: %w", err)
	}

	digest := sha256.Sum256(canonicalDomains(doc.Domains))
	if err := rsa.VerifyPKCS1v15(k.rootKey, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("keystore signature rejected: %w", err)
	}

	domains := make(map[string]*rsa.PublicKey, len(doc.Domains))
	for domain, keyB64 := range doc.Domains {
		der, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return fmt.Errorf("domain %s: malformed key: %w", domain, err)
		}
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return fmt.Errorf("domain %s: unable to parse key: %w", domain, err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("domain %s: not an RSA key", domain)
		}
		domains[domain] = rsaPub
	}

	k.mu.Lock()
	k.domains = domains
	k.valid = true
	k.lastUpdate = time.Now()
	k.mu.Unlock()
	return nil
}

// canonicalDomains renders the domain map in a stable form for signing:
// the JSON of the map, which encoding/json emits with sorted keys.
func canonicalDomains(domains map[string]string) []byte {
	b, _ := json.Marshal(domains)
	return b
}

// Valid implements Keystore.
func (k *SignedKeystore) Valid() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.valid
}

// IsDomainValid implements Keystore.
func (k *SignedKeystore) IsDomainValid(domain string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.domains[domain]
	return ok
}

// GenerateSalt implements Keystore.
func (*SignedKeystore) GenerateSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// SignatureValidate implements Keystore. The signed payload is the
// name, secret and salt joined with newlines; the signature travels
// base64-encoded in the document itself.
func (k *SignedKeystore) SignatureValidate(domain, salt string, vmcp map[string]string) wire.Code {
	k.mu.RLock()
	pub, ok := k.domains[domain]
	k.mu.RUnlock()
	if !ok {
		return wire.CodeNotTrusted
	}

	sig, err := base64.StdEncoding.DecodeString(vmcp["signature"])
	if err != nil {
		return wire.CodeNotValidated
	}

	payload := vmcp["name"] + "\n" + vmcp["secret"] + "\n" + salt
	digest := sha256.Sum256([]byte(payload))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return wire.CodeNotValidated
	}
	return wire.CodeOK
}

// AuthKeyValid implements Keystore.
func (k *SignedKeystore) AuthKeyValid(key string) bool {
	if k.localAuthKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(k.localAuthKey)) == 1
}
