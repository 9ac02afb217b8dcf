// Package secretstore defines the boundary between the gateway and
// wherever exchange API credentials actually live. Encryption of stored
// keys is explicitly out of scope (spec §1 Non-goals); this package only
// fixes the interface so a real implementation (Vault, KMS, a DB column
// with envelope encryption) can be dropped in later.
package secretstore

import (
	"fmt"
	"os"
)

// Credentials is the opaque blob an ExchangeAdapter needs to authenticate.
type Credentials struct {
	APIKey    string
	APISecret string
	Passphrase string // required by some exchanges (e.g. Upbit subaccounts)
}

// Store resolves an Account's credential reference to real credentials.
type Store interface {
	Get(ref string) (Credentials, error)
}

// EnvStore resolves credentials from environment variables named
// "<ref>_API_KEY" / "<ref>_API_SECRET" / "<ref>_PASSPHRASE". It is a
// development/self-hosted stand-in, not a production secrets manager.
type EnvStore struct{}

func NewEnvStore() EnvStore { return EnvStore{} }

func (EnvStore) Get(ref string) (Credentials, error) {
	key := os.Getenv(ref + "_API_KEY")
	secret := os.Getenv(ref + "_API_SECRET")
	if key == "" || secret == "" {
		return Credentials{}, fmt.Errorf("secretstore: no credentials for ref %q", ref)
	}
	return Credentials{
		APIKey:     key,
		APISecret:  secret,
		Passphrase: os.Getenv(ref + "_PASSPHRASE"),
	}, nil
}
