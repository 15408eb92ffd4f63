package signing

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"sync"
)

// StaticProvider serves credentials from an in-process map, realm ID to
// credential list. It is the default provider for tests and single-node
// deployments; production deployments typically wrap an HSM or KMS behind
// the CredentialProvider interface instead.
type StaticProvider struct {
	mu          sync.RWMutex
	credentials map[string][]*Credential
}

// NewStaticProvider returns an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{credentials: make(map[string][]*Credential)}
}

// AddCredential registers a credential for a realm. Credentials are offered
// in registration order; the first one matching the allowed algorithms wins.
func (p *StaticProvider) AddCredential(realmID string, cred *Credential) error {
	if cred == nil || cred.KeyID == "" {
		return fmt.Errorf("credential with key id is required")
	}
	if _, err := Method(cred.Algorithm); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credentials[realmID] = append(p.credentials[realmID], cred)
	return nil
}

// SigningCredential implements CredentialProvider.
func (p *StaticProvider) SigningCredential(_ context.Context, realmID string, allowedAlgorithms []string) (*Credential, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	creds := p.credentials[realmID]
	if len(creds) == 0 {
		return nil, fmt.Errorf("no signing credentials for realm %q", realmID)
	}
	if len(allowedAlgorithms) == 0 {
		return creds[0], nil
	}
	for _, cred := range creds {
		for _, alg := range allowedAlgorithms {
			if cred.Algorithm == alg {
				return cred, nil
			}
		}
	}
	return nil, fmt.Errorf("no signing credential for realm %q matches allowed algorithms %v", realmID, allowedAlgorithms)
}

// ValidationKeys implements CredentialProvider.
func (p *StaticProvider) ValidationKeys(_ context.Context, realmID string) ([]ValidationKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	creds := p.credentials[realmID]
	keys := make([]ValidationKey, 0, len(creds))
	for _, cred := range creds {
		pub, err := publicKey(cred.Key)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", cred.KeyID, err)
		}
		keys = append(keys, ValidationKey{
			KeyID:     cred.KeyID,
			Algorithm: cred.Algorithm,
			Key:       pub,
		})
	}
	return keys, nil
}

func publicKey(key crypto.PrivateKey) (crypto.PublicKey, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	case *ecdsa.PrivateKey:
		return &k.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}
