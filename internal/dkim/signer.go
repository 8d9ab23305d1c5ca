package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/email"
)

// signedHeaders are the headers covered by every signature
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"}

// Signer signs outgoing messages for one domain
type Signer struct {
	privateKey *rsa.PrivateKey
	domain     string
	selector   string
}

// NewSigner creates a new DKIM signer
func NewSigner(privateKey *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		privateKey: privateKey,
		domain:     strings.ToLower(domain),
		selector:   selector,
	}
}

// NewSignerFromFile creates a new DKIM signer from a PEM key file
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	privateKey, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key for %s: %w", domain, err)
	}
	return NewSigner(privateKey, domain, selector), nil
}

// Sign returns the message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// Domain returns the signing domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}

// Keyring holds one signer per sender domain
type Keyring struct {
	signers map[string]*Signer
}

// KeySpec locates the key of one domain
type KeySpec struct {
	Domain   string
	Selector string
	KeyFile  string
}

// NewKeyring loads every configured key. A nil keyring signs nothing.
func NewKeyring(specs []KeySpec) (*Keyring, error) {
	k := &Keyring{signers: make(map[string]*Signer, len(specs))}
	for _, spec := range specs {
		signer, err := NewSignerFromFile(spec.KeyFile, spec.Domain, spec.Selector)
		if err != nil {
			return nil, err
		}
		k.Add(signer)
	}
	return k, nil
}

// Add registers a signer, replacing any signer for the same domain
func (k *Keyring) Add(s *Signer) {
	if k.signers == nil {
		k.signers = make(map[string]*Signer)
	}
	k.signers[s.domain] = s
}

// ForAddress returns the signer for the domain of addr, or nil
func (k *Keyring) ForAddress(addr string) *Signer {
	if k == nil {
		return nil
	}
	return k.signers[email.ExtractDomain(addr)]
}

// Len returns the number of loaded domains
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.signers)
}
