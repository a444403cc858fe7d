package delivery

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// DKIMSigner signs outgoing campaign mail for one domain
type DKIMSigner struct {
	key      crypto.Signer
	domain   string
	selector string
}

// NewDKIMSigner creates a signer from an RSA private key
func NewDKIMSigner(key *rsa.PrivateKey, domain, selector string) *DKIMSigner {
	return &DKIMSigner{key: key, domain: domain, selector: selector}
}

// LoadDKIMSigner reads a PEM key file (PKCS#1 or PKCS#8)
func LoadDKIMSigner(keyFile, domain, selector string) (*DKIMSigner, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyFile)
	}

	var key crypto.Signer
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			signer, ok := parsed.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported DKIM key type %T", parsed)
			}
			key = signer
		}
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse DKIM key: %w", err)
	}

	return &DKIMSigner{key: key, domain: domain, selector: selector}, nil
}

// Sign returns the message with a DKIM-Signature header prepended
func (s *DKIMSigner) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
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
func (s *DKIMSigner) Domain() string {
	return s.domain
}

// GenerateDKIMKey creates a 2048-bit RSA key, writes it as PKCS#1 PEM and
// returns the DNS TXT record name and value to publish
func GenerateDKIMKey(path, domain, selector string) (name, record string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, pemData, 0600); err != nil {
		return "", "", fmt.Errorf("failed to write key file: %w", err)
	}

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}

	name = fmt.Sprintf("%s._domainkey.%s", selector, domain)
	record = "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)
	return name, record, nil
}
