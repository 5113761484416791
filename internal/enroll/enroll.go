// Package enroll implements the agent's key/CSR generation, CSR
// submission, and certificate polling (C4).
//
// Grounded on internal/cluster/ca.go for the PKCS#10 parsing/signature
// idiom (mirrored here on the client side that builds the CSR) and on
// original_source/whmonit/client/agent.py's request_certificate /
// fetch_certificate / check_crypto, which is the authoritative source for
// the modulus-binding invariant (P9). spec.md §4.4 mandates a 2048-bit
// RSA key where the teacher's own CA code uses ECDSA P-256; this package
// follows the spec (see DESIGN.md Open Question resolution).
package enroll

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Paths are the on-disk cert layout from spec §6.
type Paths struct {
	Dir string // CertsDir
}

func (p Paths) KeyPath() string { return filepath.Join(p.Dir, "agent.key") }
func (p Paths) CSRPath() string { return filepath.Join(p.Dir, "agent.csr") }
func (p Paths) CrtPath() string { return filepath.Join(p.Dir, "agent.crt") }
func (p Paths) CAPath() string  { return filepath.Join(p.Dir, "ca.crt") }

// Subject fields fixed per spec §4.4 beyond CN, which is the hostname.
type Subject struct {
	Organization       string
	OrganizationalUnit string
	Country            string
	State              string
	Locality           string
}

// DefaultSubject mirrors the fixed O/OU/C/ST/L fields named in spec §4.4.
var DefaultSubject = Subject{
	Organization:       "monitowl",
	OrganizationalUnit: "agent",
	Country:            "US",
	State:              "California",
	Locality:           "San Francisco",
}

// EnsureKeyAndCSR generates a 2048-bit RSA key and CSR if neither exists
// yet on disk, and persists both with 0400 permissions. If they already
// exist, it is a no-op — re-running enrollment must not regenerate a key
// whose matching CSR may already be in flight at the collector.
func EnsureKeyAndCSR(paths Paths, hostname string, subject Subject) error {
	if fileExists(paths.KeyPath()) && fileExists(paths.CSRPath()) {
		return nil
	}
	if err := os.MkdirAll(paths.Dir, 0700); err != nil {
		return fmt.Errorf("enroll: create certs dir: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("enroll: generate key: %w", err)
	}

	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         hostname,
			Organization:       []string{subject.Organization},
			OrganizationalUnit: []string{subject.OrganizationalUnit},
			Country:            []string{subject.Country},
			Province:           []string{subject.State},
			Locality:           []string{subject.Locality},
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return fmt.Errorf("enroll: create csr: %w", err)
	}

	if err := writeKeyPEM(paths.KeyPath(), key); err != nil {
		return err
	}
	if err := writeCSRPEM(paths.CSRPath(), csrDER); err != nil {
		return err
	}
	return nil
}

func writeKeyPEM(path string, key *rsa.PrivateKey) error {
	der := x509.MarshalPKCS1PrivateKey(key)
	return writePEM(path, "RSA PRIVATE KEY", der, 0400)
}

func writeCSRPEM(path string, der []byte) error {
	return writePEM(path, "CERTIFICATE REQUEST", der, 0400)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("enroll: write %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("enroll: encode %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadCSR returns the PEM-encoded CSR bytes for submission.
func ReadCSR(paths Paths) ([]byte, error) {
	data, err := os.ReadFile(paths.CSRPath())
	if err != nil {
		return nil, fmt.Errorf("enroll: read csr: %w", err)
	}
	return data, nil
}

// ValidateAndWriteCert checks that certPEM's public modulus matches the
// on-disk private key's modulus (P9) before persisting it. On mismatch it
// returns an error and leaves the existing cert file (if any) untouched —
// callers must keep polling rather than install a mismatched certificate.
func ValidateAndWriteCert(paths Paths, certPEM []byte) error {
	keyData, err := os.ReadFile(paths.KeyPath())
	if err != nil {
		return fmt.Errorf("enroll: read key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyData)
	if keyBlock == nil {
		return fmt.Errorf("enroll: no PEM block in key file")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("enroll: parse key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("enroll: no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("enroll: parse certificate: %w", err)
	}
	certPub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("enroll: certificate public key is not RSA")
	}

	if certPub.N.Cmp(key.PublicKey.N) != 0 {
		return fmt.Errorf("enroll: certificate modulus does not match private key (P9 violation refused)")
	}

	return writePEM(paths.CrtPath(), "CERTIFICATE", certBlock.Bytes, 0400)
}
