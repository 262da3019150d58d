// Package certs owns the local certificate authority: it persists the CA,
// mints per-host leaf certificates and manages system trust.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"session-capture-proxy/pkg/types"
)

// AuthorityOptions controls the subject and lifetime of a newly created CA.
type AuthorityOptions struct {
	Name          string // file name prefix
	Organization  string
	CommonName    string
	ValidityYears int
	KeyBits       int
}

// DefaultAuthorityOptions returns the options used by the CLI.
func DefaultAuthorityOptions() AuthorityOptions {
	return AuthorityOptions{
		Name:          "session-capture",
		Organization:  "Session Capture Proxy",
		CommonName:    "Session Capture Proxy Root CA",
		ValidityYears: 10,
		KeyBits:       2048,
	}
}

// Authority is a loaded CA key pair. It is immutable once created.
type Authority struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte

	CertPath string
	KeyPath  string
}

// Certificate returns the parsed CA certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// CertPEM returns the PEM encoding of the CA certificate as stored on disk.
func (a *Authority) CertPEM() []byte {
	return append([]byte(nil), a.certPEM...)
}

// Subject returns the CA subject, the issuer of every leaf.
func (a *Authority) Subject() pkix.Name {
	return a.cert.Subject
}

// CommonName identifies the CA in system trust stores.
func (a *Authority) CommonName() string {
	return a.cert.Subject.CommonName
}

// Pool returns a cert pool holding only this CA.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// LoadOrCreate returns the CA stored in dir, generating and persisting a new
// one when the certificate or key file is missing. Existing files are never
// rewritten so a CA already trusted by the OS stays valid across runs.
func LoadOrCreate(dir string, opts AuthorityOptions) (*Authority, error) {
	def := DefaultAuthorityOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.Organization == "" {
		opts.Organization = def.Organization
	}
	if opts.CommonName == "" {
		opts.CommonName = def.CommonName
	}
	if opts.ValidityYears <= 0 {
		opts.ValidityYears = def.ValidityYears
	}
	if opts.KeyBits <= 0 {
		opts.KeyBits = def.KeyBits
	}

	certPath := filepath.Join(dir, opts.Name+"-ca.crt")
	keyPath := filepath.Join(dir, opts.Name+"-ca.key")

	if fileExists(certPath) && fileExists(keyPath) {
		return Load(certPath, keyPath)
	}

	slog.Info("Generating new CA certificate", "dir", dir, "common_name", opts.CommonName)
	if err := generate(certPath, keyPath, opts); err != nil {
		return nil, err
	}
	return Load(certPath, keyPath)
}

func generate(certPath, keyPath string, opts AuthorityOptions) error {
	key, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return types.NewCertificateError("failed to generate CA key", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return types.NewCertificateError("failed to generate CA serial", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{opts.Organization},
			CommonName:   opts.CommonName,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(opts.ValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return types.NewCertificateError("failed to sign CA certificate", err)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0755); err != nil {
		return types.NewCertificateError("failed to create certificate directory", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return types.NewCertificateError("failed to write CA certificate", err).WithContext("path", certPath)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return types.NewCertificateError("failed to write CA key", err).WithContext("path", keyPath)
	}

	slog.Info("CA certificate generated", "path", certPath, "valid_until", template.NotAfter.Format(time.DateOnly))
	return nil
}

// Load reads a CA from PEM files.
func Load(certPath, keyPath string) (*Authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, types.NewCertificateError("failed to read CA certificate", err).WithContext("path", certPath)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, types.NewCertificateError("failed to decode certificate PEM", nil).WithContext("path", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, types.NewCertificateError("failed to parse CA certificate", err)
	}
	if !cert.IsCA {
		return nil, types.NewCertificateError("certificate is not a CA", nil).WithContext("path", certPath)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, types.NewCertificateError("failed to read CA key", err).WithContext("path", keyPath)
	}
	key, err := parseKey(keyPEM)
	if err != nil {
		return nil, types.NewCertificateError("failed to parse CA key", err).WithContext("path", keyPath)
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, types.NewCertificateError("CA key does not match certificate", nil)
	}

	slog.Debug("Loaded existing CA certificate", "path", certPath)
	return &Authority{
		cert:     cert,
		key:      key,
		certPEM:  certPEM,
		CertPath: certPath,
		KeyPath:  keyPath,
	}, nil
}

func parseKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode key PEM")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", k)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// Remove deletes the CA files. Used by `ca uninstall`.
func (a *Authority) Remove() error {
	var errs []error
	for _, p := range []string{a.CertPath, a.KeyPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
