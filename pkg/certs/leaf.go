package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"session-capture-proxy/pkg/types"
)

// Leaf is a server certificate for one hostname signed by the CA.
type Leaf struct {
	Hostname    string
	Certificate *x509.Certificate
	TLS         *tls.Certificate
}

var lastSerial atomic.Int64

// nextSerial derives a serial from the clock, bumped so that two leaves
// minted in the same nanosecond still differ.
func nextSerial() *big.Int {
	for {
		now := time.Now().UnixNano()
		last := lastSerial.Load()
		if now <= last {
			now = last + 1
		}
		if lastSerial.CompareAndSwap(last, now) {
			return big.NewInt(now)
		}
	}
}

// IssueLeaf mints a fresh key and certificate for hostname. It performs no
// I/O and does not cache; see LeafCache.
func (a *Authority) IssueLeaf(hostname string) (*Leaf, error) {
	hostname = strings.TrimSuffix(strings.ToLower(hostname), ".")
	if hostname == "" {
		return nil, types.NewCertificateError("empty hostname", nil)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, types.NewCertificateError("failed to generate leaf key", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject: pkix.Name{
			Organization: a.cert.Subject.Organization,
			CommonName:   hostname,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname, "*." + hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, types.NewCertificateError("failed to sign leaf certificate", err).WithContext("host", hostname)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, types.NewCertificateError("failed to parse leaf certificate", err)
	}

	return &Leaf{
		Hostname:    hostname,
		Certificate: cert,
		TLS: &tls.Certificate{
			Certificate: [][]byte{der, a.cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		},
	}, nil
}

// LeafCache memoizes leaves per hostname for the life of one proxy run.
// It is safe for concurrent use by connection goroutines.
type LeafCache struct {
	authority *Authority
	mu        sync.RWMutex
	leaves    map[string]*Leaf
}

// NewLeafCache creates an empty cache minting through authority.
func NewLeafCache(authority *Authority) *LeafCache {
	return &LeafCache{
		authority: authority,
		leaves:    make(map[string]*Leaf),
	}
}

// Authority returns the CA the cache mints with.
func (c *LeafCache) Authority() *Authority {
	return c.authority
}

// Get returns the cached leaf for host, minting it on first use.
func (c *LeafCache) Get(host string) (*Leaf, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	c.mu.RLock()
	leaf, ok := c.leaves[host]
	c.mu.RUnlock()
	if ok {
		return leaf, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if leaf, ok := c.leaves[host]; ok {
		return leaf, nil
	}

	leaf, err := c.authority.IssueLeaf(host)
	if err != nil {
		return nil, err
	}
	c.leaves[host] = leaf
	return leaf, nil
}

// Len returns the number of cached hostnames.
func (c *LeafCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.leaves)
}

// Clear drops every cached leaf.
func (c *LeafCache) Clear() {
	c.mu.Lock()
	c.leaves = make(map[string]*Leaf)
	c.mu.Unlock()
}
