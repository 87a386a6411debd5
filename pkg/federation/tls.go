package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc/credentials"
)

// TrustStore holds the CA certificates that federation peers must chain to.
type TrustStore struct {
	mu   sync.RWMutex
	cas  []*x509.Certificate
	pool *x509.CertPool
}

func NewTrustStore() *TrustStore {
	return &TrustStore{pool: x509.NewCertPool()}
}

// LoadCA adds the PEM encoded CA certificate at path.
func (ts *TrustStore) LoadCA(path string) error {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("failed to parse CA PEM %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return ts.AddCA(cert)
}

func (ts *TrustStore) AddCA(cert *x509.Certificate) error {
	if !cert.IsCA {
		return fmt.Errorf("certificate %q is not a CA certificate", cert.Subject.CommonName)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.cas = append(ts.cas, cert)
	ts.pool.AddCert(cert)
	return nil
}

func (ts *TrustStore) certPool() (*x509.CertPool, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if len(ts.cas) == 0 {
		return nil, fmt.Errorf("trust store has no CA certificates")
	}
	return ts.pool.Clone(), nil
}

// ServerTLSConfig requires and verifies client certificates.
func (ts *TrustStore) ServerTLSConfig(cert tls.Certificate) (*tls.Config, error) {
	pool, err := ts.certPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig presents cert and verifies the peer. An empty serverName
// lets gRPC take it from the dial target.
func (ts *TrustStore) ClientTLSConfig(serverName string, cert tls.Certificate) (*tls.Config, error) {
	pool, err := ts.certPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		ServerName:   serverName,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// TLSFiles names the PEM files of a node's mTLS identity.
type TLSFiles struct {
	CA   string
	Cert string
	Key  string
}

func (f TLSFiles) load() (*TrustStore, tls.Certificate, error) {
	ts := NewTrustStore()
	if err := ts.LoadCA(f.CA); err != nil {
		return nil, tls.Certificate{}, err
	}
	cert, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, tls.Certificate{}, fmt.Errorf("failed to load node certificate: %w", err)
	}
	return ts, cert, nil
}

func (f TLSFiles) ServerCredentials() (credentials.TransportCredentials, error) {
	ts, cert, err := f.load()
	if err != nil {
		return nil, err
	}
	cfg, err := ts.ServerTLSConfig(cert)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

func (f TLSFiles) ClientCredentials() (credentials.TransportCredentials, error) {
	ts, cert, err := f.load()
	if err != nil {
		return nil, err
	}
	cfg, err := ts.ClientTLSConfig("", cert)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// CertAuthority issues Ed25519 node certificates for a federation.
type CertAuthority struct {
	Cert *x509.Certificate
	key  ed25519.PrivateKey
}

// NewCertAuthority creates a self-signed CA.
func NewCertAuthority(name string, validity time.Duration) (*CertAuthority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"taracol"},
			CommonName:   name + "-CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return &CertAuthority{Cert: cert, key: priv}, nil
}

// LoadCertAuthority reads ca.crt and ca.key from dir.
func LoadCertAuthority(dir string) (*CertAuthority, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, "ca.key"))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key pair: %w", err)
	}
	key, ok := pair.PrivateKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is not Ed25519")
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return &CertAuthority{Cert: cert, key: key}, nil
}

// Save writes ca.crt and ca.key into dir.
func (ca *CertAuthority) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	return SaveCertificate(ca.Cert, ca.key, filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
}

// Issue signs a node certificate valid for both server and client auth.
// Each address becomes an IP or DNS SAN.
func (ca *CertAuthority) Issue(nodeID string, addresses []string, validity time.Duration) (*x509.Certificate, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"taracol"},
			CommonName:   nodeID,
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, addr := range addresses {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		if ip := net.ParseIP(addr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, addr)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, pub, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, priv, nil
}

func serialNumber() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return n, nil
}

// SaveCertificate writes cert and key as PEM; the key is PKCS#8 and
// readable by the owner only.
func SaveCertificate(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}
