package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/httpseal/sealtap/pkg/logger"
)

const (
	// TempDirPrefix marks CA directories created by the CLI; they are always removed on Cleanup
	TempDirPrefix = "sealtap-ca-"

	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// CA represents a Certificate Authority for generating host certificates
type CA struct {
	dir       string
	caCert    *x509.Certificate
	caKey     crypto.Signer
	certCache map[string]*tls.Certificate
	cacheMu   sync.RWMutex
	inflight  singleflight.Group
	isTempDir bool
	logger    logger.Logger
}

// NewCA creates or loads a certificate authority stored in caDir
func NewCA(caDir string, log logger.Logger) (*CA, error) {
	if log == nil {
		log = logger.Nop()
	}
	isTempDir := strings.HasPrefix(filepath.Clean(caDir), filepath.Clean(os.TempDir())) &&
		strings.HasPrefix(filepath.Base(caDir), TempDirPrefix)

	ca := &CA{
		dir:       caDir,
		certCache: make(map[string]*tls.Certificate),
		isTempDir: isTempDir,
		logger:    log,
	}

	if err := os.MkdirAll(caDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create CA directory: %w", err)
	}

	if err := ca.loadOrCreateCA(); err != nil {
		return nil, fmt.Errorf("failed to initialize CA: %w", err)
	}

	return ca, nil
}

func (ca *CA) loadOrCreateCA() error {
	if _, err := os.Stat(ca.CertPath()); os.IsNotExist(err) {
		return ca.createCA()
	}
	return ca.loadCA()
}

// createCA creates a new root CA certificate and private key
func (ca *CA) createCA() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate CA private key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"sealtap CA"},
			CommonName:   "sealtap recording CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode CA private key: %w", err)
	}

	if err := writePEM(ca.CertPath(), "CERTIFICATE", certDER, 0644); err != nil {
		return err
	}
	if err := writePEM(filepath.Join(ca.dir, caKeyFile), "EC PRIVATE KEY", keyDER, 0600); err != nil {
		return err
	}

	ca.caCert = cert
	ca.caKey = key
	ca.logger.Info("Created new CA certificate: %s", ca.CertPath())
	return nil
}

// loadCA loads existing CA certificate and key
func (ca *CA) loadCA() error {
	certBlock, err := readPEM(ca.CertPath())
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBlock, err := readPEM(filepath.Join(ca.dir, caKeyFile))
	if err != nil {
		return fmt.Errorf("failed to read CA private key: %w", err)
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA private key: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key
	ca.logger.Debug("Loaded CA certificate: %s", ca.CertPath())
	return nil
}

// GenerateCertForHost returns a leaf certificate for host, which may be a
// domain name or an IP address. Certificates are cached per host and
// concurrent requests for the same host share one generation.
func (ca *CA) GenerateCertForHost(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return nil, errors.New("empty host")
	}

	ca.cacheMu.RLock()
	if cert, ok := ca.certCache[host]; ok {
		ca.cacheMu.RUnlock()
		return cert, nil
	}
	ca.cacheMu.RUnlock()

	v, err, _ := ca.inflight.Do(host, func() (interface{}, error) {
		cert, err := ca.generateCertificate(host)
		if err != nil {
			return nil, err
		}
		ca.cacheMu.Lock()
		ca.certCache[host] = cert
		ca.cacheMu.Unlock()
		ca.logger.Debug("Generated certificate for %s", host)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// GetCertificate serves leaf certificates by SNI
func (ca *CA) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, errors.New("client sent no server name")
	}
	return ca.GenerateCertForHost(hello.ServerName)
}

func (ca *CA) generateCertificate(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key for %s: %w", host, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"sealtap"}, CommonName: host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, ca.caCert, &key.PublicKey, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, ca.caCert.Raw},
		PrivateKey:  key,
	}, nil
}

// Certificate returns the CA certificate
func (ca *CA) Certificate() *x509.Certificate {
	return ca.caCert
}

// CertPool returns a pool trusting only this CA
func (ca *CA) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.caCert)
	return pool
}

// CertPath returns the path to the CA certificate file
func (ca *CA) CertPath() string {
	return filepath.Join(ca.dir, caCertFile)
}

// Cleanup removes the CA directory if it was created as a temporary directory
// or if force is set
func (ca *CA) Cleanup(force bool) error {
	if !ca.isTempDir && !force {
		return nil
	}

	ca.cacheMu.Lock()
	ca.certCache = make(map[string]*tls.Certificate)
	ca.cacheMu.Unlock()

	if err := os.RemoveAll(ca.dir); err != nil {
		return fmt.Errorf("failed to cleanup CA directory %s: %w", ca.dir, err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	defer out.Close()

	if err := pem.Encode(out, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", filepath.Base(path))
	}
	return block, nil
}

// parsePrivateKey accepts EC, PKCS#8 and PKCS#1 encodings so existing RSA CA
// directories keep working
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}
