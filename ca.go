package sentinel

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CAManager owns the proxy's root CA and issues per-hostname leaf
// certificates for interception. Issued leaves are cached by normalized
// hostname and shared by every session targeting that hostname; a
// cached leaf is never regenerated except when the CA rotates.
type CAManager struct {
	cfg TLSConfig

	// Logger for CA lifecycle events.
	Logger *slog.Logger

	// Metrics records cache hits and misses (optional).
	Metrics *Metrics

	mu     sync.RWMutex
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	cacheMu sync.RWMutex
	cache   map[string]*tls.Certificate
	group   singleflight.Group

	trustedMu    sync.RWMutex
	trusted      *x509.CertPool
	trustedCount int
}

// NewCAManager creates a CAManager bound to the configured SSL
// directory. Call InitRootCA before issuing certificates.
func NewCAManager(cfg TLSConfig) *CAManager {
	return &CAManager{
		cfg:    cfg,
		Logger: slog.Default(),
		cache:  make(map[string]*tls.Certificate),
	}
}

// InitRootCA ensures the CA key and certificate exist under the SSL
// directory. A missing CA is generated and persisted with restrictive
// file permissions. An existing CA is loaded and validated; corruption
// or expiry fails with a certificate error unless regenerate_on_invalid
// is configured, in which case the CA is replaced and the replacement
// logged.
func (cm *CAManager) InitRootCA() error {
	if err := cm.cfg.EnsureSSLDirs(); err != nil {
		return err
	}

	certPath := cm.cfg.CACertPath()
	keyPath := cm.cfg.CAKeyPath()

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)

	if os.IsNotExist(certErr) || os.IsNotExist(keyErr) {
		cm.Logger.Info("root CA not found, generating", "cert", certPath, "key", keyPath)
		return cm.generateAndPersist()
	}

	if err := cm.loadFromDisk(); err != nil {
		if !cm.cfg.RegenerateOnInvalid {
			return err
		}
		cm.Logger.Warn("root CA invalid, regenerating", "error", err)
		return cm.generateAndPersist()
	}

	cm.Logger.Info("root CA loaded",
		"subject", cm.caCert.Subject.CommonName,
		"expires", cm.caCert.NotAfter)
	return nil
}

// loadFromDisk reads and validates the persisted CA material without
// mutating the manager on failure.
func (cm *CAManager) loadFromDisk() error {
	caCert, caKey, err := readCAPair(cm.cfg.CACertPath(), cm.cfg.CAKeyPath())
	if err != nil {
		return err
	}

	now := time.Now()
	if now.After(caCert.NotAfter) {
		return Errorf(KindCertificate, "validate root CA", "CA certificate expired %s", caCert.NotAfter)
	}
	if now.Before(caCert.NotBefore) {
		return Errorf(KindCertificate, "validate root CA", "CA certificate not valid until %s", caCert.NotBefore)
	}
	if !caCert.IsCA || caCert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return Errorf(KindCertificate, "validate root CA", "certificate lacks CA cert-sign usage")
	}

	cm.mu.Lock()
	cm.caCert = caCert
	cm.caKey = caKey
	cm.mu.Unlock()
	return nil
}

func (cm *CAManager) generateAndPersist() error {
	certPEM, keyPEM, err := GenerateCA(cm.cfg.Organization, cm.cfg.CAValidityYears)
	if err != nil {
		return err
	}

	if err := os.WriteFile(cm.cfg.CACertPath(), certPEM, 0o644); err != nil {
		return E(KindCertificate, "write CA cert", err)
	}
	if err := os.WriteFile(cm.cfg.CAKeyPath(), keyPEM, 0o600); err != nil {
		return E(KindCertificate, "write CA key", err)
	}

	caCert, caKey, err := parseCAPair(certPEM, keyPEM)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.caCert = caCert
	cm.caKey = caKey
	cm.mu.Unlock()

	cm.flushLeafCache()
	cm.Logger.Info("root CA generated", "subject", caCert.Subject.CommonName, "expires", caCert.NotAfter)
	return nil
}

// LoadTrustedCertificates scans the trusted_certs directory and adds
// every parseable certificate to the trusted set used for upstream
// validation. Malformed files are skipped and reported; a missing or
// unreadable directory never aborts startup. Returns the number of
// certificates loaded.
func (cm *CAManager) LoadTrustedCertificates() (int, error) {
	dir := cm.cfg.TrustedCertsDir()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, E(KindCertificate, "read trusted_certs dir", err)
	}

	// Trusted certs extend the system roots rather than replace them;
	// an empty trusted_certs directory must still leave public hosts
	// verifiable.
	pool, err := x509.SystemCertPool()
	if err != nil {
		cm.Logger.Warn("system root pool unavailable", "error", err)
		pool = x509.NewCertPool()
	}
	count := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			cm.Logger.Warn("skipping unreadable trusted cert", "file", path, "error", err)
			continue
		}

		added := 0
		for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				cm.Logger.Warn("skipping malformed trusted cert", "file", path, "error", err)
				continue
			}
			pool.AddCert(cert)
			added++
		}

		if added == 0 {
			cm.Logger.Warn("no certificates found in trusted cert file", "file", path)
			continue
		}
		count += added
	}

	cm.trustedMu.Lock()
	cm.trusted = pool
	cm.trustedCount = count
	cm.trustedMu.Unlock()

	cm.Logger.Info("trusted certificates loaded", "count", count, "dir", dir)
	return count, nil
}

// TrustedCertCount returns the number of loaded trusted certificates.
func (cm *CAManager) TrustedCertCount() int {
	cm.trustedMu.RLock()
	defer cm.trustedMu.RUnlock()
	return cm.trustedCount
}

// UpstreamTLSConfig builds the client TLS config used when the proxy
// itself dials a TLS upstream. Validation uses the system roots plus
// the trusted certificate set. Under the "warn" policy chain failures
// are logged but the connection proceeds.
func (cm *CAManager) UpstreamTLSConfig(serverName string) *tls.Config {
	cm.trustedMu.RLock()
	trusted := cm.trusted
	cm.trustedMu.RUnlock()

	cfg := &tls.Config{
		ServerName: serverName,
		RootCAs:    trusted,
	}

	if cm.cfg.UpstreamVerify == "warn" {
		logger := cm.Logger
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			opts := x509.VerifyOptions{
				DNSName:       cs.ServerName,
				Roots:         trusted,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
				logger.Warn("upstream certificate validation failed",
					"server", cs.ServerName, "error", err)
			}
			return nil
		}
	}

	return cfg
}

// IssueCertificate returns the leaf certificate for the given hostname,
// generating and caching one on first use. Concurrent requests for the
// same uncached hostname are single-flighted: exactly one signing
// operation occurs and every caller receives the identical certificate.
func (cm *CAManager) IssueCertificate(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)
	if host == "" {
		return nil, Errorf(KindCertificate, "issue certificate", "empty hostname")
	}

	cm.cacheMu.RLock()
	cert, ok := cm.cache[host]
	cm.cacheMu.RUnlock()
	if ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	v, err, _ := cm.group.Do(host, func() (any, error) {
		// Re-check: a concurrent flight may have populated the cache
		// between the read miss and this call.
		cm.cacheMu.RLock()
		cert, ok := cm.cache[host]
		cm.cacheMu.RUnlock()
		if ok {
			return cert, nil
		}

		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheMiss()
		}

		cert, err := cm.generateLeaf(host)
		if err != nil {
			return nil, err
		}

		cm.cacheMu.Lock()
		cm.cache[host] = cert
		size := len(cm.cache)
		cm.cacheMu.Unlock()

		if cm.Metrics != nil {
			cm.Metrics.SetCertCacheSize(size)
		}
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// GetCertificate adapts IssueCertificate to tls.Config.GetCertificate.
// The hostname is taken from SNI.
func (cm *CAManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, Errorf(KindTLS, "client hello", "no SNI provided")
	}
	return cm.IssueCertificate(hello.ServerName)
}

// CertificateFor returns a GetCertificate callback that falls back to
// the given hostname when the client omits SNI.
func (cm *CAManager) CertificateFor(fallbackHost string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		host := hello.ServerName
		if host == "" {
			host = fallbackHost
		}
		return cm.IssueCertificate(host)
	}
}

func (cm *CAManager) generateLeaf(host string) (*tls.Certificate, error) {
	cm.mu.RLock()
	caCert, caKey := cm.caCert, cm.caKey
	cm.mu.RUnlock()

	if caCert == nil || caKey == nil {
		return nil, Errorf(KindCertificate, "generate leaf", "root CA not initialized")
	}

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, E(KindCertificate, "generate leaf key", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, E(KindCertificate, "generate serial", err)
	}

	validity := time.Duration(cm.cfg.CertValidityDays) * 24 * time.Hour
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{cm.cfg.Organization},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &privKey.PublicKey, caKey)
	if err != nil {
		return nil, E(KindCertificate, "create leaf certificate", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
	}, nil
}

// Ready reports whether root CA material is loaded and leaves can be
// issued. When false the proxy cannot intercept; sessions fall back to
// plain relay.
func (cm *CAManager) Ready() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.caCert != nil && cm.caKey != nil
}

// CACert returns the current CA certificate.
func (cm *CAManager) CACert() *x509.Certificate {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.caCert
}

// CACertPEM returns the PEM encoding of the current CA certificate,
// suitable for distribution to clients.
func (cm *CAManager) CACertPEM() []byte {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.caCert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cm.caCert.Raw})
}

// CacheSize returns the number of cached leaf certificates.
func (cm *CAManager) CacheSize() int {
	cm.cacheMu.RLock()
	defer cm.cacheMu.RUnlock()
	return len(cm.cache)
}

func (cm *CAManager) flushLeafCache() {
	cm.cacheMu.Lock()
	cm.cache = make(map[string]*tls.Certificate)
	cm.cacheMu.Unlock()
	if cm.Metrics != nil {
		cm.Metrics.SetCertCacheSize(0)
	}
}

// GenerateCA generates a new self-signed root CA certificate and
// private key with cert-sign usage. Returns PEM-encoded material.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	if validYears <= 0 {
		validYears = 10
	}

	privKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, E(KindCertificate, "generate CA key", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, E(KindCertificate, "generate serial", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, E(KindCertificate, "create CA certificate", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}

func readCAPair(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, E(KindCertificate, "read CA cert", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, E(KindCertificate, "read CA key", err)
	}

	return parseCAPair(certPEM, keyPEM)
}

func parseCAPair(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, Errorf(KindCertificate, "decode CA cert", "no PEM block found")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, E(KindCertificate, "parse CA cert", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, Errorf(KindCertificate, "decode CA key", "no PEM block found")
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, nil, Errorf(KindCertificate, "parse CA key", "%v (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, Errorf(KindCertificate, "parse CA key", "CA key is not RSA")
		}
	}

	return caCert, caKey, nil
}

// normalizeHost lowercases a hostname and strips any port suffix. It is
// the shared key form for the certificate cache and the ACL.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
