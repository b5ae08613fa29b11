package certs

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
	"github.com/rs/zerolog"
)

// Issuer creates a local CA, installs it in the system trust store and signs
// server certificates with it.
type Issuer interface {
	Install() error
	Issue(hosts []string, dir string) (certFile, keyFile string, err error)
}

// Paths locate the files the server needs.
type Paths struct {
	Cert string
	Key  string
	CA   string
}

// Manager keeps a server certificate for the current host names under dir,
// reissuing it when the names change.
type Manager struct {
	issuer Issuer
	hosts  func() ([]string, error)
	log    zerolog.Logger

	caDir     string
	certDir   string
	paths     Paths
	hostsFile string
}

// NewManager creates a Manager storing its files under dir, backed by the
// system trust store.
func NewManager(dir string, logger zerolog.Logger) *Manager {
	caDir := filepath.Join(dir, "ca")
	return newManager(dir, &trustStoreIssuer{caDir: caDir}, Hosts, logger)
}

func newManager(dir string, issuer Issuer, hosts func() ([]string, error), logger zerolog.Logger) *Manager {
	caDir := filepath.Join(dir, "ca")
	certDir := filepath.Join(dir, "tls")
	return &Manager{
		issuer:  issuer,
		hosts:   hosts,
		log:     logger.With().Str("component", "certs").Logger(),
		caDir:   caDir,
		certDir: certDir,
		paths: Paths{
			Cert: filepath.Join(certDir, "server.crt"),
			Key:  filepath.Join(certDir, "server.key"),
			CA:   filepath.Join(caDir, "rootCA.pem"),
		},
		hostsFile: filepath.Join(certDir, "hosts.txt"),
	}
}

// Ensure returns a certificate valid for the current hosts, issuing a new one
// when none exists or the host list changed. Installing the CA may prompt the
// user for a password.
func (m *Manager) Ensure() (Paths, error) {
	if err := os.MkdirAll(m.certDir, 0o700); err != nil {
		return Paths{}, fmt.Errorf("failed to create TLS directory: %w", err)
	}

	hosts, err := m.hosts()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to list LAN addresses")
	}
	m.log.Debug().Strs("hosts", hosts).Msg("Certificate hosts")

	switch {
	case !m.certsExist():
		m.log.Info().Msg("Certificates not found, issuing")
	case m.hostsChanged(hosts):
		m.log.Info().Msg("Network configuration changed, reissuing certificate")
	default:
		m.log.Info().Str("cert", m.paths.Cert).Msg("Using existing certificate")
		return m.paths, nil
	}

	if err := m.issue(hosts); err != nil {
		return Paths{}, err
	}
	return m.paths, nil
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.paths.Cert)
	_, keyErr := os.Stat(m.paths.Key)
	return certErr == nil && keyErr == nil
}

func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readHosts()
	if err != nil {
		return true
	}
	a, b := slices.Clone(cached), slices.Clone(hosts)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

func (m *Manager) readHosts() ([]string, error) {
	f, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hosts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if h := strings.TrimSpace(sc.Text()); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts, sc.Err()
}

func (m *Manager) writeHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0o600)
}

func (m *Manager) issue(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0o700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}

	m.log.Info().Msg("Installing local CA in the system trust store (you may be prompted for your password)")
	if err := m.issuer.Install(); err != nil {
		return fmt.Errorf("failed to install CA: %w", err)
	}

	certFile, keyFile, err := m.issuer.Issue(hosts, m.certDir)
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}
	if certFile != m.paths.Cert {
		if err := os.Rename(certFile, m.paths.Cert); err != nil {
			return fmt.Errorf("failed to move certificate: %w", err)
		}
	}
	if keyFile != m.paths.Key {
		if err := os.Rename(keyFile, m.paths.Key); err != nil {
			return fmt.Errorf("failed to move key: %w", err)
		}
	}

	if err := m.writeHosts(hosts); err != nil {
		m.log.Warn().Err(err).Msg("Failed to cache certificate hosts")
	}

	ev := m.log.Info().Str("cert", m.paths.Cert).Strs("hosts", hosts)
	if fp, err := m.Fingerprint(); err == nil {
		ev = ev.Str("ca_sha256", fp)
	}
	ev.Msg("Certificate issued")
	return nil
}

// Fingerprint returns the SHA-256 fingerprint of the CA certificate as
// colon-separated hex, for users to compare before trusting it on a phone.
func (m *Manager) Fingerprint() (string, error) {
	data, err := os.ReadFile(m.paths.CA)
	if err != nil {
		return "", fmt.Errorf("failed to read CA certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", errors.New("failed to decode CA PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

type trustStoreIssuer struct {
	caDir string
	issue func(hosts []string, dir string) (string, string, error)
}

func (t *trustStoreIssuer) Install() error {
	// truststore reads its CA location from CAROOT
	if err := os.Setenv("CAROOT", t.caDir); err != nil {
		return err
	}
	lib, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("failed to initialize truststore: %w", err)
	}
	if err := lib.Install(); err != nil {
		return err
	}
	t.issue = func(hosts []string, dir string) (string, string, error) {
		cert, err := lib.MakeCert(hosts, dir)
		if err != nil {
			return "", "", err
		}
		return cert.CertFile, cert.KeyFile, nil
	}
	return nil
}

func (t *trustStoreIssuer) Issue(hosts []string, dir string) (string, string, error) {
	if t.issue == nil {
		return "", "", errors.New("CA not installed")
	}
	return t.issue(hosts, dir)
}
