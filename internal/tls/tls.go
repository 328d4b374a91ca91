// Package tls builds the status server's TLS settings. Certificates come from
// explicit files or a directory, and a self-signed pair can be generated into
// that directory on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"

	defaultValidDays = 365 * 5
)

// Settings is the [server.tls] config section.
type Settings struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	MaxVersion   string   `mapstructure:"max_version"`
	CommonName   string   `mapstructure:"common_name"`
	Hosts        []string `mapstructure:"hosts"` // DNS names and IPs for generated certs
	ValidDays    int      `mapstructure:"valid_days"`
}

// Paths returns the certificate and key files the settings point at.
func (s Settings) Paths() (cert, key string) {
	if s.CertFile != "" && s.KeyFile != "" {
		return s.CertFile, s.KeyFile
	}
	if s.Dir != "" {
		return filepath.Join(s.Dir, tlsCrt), filepath.Join(s.Dir, tlsKey)
	}
	return "", ""
}

// Validate checks the settings without touching the filesystem.
func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if (s.CertFile == "") != (s.KeyFile == "") {
		return errors.New("server.tls: cert_file and key_file must be set together")
	}
	if c, _ := s.Paths(); c == "" {
		return errors.New("server.tls: enabled but neither cert_file/key_file nor dir is set")
	}
	if s.AutoGenerate && s.Dir == "" {
		return errors.New("server.tls: auto_generate needs dir")
	}
	minV, err := parseTLSVersion(s.MinVersion)
	if err != nil {
		return err
	}
	maxV, err := parseTLSVersion(s.MaxVersion)
	if err != nil {
		return err
	}
	if minV > maxV {
		return fmt.Errorf("server.tls: min_version %s is above max_version %s", s.MinVersion, s.MaxVersion)
	}
	return nil
}

// parseTLSVersion maps a version string to its constant; empty means 1.3.
func parseTLSVersion(ver string) (uint16, error) {
	switch strings.ToLower(ver) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("server.tls: unsupported tls version %q", ver)
	}
}

// safeReadFile reads p, refusing paths that escape baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

func loadPair(certFile, keyFile string) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	readCert, err := safeReadFile(baseDir, certFile)
	if err != nil {
		return nil, err
	}
	readKey, err := safeReadFile(filepath.Dir(keyFile), keyFile)
	if err != nil {
		return nil, err
	}
	certificate, err := tls.X509KeyPair(readCert, readKey)
	if err != nil {
		return nil, err
	}
	return &certificate, nil
}

// getCertificationFunc rereads the pair on every handshake so a rotated
// certificate is picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return loadPair(certFile, keyFile)
	}
}

// Setup returns the server TLS config for s, or nil when TLS is disabled.
// The pair is loaded once up front so a broken setup fails at startup.
func Setup(s Settings) (*tls.Config, error) {
	if !s.Enabled {
		return nil, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	certPath, keyPath := s.Paths()
	if s.AutoGenerate && !certificatesExist(certPath, keyPath) {
		if err := generateCertificate(s, certPath, keyPath); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	if _, err := loadPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	minVer, _ := parseTLSVersion(s.MinVersion)
	maxVer, _ := parseTLSVersion(s.MaxVersion)
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(s Settings, certPath, keyPath string) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	cn := s.CommonName
	if cn == "" {
		cn = "localhost"
	}
	hosts := s.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := s.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: "keepalive",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
	})
}
