// Package tlsutil gRPC 传输层 TLS
//
// 未提供证书时可在启动时生成自签名 CA 与服务端证书，内网部署零配置启用 TLS；
// fusion-admin 用同一 CA 校验服务端。
package tlsutil

import (
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
	"time"

	"memory-fusion-hub/pkg/logging"
)

// DefaultCertDir 默认证书目录
const DefaultCertDir = "/etc/memory-fusion-hub/certs"

const (
	defaultOrganization = "Memory Fusion Hub"
	defaultValidFor     = 365 * 24 * time.Hour
	caValidFor          = 10 * 365 * 24 * time.Hour
)

// CertFiles 证书文件路径
type CertFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Files 返回 dir 下的标准文件名
func Files(dir string) CertFiles {
	if dir == "" {
		dir = DefaultCertDir
	}
	return CertFiles{
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "server.pem"),
		KeyFile:  filepath.Join(dir, "server-key.pem"),
	}
}

// Exist 三个文件是否都存在
func (c CertFiles) Exist() bool {
	for _, f := range []string{c.CAFile, c.CertFile, c.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// Options 证书生成参数
type Options struct {
	Dir          string
	Hosts        []string // 额外的 SAN；localhost、127.0.0.1、::1 与本机主机名总会包含
	Organization string
	ValidFor     time.Duration
	Force        bool // 覆盖已有证书
}

// Ensure 证书不存在（或 Force）时生成，返回文件路径
func Ensure(opts Options, logger *logging.Logger) (CertFiles, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	files := Files(opts.Dir)
	if !opts.Force && files.Exist() {
		logger.Debug("TLS certificates present", "dir", opts.Dir)
		return files, nil
	}
	if err := Generate(opts); err != nil {
		return CertFiles{}, err
	}
	logger.Info("TLS certificates generated", "dir", opts.Dir, "ca", files.CAFile)
	return files, nil
}

// Generate 生成 CA 与由其签发的服务端证书
func Generate(opts Options) error {
	if opts.Organization == "" {
		opts.Organization = defaultOrganization
	}
	if opts.ValidFor <= 0 {
		opts.ValidFor = defaultValidFor
	}
	files := Files(opts.Dir)
	if err := os.MkdirAll(filepath.Dir(files.CAFile), 0o755); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}

	ca, caKey, err := newCA(opts.Organization)
	if err != nil {
		return err
	}
	certDER, key, err := issueServer(ca, caKey, opts.Organization, opts.ValidFor, sans(opts.Hosts))
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal server key: %w", err)
	}

	if err := writePEM(files.CAFile, "CERTIFICATE", ca.Raw, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := writePEM(files.CertFile, "CERTIFICATE", certDER, 0o644); err != nil {
		return fmt.Errorf("write server cert: %w", err)
	}
	if err := writePEM(files.KeyFile, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return fmt.Errorf("write server key: %w", err)
	}
	return nil
}

func serial() *big.Int {
	n, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	return n
}

func newCA(org string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{Organization: []string{org}, CommonName: org + " CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}
	return cert, key, nil
}

func issueServer(ca *x509.Certificate, caKey *ecdsa.PrivateKey, org string, validFor time.Duration, hosts []string) ([]byte, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate server key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{Organization: []string{org}, CommonName: org + " Server"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create server cert: %w", err)
	}
	return der, key, nil
}

// sans 去重后的 SAN 列表
func sans(extra []string) []string {
	hosts := append([]string{"localhost", "127.0.0.1", "::1"}, extra...)
	if name, err := os.Hostname(); err == nil {
		hosts = append(hosts, name)
	}
	seen := make(map[string]bool, len(hosts))
	out := hosts[:0:0]
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

func writePEM(path, blockType string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: data}), perm)
}

// ============================================================================
// tls.Config
// ============================================================================

// ServerConfig 加载服务端证书
func ServerConfig(files CertFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// ClientConfig 以 caFile 为信任根校验服务端
func ClientConfig(caFile string) (*tls.Config, error) {
	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, errors.New("no certificates found in " + caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
