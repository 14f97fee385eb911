package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(Options{Dir: dir, Hosts: []string{"10.0.1.50", "hub.local"}}))

	files := Files(dir)
	assert.True(t, files.Exist())

	info, err := os.Stat(files.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	pair, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, cert.DNSNames, "hub.local")
	assert.Contains(t, cert.DNSNames, "localhost")

	var ips []string
	for _, ip := range cert.IPAddresses {
		ips = append(ips, ip.String())
	}
	assert.Contains(t, ips, "10.0.1.50")
	assert.Contains(t, ips, "127.0.0.1")

	clientCfg, err := ClientConfig(files.CAFile)
	require.NoError(t, err)
	_, err = cert.Verify(x509.VerifyOptions{Roots: clientCfg.RootCAs, DNSName: "hub.local"})
	assert.NoError(t, err)
}

func TestEnsure_KeepsExisting(t *testing.T) {
	dir := t.TempDir()
	files, err := Ensure(Options{Dir: dir}, nil)
	require.NoError(t, err)
	before, err := os.ReadFile(files.CAFile)
	require.NoError(t, err)

	_, err = Ensure(Options{Dir: dir}, nil)
	require.NoError(t, err)
	after, err := os.ReadFile(files.CAFile)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = Ensure(Options{Dir: dir, Force: true}, nil)
	require.NoError(t, err)
	regenerated, err := os.ReadFile(files.CAFile)
	require.NoError(t, err)
	assert.NotEqual(t, before, regenerated)
}

func TestFiles_Default(t *testing.T) {
	assert.Equal(t, filepath.Join(DefaultCertDir, "ca.pem"), Files("").CAFile)
	assert.False(t, Files(t.TempDir()).Exist())
}

func TestClientConfig_Errors(t *testing.T) {
	_, err := ClientConfig(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o644))
	_, err = ClientConfig(bad)
	assert.Error(t, err)
}

// 生成的证书可完成一次握手
func TestHandshake(t *testing.T) {
	files, err := Ensure(Options{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	serverCfg, err := ServerConfig(files)
	require.NoError(t, err)
	clientCfg, err := ClientConfig(files.CAFile)
	require.NoError(t, err)

	lis, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("ok"))
	}()

	conn, err := tls.Dial("tcp", lis.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))

	host, _, _ := net.SplitHostPort(lis.Addr().String())
	assert.Equal(t, "127.0.0.1", host)
}
