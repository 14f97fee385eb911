package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/cache"
	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
	"memory-fusion-hub/internal/tlsutil"
)

func TestServer_TLS(t *testing.T) {
	files, err := tlsutil.Ensure(tlsutil.Options{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	serverCfg, err := tlsutil.ServerConfig(files)
	require.NoError(t, err)
	clientCfg, err := tlsutil.ClientConfig(files.CAFile)
	require.NoError(t, err)

	svc := fusion.New(storage.NewMemoryRepository(), cache.NewMemoryCache(time.Minute), eventlog.NewMemoryLog())
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(svc, Options{TLS: serverCfg}, nil)
	go srv.Serve(lis)
	t.Cleanup(srv.grpc.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// authority localhost 与证书 SAN 匹配
	client, err := DialTLS("passthrough:///localhost", clientCfg, dialer)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Put(ctx, "k1", model.NewMemoryItem("k1", "secret", model.MemoryTypeContext), "")
	require.NoError(t, err)
	rec, err := client.Get(ctx, "k1", "")
	require.NoError(t, err)
	assert.Equal(t, "secret", rec.(*model.MemoryItem).Content)

	plain, err := Dial("passthrough:///localhost", dialer)
	require.NoError(t, err)
	defer plain.Close()
	_, err = plain.Get(ctx, "k1", "")
	assert.Error(t, err, "plaintext client must not reach a TLS server")
}
