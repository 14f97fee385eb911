package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-fusion-hub/internal/config"
	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/infra"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/queue"
	"memory-fusion-hub/internal/tlsutil"
	"memory-fusion-hub/internal/transport/grpcserver"
	"memory-fusion-hub/internal/transport/zmqserver"
	"memory-fusion-hub/pkg/logging"
)

// execute 运行一次命令，返回标准输出
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", t.TempDir()}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// useMemoryInfra 后端命令改用进程内基础设施
func useMemoryInfra(t *testing.T) *infra.Infrastructure {
	t.Helper()
	cfg := &config.Config{YAMLConfig: *config.Defaults()}
	inf := infra.NewMemoryInfrastructure(cfg)

	prev := openInfra
	openInfra = func(*config.Config, *logging.Logger) (*infra.Infrastructure, error) { return inf, nil }
	t.Cleanup(func() { openInfra = prev })
	return inf
}

func seed(t *testing.T, svc fusion.Service) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Put(ctx, "a:1", model.NewMemoryItem("a:1", "one", model.MemoryTypeKnowledge), "seed")
	require.NoError(t, err)
	_, err = svc.Put(ctx, "a:2", model.NewMemoryItem("a:2", "two", model.MemoryTypeKnowledge), "seed")
	require.NoError(t, err)
	_, err = svc.Put(ctx, "", model.NewSessionData("s1", "u1"), "seed")
	require.NoError(t, err)
	_, err = svc.Delete(ctx, "a:2", "seed")
	require.NoError(t, err)
}

// syncBuffer 命令在后台运行时的输出
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func lines(s string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ============================================================================
// 后端命令
// ============================================================================

func TestReplay(t *testing.T) {
	inf := useMemoryInfra(t)
	seed(t, inf.Service())

	out, err := execute(t, "replay")
	require.NoError(t, err)
	var sum replaySummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 2, sum.Keys)
	assert.Equal(t, int64(4), sum.LatestSequence)

	state, err := fusion.RepositoryState(context.Background(), inf.Repository)
	require.NoError(t, err)
	assert.Equal(t, state.Checksum(), sum.Checksum)

	out, err = execute(t, "replay", "--key", "a:2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 0, sum.Keys)

	out, err = execute(t, "replay", "--events", "--key", "a:2")
	require.NoError(t, err)
	evs := lines(out)
	require.Len(t, evs, 2)
	var ev model.MemoryEvent
	require.NoError(t, json.Unmarshal([]byte(evs[1]), &ev))
	assert.Equal(t, model.EventDelete, ev.EventType)
	assert.Equal(t, "seed", ev.AgentID)
}

func TestReplay_Follow(t *testing.T) {
	inf := useMemoryInfra(t)
	svc := inf.Service()
	seed(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", t.TempDir(), "replay", "--follow", "--key", "a:1"})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return len(lines(out.String())) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := svc.Put(ctx, "a:3", model.NewMemoryItem("a:3", "three", model.MemoryTypeKnowledge), "follower")
	require.NoError(t, err)
	_, err = svc.Put(ctx, "a:1", model.NewMemoryItem("a:1", "uno", model.MemoryTypeKnowledge), "follower")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(lines(out.String())) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("replay --follow did not stop after cancel")
	}

	evs := lines(out.String())
	require.Len(t, evs, 2)
	var ev model.MemoryEvent
	require.NoError(t, json.Unmarshal([]byte(evs[1]), &ev))
	assert.Equal(t, "a:1", ev.TargetKey)
	assert.Equal(t, "follower", ev.AgentID)
	assert.Equal(t, int64(6), ev.SequenceNumber)
}

func TestVerify(t *testing.T) {
	inf := useMemoryInfra(t)
	seed(t, inf.Service())

	out, err := execute(t, "verify")
	require.NoError(t, err)
	var res fusion.VerifyResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Consistent)
	assert.Equal(t, 2, res.StoredKeys)

	// 绕过服务直接写存储，事件日志没有对应记录
	require.NoError(t, inf.Repository.Put(context.Background(), "rogue", model.NewMemoryItem("rogue", "x", model.MemoryTypeKnowledge)))

	out, err = execute(t, "verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "differ on 1 keys")
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Consistent)
	assert.Equal(t, []string{"rogue"}, res.Mismatched)
}

func TestCompact(t *testing.T) {
	inf := useMemoryInfra(t)
	seed(t, inf.Service())

	out, err := execute(t, "compact", "--keep", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":3,"kept":1}`, out)

	_, err = execute(t, "compact", "--keep", "-1")
	assert.Error(t, err)
}

func TestReplication(t *testing.T) {
	inf := useMemoryInfra(t)
	seed(t, inf.Service())

	out, err := execute(t, "replication", "tail", "--group", "g1")
	require.NoError(t, err)
	msgs := lines(out)
	require.Len(t, msgs, 4)

	var first queue.Message
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &first))
	assert.Equal(t, model.EventCreate, first.EventType)
	assert.Equal(t, "a:1", first.Key)
	assert.Equal(t, inf.Origin, first.Origin)
	rec, err := first.Record()
	require.NoError(t, err)
	assert.Equal(t, "one", rec.(*model.MemoryItem).Content)

	// 已确认的消息不会重复投递
	out, err = execute(t, "replication", "tail", "--group", "g1")
	require.NoError(t, err)
	assert.Empty(t, lines(out))

	out, err = execute(t, "replication", "status", "--group", "g1")
	require.NoError(t, err)
	var st replicationStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, int64(4), st.Length)
	assert.Equal(t, int64(0), st.Pending)
}

func TestReplication_Disabled(t *testing.T) {
	inf := useMemoryInfra(t)
	inf.Queue = nil

	_, err := execute(t, "replication", "status")
	assert.ErrorIs(t, err, errReplicationDisabled)
}

// ============================================================================
// 协议命令
// ============================================================================

func startZMQ(t *testing.T, svc fusion.Service) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := zmqserver.NewServer(svc, zmqserver.Options{Endpoint: "tcp://127.0.0.1:0"}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ListenAndServe(ctx)
	}()
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("zmq server did not start")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
	return srv.Addr().String()
}

func startGRPC(t *testing.T, svc fusion.Service) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpcserver.NewServer(svc, grpcserver.Options{}, nil)
	go srv.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return lis.Addr().String()
}

func TestRemoteCommands(t *testing.T) {
	inf := useMemoryInfra(t)
	svc := inf.Service()

	servers := map[string]string{
		protocolZMQ:  startZMQ(t, svc),
		protocolGRPC: startGRPC(t, svc),
	}

	for proto, addr := range servers {
		t.Run(proto, func(t *testing.T) {
			base := []string{"--protocol", proto, "--addr", addr}
			run := func(args ...string) (string, error) {
				return execute(t, append(base, args...)...)
			}
			key := proto + ":1"

			out, err := run("put", "--key", key, "--data", `{"content":"hello","memory_type":"knowledge","tags":["cli"],"relevance_score":0.8}`)
			require.NoError(t, err)
			var res stored
			require.NoError(t, json.Unmarshal([]byte(out), &res))
			assert.Equal(t, key, res.Key)
			assert.Equal(t, string(model.EventCreate), res.EventType)
			assert.NotEmpty(t, res.EventID)

			out, err = run("get", key)
			require.NoError(t, err)
			var item model.MemoryItem
			require.NoError(t, json.Unmarshal([]byte(out), &item))
			assert.Equal(t, "hello", item.Content)
			assert.Equal(t, []string{"cli"}, item.Tags)

			_, err = run("get", proto+":missing")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "not found")

			out, err = run("put", "--data", `{"session_id":"`+proto+`","user_id":"u"}`)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal([]byte(out), &res))
			assert.Equal(t, model.SessionKey(proto), res.Key)

			out, err = run("search", "--tag", "cli", "--min-relevance", "0.5")
			require.NoError(t, err)
			var found []json.RawMessage
			require.NoError(t, json.Unmarshal([]byte(out), &found))
			assert.NotEmpty(t, found)

			out, err = run("health")
			require.NoError(t, err)
			var h fusion.HealthStatus
			require.NoError(t, json.Unmarshal([]byte(out), &h))
			assert.Equal(t, fusion.StatusHealthy, h.Status)
		})
	}
}

func TestHealth_GRPCOverTLS(t *testing.T) {
	inf := useMemoryInfra(t)
	files, err := tlsutil.Ensure(tlsutil.Options{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	serverCfg, err := tlsutil.ServerConfig(files)
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpcserver.NewServer(inf.Service(), grpcserver.Options{TLS: serverCfg}, nil)
	go srv.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	out, err := execute(t, "--protocol", "grpc", "--addr", lis.Addr().String(), "--ca", files.CAFile, "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "healthy"`)
}

func TestPut_InvalidInput(t *testing.T) {
	_, err := execute(t, "--addr", "127.0.0.1:1", "put", "--data", "{oops")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	_, err = execute(t, "--addr", "127.0.0.1:1", "put")
	require.Error(t, err)

	_, err = execute(t, "--protocol", "carrier-pigeon", "--addr", "x", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown protocol")
}

func TestPut_FromStdin(t *testing.T) {
	inf := useMemoryInfra(t)
	addr := startZMQ(t, inf.Service())

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"knowledge_id":"k1","subject":"go","predicate":"is","object":"fast","confidence":0.9}`))
	cmd.SetArgs([]string{"--config", t.TempDir(), "--addr", addr, "put", "--file", "-"})
	require.NoError(t, cmd.Execute())

	rec, err := inf.Repository.Get(context.Background(), model.KnowledgeKey("k1"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.KindKnowledgeRecord, rec.Kind())
}

// ============================================================================
// init-config
// ============================================================================

func TestInitConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "etc")

	out, err := execute(t, "init-config", dir, "--compose")
	require.NoError(t, err)
	for _, name := range []string{"common.yaml", "dev.yaml", "prod.yaml", "test.yaml", "docker-compose.infra.yml"} {
		assert.FileExists(t, filepath.Join(dir, name))
		assert.Contains(t, out, "wrote "+filepath.Join(dir, name))
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev.yaml"), []byte("# local\n"), 0o644))
	out, err = execute(t, "init-config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "skip  "+filepath.Join(dir, "dev.yaml"))
	b, err := os.ReadFile(filepath.Join(dir, "dev.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "# local\n", string(b))

	// 写出的模板可被配置加载器读取
	_, err = execute(t, "init-config", dir, "--force")
	require.NoError(t, err)
	config.SetConfigDir(dir)
	t.Cleanup(func() { config.SetConfigDir("") })
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "mfh:", cfg.Cache.KeyPrefix)
}
