package infra

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-fusion-hub/internal/config"
	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage/mongostore"
	"memory-fusion-hub/internal/shared/storage/repository"
	"memory-fusion-hub/pkg/logging"
)

func testConfig(t *testing.T) (*config.Config, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr() + "/0"

	cfg := &config.Config{YAMLConfig: *config.Defaults(), Env: config.EnvTest}
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.SQLite.Path = ":memory:"
	cfg.DatabaseURL = ":memory:"
	cfg.CacheURL = url
	cfg.EventLogURL = url
	cfg.Replication.Enabled = true
	cfg.Replication.BrokerURL = url
	return cfg, mr
}

func TestNew_WiresAllComponents(t *testing.T) {
	cfg, mr := testConfig(t)

	i, err := New(cfg, logging.Nop())
	require.NoError(t, err)
	defer i.Close()

	assert.IsType(t, &repository.Store{}, i.Repository)
	assert.NotNil(t, i.Cache)
	assert.NotNil(t, i.Queue)
	assert.Nil(t, i.Archive)
	assert.NotEmpty(t, i.Origin)

	svc := i.Service()
	ctx := context.Background()

	res, err := svc.Put(ctx, "k1", model.NewMemoryItem("k1", "hello", model.MemoryTypeContext), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.EventCreate, res.EventType)
	assert.False(t, eventlog.IsDegradedEventID(res.EventID))

	got, err := svc.Get(ctx, "k1", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.(*model.MemoryItem).Content)

	assert.True(t, mr.Exists(cfg.Cache.KeyPrefix+"k1"), "record should be cached in redis")

	seq, err := i.EventLog.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq, "CREATE then READ")

	n, err := i.Queue.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	h := svc.HealthStatus(ctx)
	assert.Equal(t, fusion.StatusHealthy, h.Status)
	assert.Contains(t, h.Guards, fusion.GuardBreaker)
}

func TestNew_DisabledComponents(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Cache.Enabled = false
	cfg.EventLog.Enabled = false
	cfg.Replication.Enabled = false

	i, err := New(cfg, nil)
	require.NoError(t, err)
	defer i.Close()

	assert.Nil(t, i.Cache)
	assert.Nil(t, i.Queue)

	svc := i.Service()
	res, err := svc.Put(context.Background(), "k1", model.NewMemoryItem("k1", "v", model.MemoryTypeContext), "")
	require.NoError(t, err)
	assert.True(t, eventlog.IsDegradedEventID(res.EventID))

	h := svc.HealthStatus(context.Background())
	assert.Equal(t, fusion.StatusDegraded, h.Status)
	assert.Equal(t, fusion.StatusHealthy, h.Components[fusion.ComponentRepository].Status)
}

func TestNewRepository_Backends(t *testing.T) {
	cfg, _ := testConfig(t)

	cfg.Storage.Backend = config.BackendMongoDB
	cfg.DatabaseURL = "mongodb://localhost:27017"
	repo, err := NewRepository(cfg, logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, &mongostore.Store{}, repo)
	require.NoError(t, repo.Close())

	cfg.Storage.Backend = config.BackendPostgres
	cfg.DatabaseURL = "postgres://mfh@localhost:5432/memory_fusion?sslmode=disable"
	repo, err = NewRepository(cfg, logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, &repository.Store{}, repo)

	cfg.Storage.Backend = "cassandra"
	_, err = NewRepository(cfg, logging.Nop())
	assert.Error(t, err)
}

func TestEnsureSQLiteDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "data", "fusion.db")

	require.NoError(t, ensureSQLiteDir(path))
	st, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	assert.NoError(t, ensureSQLiteDir(":memory:"))
	assert.NoError(t, ensureSQLiteDir("file:x.db?mode=rwc"))
}

func TestNewArchive_RequiresCredentials(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.EventLog.Archive.Enabled = true
	cfg.MinIO.AccessKey = ""

	_, err := New(cfg, nil)
	assert.Error(t, err)

	cfg.MinIO.AccessKey = "minio"
	cfg.MinIO.SecretKey = "minio-secret"
	i, err := New(cfg, nil)
	require.NoError(t, err)
	defer i.Close()
	assert.NotNil(t, i.Archive)
}

func TestMemoryInfrastructure(t *testing.T) {
	cfg := &config.Config{YAMLConfig: *config.Defaults()}
	i := NewMemoryInfrastructure(cfg)

	svc := i.Service()
	_, err := svc.Put(context.Background(), "", model.NewSessionData("s1", "u1"), "")
	require.NoError(t, err)

	ok, err := svc.Exists(context.Background(), model.SessionKey("s1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, i.Close())
}
