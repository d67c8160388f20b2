package tdfs

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestMetaStore(t *testing.T) *MetaStore {
	t.Helper()
	ms, err := OpenMetaStore(context.Background(), "sqlite", filepath.Join(t.TempDir(), "storage.db"))
	if err != nil {
		t.Fatalf("OpenMetaStore: %v", err)
	}
	t.Cleanup(func() { ms.Close() })
	return ms
}

func newTestNameNode(t *testing.T) *NameNode {
	t.Helper()
	cfg := DefaultNameNodeConfig
	cfg.Users = map[string]string{"alice": "alicepwd", "bob": "bobpwd"}
	log := zerolog.Nop()
	return NewNameNode(cfg, openTestMetaStore(t), NewAlertLog(log), log)
}

// cluster is a NameNode plus DataNodes, all served over httptest.
type cluster struct {
	nn      *NameNode
	nnSrv   *httptest.Server
	dns     []*DataNode
	dnSrvs  []*httptest.Server
	client  *Client
	dataDir []string
}

func newCluster(t *testing.T, dataNodes int) *cluster {
	t.Helper()
	c := &cluster{nn: newTestNameNode(t)}
	c.nnSrv = httptest.NewServer(c.nn.Router())
	t.Cleanup(c.nnSrv.Close)

	for i := 0; i < dataNodes; i++ {
		dir := t.TempDir()
		store, err := NewFSBlockStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		cfg := DefaultDataNodeConfig
		cfg.NodeID = "dn" + string(rune('1'+i))
		cfg.DataDir = dir
		cfg.NameNodeURL = c.nnSrv.URL
		dn := NewDataNode(cfg, store, zerolog.Nop())
		srv := httptest.NewServer(dn.Router())
		t.Cleanup(srv.Close)
		if err := c.nn.Registry.Register(cfg.NodeID, srv.URL); err != nil {
			t.Fatal(err)
		}
		c.dns = append(c.dns, dn)
		c.dnSrvs = append(c.dnSrvs, srv)
		c.dataDir = append(c.dataDir, dir)
	}

	c.client = NewClient(ClientConfig{
		NameNodeURL:  c.nnSrv.URL,
		User:         "alice",
		Password:     "alicepwd",
		BlockSize:    10,
		BlockTimeout: Duration(2 * time.Second),
		MetaTimeout:  Duration(2 * time.Second),
		Parallelism:  1,
	}, zerolog.Nop())
	return c
}
