package tdfs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testData = []byte("0123456789abcdefghijKLMNO") // 25 bytes, 3 blocks of 10

func putTestData(t *testing.T, c *cluster) int64 {
	t.Helper()
	id, err := c.client.Put(context.Background(), "f.txt", bytes.NewReader(testData), int64(len(testData)), GetHashStr(testData), 0, 10)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return id
}

func TestClientStrictRoundTrip(t *testing.T) {
	c := newCluster(t, 3)
	id := putTestData(t, c)

	data, res, err := c.client.GetBytes(context.Background(), id, Strict)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, testData) {
		t.Fatalf("got %q", data)
	}
	if res.Trust != Trusted || res.Partial || len(res.Missing) != 0 || res.Bytes != 25 {
		t.Fatalf("result = %+v", res)
	}
	for i, b := range res.Meta.Blocks {
		if b.DataNode != c.dnSrvs[i].URL {
			t.Fatalf("block %d on %s, want %s", i, b.DataNode, c.dnSrvs[i].URL)
		}
	}
}

func TestClientPutFileGetFile(t *testing.T) {
	c := newCluster(t, 2)
	dir := t.TempDir()
	src := filepath.Join(dir, "report.bin")
	content := bytes.Repeat([]byte("griddfs-"), 40)
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, err := c.client.PutFile(ctx, src, 0, 64)
	if err != nil {
		t.Fatal(err)
	}

	listing, err := c.client.Ls(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Files) != 1 || listing.Files[0].Filename != "report.bin" {
		t.Fatalf("ls = %+v", listing)
	}

	out := filepath.Join(dir, "out", "report.copy")
	res, err := c.client.GetFile(ctx, id, out, Strict)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, content) || res.Trust != Trusted {
		t.Fatalf("trust %s, %d bytes", res.Trust, len(got))
	}
}

func TestClientBestEffortReportsLoss(t *testing.T) {
	c := newCluster(t, 3)
	id := putTestData(t, c)
	down := c.dnSrvs[1].URL
	c.dnSrvs[1].Close()

	data, res, err := c.client.GetBytes(context.Background(), id, BestEffort)
	if err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte{}, testData[:10]...), testData[20:]...)
	if !bytes.Equal(data, want) {
		t.Fatalf("got %q, want %q", data, want)
	}
	if !res.Partial || res.Trust != Skipped || res.Bytes != 15 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Missing) != 1 || res.Missing[0] != (BlockLocation{BlockID: "alice:f.txt:1", DataNode: down}) {
		t.Fatalf("missing = %+v", res.Missing)
	}

	alerts := c.nn.Alerts.List()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %+v", alerts)
	}
	a := alerts[0]
	if a.Reason != "best-effort reconstruction missing 1 of 3 blocks" || a.User != "alice" || a.Filename != "f.txt" {
		t.Fatalf("alert = %+v", a)
	}
	if len(a.DownNodes) != 1 || a.DownNodes[0] != down || len(a.MissingBlocks) != 1 || a.MissingBlocks[0] != "alice:f.txt:1" {
		t.Fatalf("alert = %+v", a)
	}
}

func TestClientSameNameInTwoDirectories(t *testing.T) {
	c := newCluster(t, 1)
	ctx := context.Background()
	first := []byte("first file content, root dir")
	second := []byte("SECOND FILE in docs dir!!!!!!")

	rootID, err := c.client.Put(ctx, "f.txt", bytes.NewReader(first), int64(len(first)), GetHashStr(first), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	docs, err := c.client.Mkdir(ctx, 0, "docs")
	if err != nil {
		t.Fatal(err)
	}
	docsID, err := c.client.Put(ctx, "f.txt", bytes.NewReader(second), int64(len(second)), GetHashStr(second), docs, 10)
	if err != nil {
		t.Fatal(err)
	}
	if docsID != rootID {
		t.Fatalf("second upload created record %d next to %d, both sharing block ids", docsID, rootID)
	}

	data, res, err := c.client.GetBytes(ctx, rootID, Strict)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, second) || res.Trust != Trusted || res.Meta.DirectoryID != docs {
		t.Fatalf("got %q trust %s in dir %d", data, res.Trust, res.Meta.DirectoryID)
	}
	listing, err := c.client.Ls(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Files) != 0 {
		t.Fatalf("root still lists %+v", listing.Files)
	}
}

func TestClientStrictFailureLeavesNothing(t *testing.T) {
	c := newCluster(t, 3)
	id := putTestData(t, c)
	c.dnSrvs[1].Close()

	data, _, err := c.client.GetBytes(context.Background(), id, Strict)
	if !errors.Is(err, ErrTransientIO) || data != nil {
		t.Fatalf("GetBytes = %q, %v", data, err)
	}

	dir := t.TempDir()
	out := filepath.Join(dir, "f.txt")
	if _, err := c.client.GetFile(context.Background(), id, out, Strict); !errors.Is(err, ErrTransientIO) {
		t.Fatalf("GetFile err = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("strict failure left %d files behind", len(entries))
	}
	if len(c.nn.Alerts.List()) != 0 {
		t.Fatal("strict mode must not raise alerts")
	}
}

func TestClientDetectsTampering(t *testing.T) {
	c := newCluster(t, 3)
	id := putTestData(t, c)
	ctx := context.Background()

	meta, err := c.client.Meta(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.client.StoreBlock(ctx, meta.Blocks[1], strings.NewReader("XXXXXXXXXX")); err != nil {
		t.Fatal(err)
	}
	_, res, err := c.client.GetBytes(ctx, id, Strict)
	if err != nil {
		t.Fatal(err)
	}
	if res.Trust != Untrusted {
		t.Fatalf("trust = %s, want untrusted", res.Trust)
	}
}

func TestVerify(t *testing.T) {
	h := GetHashStr(testData)
	if got := verify(h, h); got != Trusted {
		t.Errorf("verify match = %s", got)
	}
	if got := verify(h, GetHashStr(nil)); got != Untrusted {
		t.Errorf("verify mismatch = %s", got)
	}
	if got := verify("", h); got != Unverifiable {
		t.Errorf("verify without hash = %s", got)
	}
}

func TestClientParallelKeepsOrder(t *testing.T) {
	c := newCluster(t, 3)
	c.client.Config.Parallelism = 4
	data := bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz"), 10) // 26 blocks of 10
	ctx := context.Background()
	id, err := c.client.Put(ctx, "alpha", bytes.NewReader(data), int64(len(data)), GetHashStr(data), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	got, res, err := c.client.GetBytes(ctx, id, Strict)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) || res.Trust != Trusted {
		t.Fatalf("parallel round trip: trust %s, equal %v", res.Trust, bytes.Equal(got, data))
	}
}

func TestClientUploadFailureSkipsCommit(t *testing.T) {
	c := newCluster(t, 3)
	c.dnSrvs[2].Close()
	_, err := c.client.Put(context.Background(), "f.txt", bytes.NewReader(testData), int64(len(testData)), GetHashStr(testData), 0, 10)
	if !errors.Is(err, ErrTransientIO) {
		t.Fatalf("err = %v", err)
	}
	listing, err := c.client.Ls(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Files) != 0 {
		t.Fatalf("file committed despite failed upload: %+v", listing.Files)
	}
}

func TestClientRemove(t *testing.T) {
	c := newCluster(t, 3)
	id := putTestData(t, c)
	ctx := context.Background()

	if err := c.client.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := c.client.Meta(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("meta after remove: %v", err)
	}
	for i, dn := range c.dns {
		if n, _ := dn.Store.Count(); n != 0 {
			t.Fatalf("datanode %d still holds %d blocks", i, n)
		}
	}
	if err := c.client.Remove(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}

func TestClientReadsSeeOtherClientsCommits(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()
	other := NewClient(c.client.Config, c.client.log)
	c.client = NewClient(ClientConfig{
		NameNodeURL:  c.nnSrv.URL,
		User:         "alice",
		Password:     "alicepwd",
		BlockSize:    10,
		MetaCacheTTL: Duration(time.Hour),
	}, c.client.log)

	before := []byte("ZYXWVUTSRQPONMLKJIHG")
	id, err := c.client.Put(ctx, "g.txt", bytes.NewReader(before), int64(len(before)), GetHashStr(before), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.client.Meta(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.client.GetBytes(ctx, id, Strict); err != nil {
		t.Fatal(err)
	}

	after := []byte("abcdefghijklmnopqrstuvwxyz0123")
	again, err := other.Put(ctx, "g.txt", bytes.NewReader(after), int64(len(after)), GetHashStr(after), 0, 10)
	if err != nil || again != id {
		t.Fatalf("re-commit by another client: id %d, %v", again, err)
	}
	data, res, err := c.client.GetBytes(ctx, id, Strict)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, after) || res.Trust != Trusted {
		t.Fatalf("read %q trust %s after another client's commit", data, res.Trust)
	}

	if err := other.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.client.GetBytes(ctx, id, Strict); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read of a removed file: %v", err)
	}
}

func TestClientMetaCacheIsOptIn(t *testing.T) {
	if DefaultClientConfig.MetaCacheTTL != 0 {
		t.Fatalf("default MetaCacheTTL = %s", DefaultClientConfig.MetaCacheTTL.D())
	}
	c := newCluster(t, 1)
	id := putTestData(t, c)
	ctx := context.Background()
	if _, err := c.client.Meta(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := c.nn.Meta.RemoveFile(ctx, id, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.client.Meta(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("uncached meta after remove: %v", err)
	}
}

func TestFetchBlockRejectsMalformedEntry(t *testing.T) {
	c := newCluster(t, 1)
	_, err := c.client.FetchBlock(context.Background(), BlockLocation{BlockID: "alice:f.txt:0"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestClientDirectoriesAndErrors(t *testing.T) {
	c := newCluster(t, 1)
	ctx := context.Background()

	docs, err := c.client.Mkdir(ctx, 0, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.client.Mkdir(ctx, docs, "sub"); err != nil {
		t.Fatal(err)
	}
	if err := c.client.Rmdir(ctx, docs); !errors.Is(err, ErrConflict) {
		t.Fatalf("rmdir non-empty: %v", err)
	}
	dirs, err := c.client.Directories(ctx)
	if err != nil || len(dirs) != 3 {
		t.Fatalf("directories = %+v, %v", dirs, err)
	}
	nodes, err := c.client.DataNodes(ctx)
	if err != nil || len(nodes) != 1 || nodes[0].Status != StatusUp {
		t.Fatalf("datanodes = %+v, %v", nodes, err)
	}

	c.client.Config.Password = "wrong"
	if _, err := c.client.Ls(ctx, 0); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("bad password: %v", err)
	}
}
