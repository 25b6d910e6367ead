package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cisync/cisync/pkg/config"
	"github.com/cisync/cisync/pkg/errors"
)

// fakeFS is an in-memory RemoteFS recording operation order.
type fakeFS struct {
	mu    sync.Mutex
	files map[string][]byte
	ops   []string

	failUploads  map[string]int // remaining failures per remote path
	failDownload map[string]int
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		files:        make(map[string][]byte),
		failUploads:  make(map[string]int),
		failDownload: make(map[string]int),
	}
}

func (f *fakeFS) record(op string) {
	f.ops = append(f.ops, op)
}

func (f *fakeFS) List(_ context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list " + dir)
	var names []string
	for p := range f.files {
		if filepath.Dir(p) == dir {
			names = append(names, filepath.Base(p))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeFS) Upload(_ context.Context, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("upload " + remotePath)
	if n := f.failUploads[remotePath]; n > 0 {
		f.failUploads[remotePath] = n - 1
		return errors.New(errors.ErrorTypeConnection, "upload blip")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.files[remotePath] = data
	return nil
}

func (f *fakeFS) Download(_ context.Context, remotePath, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("download " + remotePath)
	if n := f.failDownload[remotePath]; n > 0 {
		f.failDownload[remotePath] = n - 1
		return errors.New(errors.ErrorTypeConnection, "download blip")
	}
	data, ok := f.files[remotePath]
	if !ok {
		return errors.New(errors.ErrorTypeFile, "no such remote file")
	}
	return os.WriteFile(localPath, data, 0o600)
}

func (f *fakeFS) Delete(_ context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete " + remotePath)
	delete(f.files, remotePath)
	return nil
}

func (f *fakeFS) Exists(_ context.Context, remotePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[remotePath]
	return ok, nil
}

func (f *fakeFS) Close() error { return nil }

func (f *fakeFS) uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ups []string
	for _, op := range f.ops {
		if len(op) > 7 && op[:7] == "upload " {
			ups = append(ups, op[7:])
		}
	}
	return ups
}

func testCycle(t *testing.T, fs RemoteFS) (*Cycle, *config.Tenant) {
	t.Helper()
	tenant := &config.Tenant{
		Code:          "DEMO",
		RemotePath:    "/erp/out",
		LocalPath:     t.TempDir(),
		TransferExt:   ".csv",
		UploadPrefix:  "INV",
		UploadMainDir: "orders",
		UploadAltDir:  "invoices",
	}
	c := NewCycle(fs, tenant, zap.NewNop())
	c.pollInterval = time.Millisecond
	c.readyTimeout = 50 * time.Millisecond
	c.sleep = func(time.Duration) {} // no real sleeping in tests
	return c, tenant
}

func TestDownloadCycle(t *testing.T) {
	fs := newFakeFS()
	fs.files["/erp/out/"+MarkerPeerReady] = nil
	fs.files["/erp/out/batch1.csv"] = []byte("a,b\n1,2\n")
	fs.files["/erp/out/batch2.csv"] = []byte("a,b\n3,4\n")
	fs.files["/erp/out/ignore.txt"] = []byte("not a batch file")

	c, tenant := testCycle(t, fs)
	report, err := c.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"batch1.csv", "batch2.csv"}, report.Files)

	// Downloaded files landed locally.
	data, err := os.ReadFile(filepath.Join(tenant.LocalPath, "batch1.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))

	// Each remote file was deleted after its download; the non-matching
	// extension was left alone.
	_, batch1Left := fs.files["/erp/out/batch1.csv"]
	assert.False(t, batch1Left)
	_, txtLeft := fs.files["/erp/out/ignore.txt"]
	assert.True(t, txtLeft)

	// Completion marker reached the peer.
	_, done := fs.files["/erp/out/"+MarkerDone]
	assert.True(t, done)
}

func TestClaimUploadedExactlyOnceBeforeTransfer(t *testing.T) {
	fs := newFakeFS()
	fs.files["/erp/out/"+MarkerPeerReady] = nil
	fs.files["/erp/out/batch1.csv"] = []byte("x")

	c, _ := testCycle(t, fs)
	_, err := c.Download(context.Background())
	require.NoError(t, err)

	ups := fs.uploads()
	require.NotEmpty(t, ups)
	assert.Equal(t, "/erp/out/"+MarkerClaim, ups[0], "claim marker must precede any data transfer")
	claims := 0
	for _, u := range ups {
		if u == "/erp/out/"+MarkerClaim {
			claims++
		}
	}
	assert.Equal(t, 1, claims)
}

func TestReadyMarkerNeverAppears(t *testing.T) {
	fs := newFakeFS() // no ReadyERP

	c, _ := testCycle(t, fs)
	start := time.Now()
	_, err := c.Download(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProtocol))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, fs.uploads(), "no uploads may be issued before the peer is ready")
}

func TestUploadCycleRoutesByPrefix(t *testing.T) {
	fs := newFakeFS()
	fs.files["/erp/out/"+MarkerPeerReady] = nil

	c, tenant := testCycle(t, fs)
	batchDir := filepath.Join(tenant.LocalPath, time.Now().Format("20060102"))
	require.NoError(t, os.MkdirAll(batchDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(batchDir, "ORD001.csv"), []byte("o"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(batchDir, "INV001.csv"), []byte("i"), 0o600))

	report, err := c.Upload(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Files, 2)

	_, main := fs.files["/erp/out/orders/ORD001.csv"]
	assert.True(t, main, "non-prefixed file routes to the main subdirectory")
	_, alt := fs.files["/erp/out/invoices/INV001.csv"]
	assert.True(t, alt, "prefixed file routes to the alternate subdirectory")
}

func TestPerFileRetryRecoversTransientFault(t *testing.T) {
	fs := newFakeFS()
	fs.files["/erp/out/"+MarkerPeerReady] = nil
	fs.files["/erp/out/batch1.csv"] = []byte("x")
	fs.failDownload["/erp/out/batch1.csv"] = 2 // succeeds on the third attempt

	c, _ := testCycle(t, fs)
	report, err := c.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"batch1.csv"}, report.Files)
}

func TestPerFileRetryExhaustionFailsCycle(t *testing.T) {
	fs := newFakeFS()
	fs.files["/erp/out/"+MarkerPeerReady] = nil
	fs.files["/erp/out/batch1.csv"] = []byte("x")
	fs.failDownload["/erp/out/batch1.csv"] = 3 // exceeds the attempt budget

	c, _ := testCycle(t, fs)
	_, err := c.Download(context.Background())
	require.Error(t, err)

	// The file survived remotely: no delete without a successful download.
	_, left := fs.files["/erp/out/batch1.csv"]
	assert.True(t, left)
}

func TestReleaseRemovesLocalClaimMarker(t *testing.T) {
	fs := newFakeFS()
	fs.files["/erp/out/"+MarkerPeerReady] = nil

	c, tenant := testCycle(t, fs)
	_, err := c.Download(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(tenant.LocalPath, MarkerClaim))
	assert.True(t, os.IsNotExist(err))
}
