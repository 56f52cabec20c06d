//go:build linux

package guard

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Hara602/hostSentry/internal/arbiter"
	"github.com/Hara602/hostSentry/internal/config"
	"github.com/Hara602/hostSentry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type response struct {
	fd    int32
	allow bool
}

type capture struct {
	mu        sync.Mutex
	responses []response
}

func (c *capture) respond(fd int32, allow bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, response{fd, allow})
	return nil
}

func (c *capture) all() []response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]response(nil), c.responses...)
}

func newTestGuard(t *testing.T, q *arbiter.Queue, maxSize int64, timeout time.Duration) (*Guard, *capture) {
	t.Helper()
	g := newGuard(-1, q, Options{MaxSize: maxSize, Timeout: timeout})
	c := &capture{}
	g.respond = c.respond
	return g, c
}

func permEvent(vers uint8, mask uint64, fd, pid int32) []byte {
	b := make([]byte, model.FanotifyEventMetadataSize)
	ne := binary.NativeEndian
	ne.PutUint32(b[0:4], model.FanotifyEventMetadataSize)
	b[4] = vers
	ne.PutUint16(b[6:8], model.FanotifyEventMetadataSize)
	ne.PutUint64(b[8:16], mask)
	ne.PutUint32(b[16:20], uint32(fd))
	ne.PutUint32(b[20:24], uint32(pid))
	return b
}

// execFile 创建指定大小的文件并返回一个打开的 fd，模拟内核交给我们的事件 fd
func execFile(t *testing.T, name string, size int64) (string, int32) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o755))
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	return path, int32(fd)
}

func startWorkers(t *testing.T, q *arbiter.Queue, s arbiter.Scanner) {
	t.Helper()
	p := arbiter.NewPool(q, s)
	p.Start(1)
	t.Cleanup(func() {
		q.Close()
		p.Wait()
	})
}

func TestArbitrate_OversizedSkipsQueue(t *testing.T) {
	q := arbiter.NewQueue()
	g, _ := newTestGuard(t, q, 100<<20, time.Second)

	assert.True(t, g.Arbitrate(context.Background(), "/srv/bin/huge", 200<<20))
	assert.Equal(t, 0, q.Len())
}

func TestNewGuard_MaxSizeClampedToHardCap(t *testing.T) {
	tests := []struct {
		name    string
		maxSize int64
	}{
		{"zero", 0},
		{"negative", -1},
		{"above hard cap", 4 * config.HardMaxScanSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := arbiter.NewQueue()
			t.Cleanup(q.Close)
			g, _ := newTestGuard(t, q, tt.maxSize, 50*time.Millisecond)
			assert.Equal(t, config.HardMaxScanSize, g.opts.MaxSize)

			// 上限之上直接放行，上限之内必须送检
			assert.True(t, g.Arbitrate(context.Background(), "/srv/bin/huge", config.HardMaxScanSize+1))
			assert.Equal(t, 0, q.Len())
			assert.True(t, g.Arbitrate(context.Background(), "/srv/bin/small", 1024))
			assert.Equal(t, 1, q.Len())
		})
	}
}

func TestArbitrate_VerdictMapping(t *testing.T) {
	tests := []struct {
		name      string
		malicious bool
		allow     bool
	}{
		{"malicious denies", true, false},
		{"clean allows", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := arbiter.NewQueue()
			startWorkers(t, q, arbiter.ScannerFunc(func(string) (bool, error) {
				return tt.malicious, nil
			}))
			g, _ := newTestGuard(t, q, 100<<20, time.Second)
			assert.Equal(t, tt.allow, g.Arbitrate(context.Background(), "/srv/bin/x", 1024))
		})
	}
}

func TestArbitrate_TimeoutFailsOpen(t *testing.T) {
	q := arbiter.NewQueue()
	t.Cleanup(q.Close)
	timeout := 150 * time.Millisecond
	g, _ := newTestGuard(t, q, 100<<20, timeout)

	start := time.Now()
	assert.True(t, g.Arbitrate(context.Background(), "/srv/bin/y", 1024))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)

	// worker 之后才处理也不影响已经给出的结论
	req, err := q.Pop()
	require.NoError(t, err)
	assert.NotPanics(t, func() { req.Fulfill(true) })
}

func TestArbitrate_ClosedQueueAllows(t *testing.T) {
	q := arbiter.NewQueue()
	q.Close()
	g, _ := newTestGuard(t, q, 100<<20, time.Second)
	assert.True(t, g.Arbitrate(context.Background(), "/srv/bin/z", 1))
}

func TestHandleEvents_DenyMaliciousExec(t *testing.T) {
	q := arbiter.NewQueue()
	path, fd := execFile(t, "x", 200*1024)
	want, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)

	var scanned string
	startWorkers(t, q, arbiter.ScannerFunc(func(p string) (bool, error) {
		scanned = p
		return true, nil
	}))
	g, c := newTestGuard(t, q, 100<<20, time.Second)

	require.NoError(t, g.handleEvents(context.Background(),
		permEvent(unix.FANOTIFY_METADATA_VERSION, unix.FAN_OPEN_EXEC_PERM, fd, 1)))

	assert.Equal(t, []response{{fd, false}}, c.all())
	assert.Equal(t, want, scanned)
}

func TestHandleEvents_NeverRespondingScannerAllows(t *testing.T) {
	q := arbiter.NewQueue()
	t.Cleanup(q.Close)
	_, fd := execFile(t, "y", 4096)
	timeout := 100 * time.Millisecond
	g, c := newTestGuard(t, q, 100<<20, timeout)

	start := time.Now()
	require.NoError(t, g.handleEvents(context.Background(),
		permEvent(unix.FANOTIFY_METADATA_VERSION, unix.FAN_OPEN_EXEC_PERM, fd, 1)))
	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.Equal(t, []response{{fd, true}}, c.all())
}

func TestHandleEvents_OversizedAllowsWithoutQueue(t *testing.T) {
	q := arbiter.NewQueue()
	_, fd := execFile(t, "big", 8192)
	g, c := newTestGuard(t, q, 4096, time.Second)

	require.NoError(t, g.handleEvents(context.Background(),
		permEvent(unix.FANOTIFY_METADATA_VERSION, unix.FAN_OPEN_EXEC_PERM, fd, 1)))
	assert.Equal(t, []response{{fd, true}}, c.all())
	assert.Equal(t, 0, q.Len())
}

func TestHandleEvents_UnresolvableAllows(t *testing.T) {
	q := arbiter.NewQueue()
	g, c := newTestGuard(t, q, 100<<20, time.Second)

	const badFd = 1 << 20
	require.NoError(t, g.handleEvents(context.Background(),
		permEvent(unix.FANOTIFY_METADATA_VERSION, unix.FAN_OPEN_EXEC_PERM, badFd, 1)))
	assert.Equal(t, []response{{badFd, true}}, c.all())
	assert.Equal(t, 0, q.Len())
}

func TestHandleEvents_SelfExecAllowed(t *testing.T) {
	q := arbiter.NewQueue()
	_, fd := execFile(t, "self", 10)
	g, c := newTestGuard(t, q, 100<<20, time.Second)

	require.NoError(t, g.handleEvents(context.Background(),
		permEvent(unix.FANOTIFY_METADATA_VERSION, unix.FAN_OPEN_EXEC_PERM, fd, int32(os.Getpid()))))
	assert.Equal(t, []response{{fd, true}}, c.all())
	assert.Equal(t, 0, q.Len())
}

func TestHandleEvents_NonPermissionNotAnswered(t *testing.T) {
	q := arbiter.NewQueue()
	_, fd := execFile(t, "n", 10)
	g, c := newTestGuard(t, q, 100<<20, time.Second)

	require.NoError(t, g.handleEvents(context.Background(),
		permEvent(unix.FANOTIFY_METADATA_VERSION, unix.FAN_CLOSE_WRITE, fd, 1)))
	assert.Empty(t, c.all())
}

func TestHandleEvents_ABIMismatch(t *testing.T) {
	g, c := newTestGuard(t, arbiter.NewQueue(), 100<<20, time.Second)
	err := g.handleEvents(context.Background(), permEvent(1, unix.FAN_OPEN_EXEC_PERM, 3, 1))
	assert.ErrorIs(t, err, model.ErrABIMismatch)
	assert.Empty(t, c.all())
}

func TestHandleEvents_ShortRead(t *testing.T) {
	g, c := newTestGuard(t, arbiter.NewQueue(), 100<<20, time.Second)
	buf := permEvent(unix.FANOTIFY_METADATA_VERSION, unix.FAN_OPEN_EXEC_PERM, 3, 1)
	require.NoError(t, g.handleEvents(context.Background(), buf[:12]))
	assert.Empty(t, c.all())
}
