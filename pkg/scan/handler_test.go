//go:build linux

package scan

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/Gui774ume/onaccess/pkg/fanotify"
	"github.com/Gui774ume/onaccess/pkg/model"
	"github.com/Gui774ume/onaccess/pkg/queue"
)

type scriptedClient struct {
	mu        sync.Mutex
	calls     int
	responses []*model.ScanResponse
	errs      []error
	onCall    func()
}

func (c *scriptedClient) Scan(_ context.Context, _ *model.ScanRequest) (*model.ScanResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if c.onCall != nil {
		c.onCall()
	}
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return nil, errors.New("connection refused")
}

func (c *scriptedClient) Close() error { return nil }

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type cacheCall struct {
	flags uint
	mask  uint64
	fd    int
}

type fakeCache struct {
	mu         sync.Mutex
	cached     []cacheCall
	uncached   []cacheCall
	cacheErr   error
	uncacheErr error
}

func (f *fakeCache) CacheFd(flags uint, mask uint64, fd int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = append(f.cached, cacheCall{flags, mask, fd})
	return f.cacheErr
}

func (f *fakeCache) UncacheFd(flags uint, mask uint64, fd int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uncached = append(f.uncached, cacheCall{flags, mask, fd})
	return f.uncacheErr
}

type fakeDevice bool

func (d fakeDevice) IsCachable(int) bool { return bool(d) }

type fakeCounters struct {
	mu     sync.Mutex
	ok     int
	errors int
}

func (c *fakeCounters) IncrementFilesScanned(isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isError {
		c.errors++
	} else {
		c.ok++
	}
}

type handlerEnv struct {
	handler    *Handler
	client     *scriptedClient
	cache      *fakeCache
	counters   *fakeCounters
	hook       *test.Hook
	detections *observer.ObservedLogs
	fatals     []error
}

func newHandlerEnv(t *testing.T, client *scriptedClient, cachable bool, maxRetries int, delay time.Duration) *handlerEnv {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	core, detections := observer.New(zapcore.InfoLevel)
	env := &handlerEnv{
		client:     client,
		cache:      &fakeCache{},
		counters:   &fakeCounters{},
		hook:       hook,
		detections: detections,
	}
	env.handler = NewHandler(HandlerOptions{
		Source:     queue.New(4),
		Client:     client,
		Cache:      env.cache,
		Device:     fakeDevice(cachable),
		Counters:   env.counters,
		MaxRetries: maxRetries,
		RetryDelay: delay,
		Detections: zap.New(core),
		Logger:     logger.WithField("component", "scanner"),
		Fatal: func(err error) {
			env.fatals = append(env.fatals, err)
		},
	})
	return env
}

func newRequest(t *testing.T, path string, scanType model.ScanType) *model.ScanRequest {
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	req := model.NewScanRequest(path, scanType, model.NewAutoFd(fd))
	req.Pid = 1234
	req.UID = 1000
	req.ExecutablePath = "/usr/bin/cat"
	return req
}

func (env *handlerEnv) messages(level logrus.Level) []string {
	var out []string
	for _, e := range env.hook.AllEntries() {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestFailingEngineIsRetriedThenAborted(t *testing.T) {
	client := &scriptedClient{}
	env := newHandlerEnv(t, client, true, 3, time.Millisecond)
	req := newRequest(t, "/tmp/eicar.com", model.ScanOnOpen)
	fd := req.Fd()

	env.handler.handle(context.Background(), req)

	require.Equal(t, 4, client.callCount())
	require.Equal(t, []string{"Failed to scan /tmp/eicar.com after 3 retries"}, env.messages(logrus.ErrorLevel))
	require.Len(t, env.messages(logrus.WarnLevel), 3)
	require.Equal(t, []cacheCall{{fanotify.UncacheFlags, fanotify.CacheMask, fd}}, env.cache.uncached)
	require.Empty(t, env.cache.cached)
	require.Equal(t, 1, env.counters.errors)
	require.Equal(t, 0, env.counters.ok)
	require.Equal(t, -1, req.Fd())
}

func TestTransientFailureIsRetried(t *testing.T) {
	client := &scriptedClient{
		errs:      []error{errors.New("broken pipe")},
		responses: []*model.ScanResponse{nil, {Verdict: model.VerdictClean}},
	}
	env := newHandlerEnv(t, client, true, 3, time.Millisecond)
	req := newRequest(t, "/bin/ls", model.ScanOnOpen)

	env.handler.handle(context.Background(), req)

	require.Equal(t, 2, client.callCount())
	require.Equal(t, 2, req.Attempt)
	require.Len(t, env.cache.cached, 1)
	require.Equal(t, 1, env.counters.ok)
	require.Equal(t, 0, env.counters.errors)
}

func TestCleanVerdicts(t *testing.T) {
	var testCases = []struct {
		comment  string
		scanType model.ScanType
		cachable bool
		cached   bool
	}{
		{comment: "clean open on a cachable device is cached", scanType: model.ScanOnOpen, cachable: true, cached: true},
		{comment: "clean open on a network device is not cached", scanType: model.ScanOnOpen, cachable: false},
		{comment: "clean close is never cached", scanType: model.ScanOnClose, cachable: true},
	}

	for _, tc := range testCases {
		t.Run(tc.comment, func(t *testing.T) {
			client := &scriptedClient{responses: []*model.ScanResponse{{Verdict: model.VerdictClean}}}
			env := newHandlerEnv(t, client, tc.cachable, 3, time.Millisecond)
			req := newRequest(t, "/usr/lib/libc.so.6", tc.scanType)
			fd := req.Fd()

			env.handler.handle(context.Background(), req)

			if tc.cached {
				require.Equal(t, []cacheCall{{fanotify.CacheFlags, fanotify.CacheMask, fd}}, env.cache.cached)
			} else {
				require.Empty(t, env.cache.cached)
			}
			require.Empty(t, env.cache.uncached)
			require.Equal(t, 1, env.counters.ok)
			require.Equal(t, -1, req.Fd())
		})
	}
}

func TestCacheFailureIsFatal(t *testing.T) {
	client := &scriptedClient{responses: []*model.ScanResponse{{Verdict: model.VerdictClean}}}
	env := newHandlerEnv(t, client, true, 3, time.Millisecond)
	env.cache.cacheErr = unix.ENOSPC

	env.handler.handle(context.Background(), newRequest(t, "/bin/sh", model.ScanOnOpen))
	require.Len(t, env.fatals, 1)
	require.ErrorIs(t, env.fatals[0], unix.ENOSPC)
}

func TestInfectedFileIsUncachedAndReported(t *testing.T) {
	client := &scriptedClient{responses: []*model.ScanResponse{{
		Verdict:    model.VerdictInfected,
		ThreatName: "EICAR-Test-File",
		ThreatType: "virus",
	}}}
	env := newHandlerEnv(t, client, true, 3, time.Millisecond)
	req := newRequest(t, "/home/user/eicar.txt", model.ScanOnClose)
	fd := req.Fd()

	env.handler.handle(context.Background(), req)

	require.Equal(t, []cacheCall{{fanotify.UncacheFlags, fanotify.CacheMask, fd}}, env.cache.uncached)
	require.Empty(t, env.cache.cached)
	require.Equal(t, 1, env.counters.ok)

	entry := env.hook.LastEntry()
	require.Equal(t, logrus.WarnLevel, entry.Level)
	require.Equal(t, "EICAR-Test-File", entry.Data["threat_name"])

	require.Equal(t, 1, env.detections.Len())
	fields := env.detections.All()[0].ContextMap()
	require.Equal(t, "/home/user/eicar.txt", fields["path"])
	require.Equal(t, "EICAR-Test-File", fields["threat_name"])
	require.Equal(t, "virus", fields["threat_type"])
	require.Equal(t, "close", fields["trigger"])
	require.Equal(t, "/usr/bin/cat", fields["executable"])
}

func TestUncacheFailureIsLoggedAndIgnored(t *testing.T) {
	var testCases = []struct {
		comment    string
		client     *scriptedClient
		detections int
		ok         int
		errors     int
	}{
		{
			comment:    "infected file",
			client:     &scriptedClient{responses: []*model.ScanResponse{{Verdict: model.VerdictInfected, ThreatName: "EICAR-Test-File"}}},
			detections: 1,
			ok:         1,
		},
		{
			comment: "aborted scan",
			client:  &scriptedClient{},
			errors:  1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.comment, func(t *testing.T) {
			env := newHandlerEnv(t, tc.client, true, 1, time.Millisecond)
			env.cache.uncacheErr = unix.EBADF
			req := newRequest(t, "/home/user/eicar.txt", model.ScanOnOpen)

			env.handler.handle(context.Background(), req)

			require.Len(t, env.cache.uncached, 1)
			require.Contains(t, env.messages(logrus.WarnLevel), "Failed to uncache file.")
			require.Empty(t, env.fatals)
			require.Equal(t, tc.detections, env.detections.Len())
			require.Equal(t, tc.ok, env.counters.ok)
			require.Equal(t, tc.errors, env.counters.errors)
			require.Equal(t, -1, req.Fd())
		})
	}
}

func TestEngineErrorIsNotRetried(t *testing.T) {
	client := &scriptedClient{responses: []*model.ScanResponse{{Verdict: model.VerdictError, ErrorMsg: "archive too deep"}}}
	env := newHandlerEnv(t, client, true, 3, time.Millisecond)

	env.handler.handle(context.Background(), newRequest(t, "/tmp/bomb.zip", model.ScanOnOpen))

	require.Equal(t, 1, client.callCount())
	require.Equal(t, 1, env.counters.errors)
	require.Empty(t, env.cache.cached)
}

func TestShutdownInterruptsRetryDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &scriptedClient{}
	env := newHandlerEnv(t, client, true, 3, time.Hour)
	req := newRequest(t, "/tmp/slow", model.ScanOnOpen)

	done := make(chan struct{})
	go func() {
		env.handler.handle(ctx, req)
		close(done)
	}()
	require.Eventually(t, func() bool { return client.callCount() == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not observe shutdown")
	}
	require.Equal(t, 1, client.callCount())
	require.Equal(t, -1, req.Fd())
}

func TestShutdownDuringScanCallAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{onCall: cancel}
	env := newHandlerEnv(t, client, true, 3, time.Millisecond)

	env.handler.handle(ctx, newRequest(t, "/tmp/x", model.ScanOnOpen))
	require.Equal(t, 1, client.callCount())
	require.Empty(t, env.cache.uncached)
	require.Equal(t, 0, env.counters.errors)
}

func TestRunStopsWithSource(t *testing.T) {
	client := &scriptedClient{responses: []*model.ScanResponse{{Verdict: model.VerdictClean}, {Verdict: model.VerdictClean}}}
	env := newHandlerEnv(t, client, false, 3, time.Millisecond)
	q := env.handler.source.(*queue.Queue)

	require.True(t, q.Emplace(newRequest(t, "/a", model.ScanOnOpen)))
	require.True(t, q.Emplace(newRequest(t, "/b", model.ScanOnClose)))

	done := make(chan struct{})
	go func() {
		env.handler.Run(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return client.callCount() == 2 }, 5*time.Second, time.Millisecond)
	q.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not stop")
	}
	require.Eventually(t, func() bool {
		env.counters.mu.Lock()
		defer env.counters.mu.Unlock()
		return env.counters.ok == 2
	}, 5*time.Second, time.Millisecond)
}
