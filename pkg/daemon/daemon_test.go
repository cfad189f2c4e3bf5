package daemon

// Shared test doubles: a frame-recording sender, a scriptable keystore and
// a canned downloader. The hypervisor side is covered by hvfake.

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cernvm/webapid/pkg/config"
	"github.com/cernvm/webapid/pkg/download"
	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/hypervisor/hvfake"
	"github.com/cernvm/webapid/pkg/telemetry"
	"github.com/cernvm/webapid/pkg/wire"
)

const testWait = 2 * time.Second

// recordingSender captures every outbound frame.
type recordingSender struct {
	mu     sync.Mutex
	frames []any
}

func (s *recordingSender) Send(frame any) {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
}

func (s *recordingSender) all() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.frames...)
}

// events returns the recorded event frames with the given name, in order.
func (s *recordingSender) events(name string) []wire.Event {
	var out []wire.Event
	for _, f := range s.all() {
		if ev, ok := f.(wire.Event); ok && ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// eventNames returns the names of all recorded events, in order.
func (s *recordingSender) eventNames() []string {
	var out []string
	for _, f := range s.all() {
		if ev, ok := f.(wire.Event); ok {
			out = append(out, ev.Name)
		}
	}
	return out
}

func (s *recordingSender) errors() []wire.Error {
	var out []wire.Error
	for _, f := range s.all() {
		if e, ok := f.(wire.Error); ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSender) replies() []wire.Reply {
	var out []wire.Reply
	for _, f := range s.all() {
		if r, ok := f.(wire.Reply); ok {
			out = append(out, r)
		}
	}
	return out
}

// waitEvent blocks until an event with the given name has been recorded.
func (s *recordingSender) waitEvent(t *testing.T, name string) wire.Event {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if evs := s.events(name); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q event; got %v", name, s.eventNames())
	return wire.Event{}
}

// fakeKeystore scripts every trust decision.
type fakeKeystore struct {
	valid   bool
	trusted map[string]bool
	sigCode wire.Code
	authKey string
}

func newFakeKeystore(domains ...string) *fakeKeystore {
	trusted := make(map[string]bool)
	for _, d := range domains {
		trusted[d] = true
	}
	return &fakeKeystore{valid: true, trusted: trusted, sigCode: wire.CodeOK}
}

func (k *fakeKeystore) UpdateAuthorized(context.Context, download.Downloader) wire.Code {
	return wire.CodeOK
}
func (k *fakeKeystore) Valid() bool                    { return k.valid }
func (k *fakeKeystore) IsDomainValid(domain string) bool { return k.trusted[domain] }
func (*fakeKeystore) GenerateSalt() string             { return "0123456789abcdef" }
func (k *fakeKeystore) SignatureValidate(string, string, map[string]string) wire.Code {
	return k.sigCode
}
func (k *fakeKeystore) AuthKeyValid(key string) bool {
	return k.authKey != "" && key == k.authKey
}

// fakeDownloader returns a canned body (or error) for every URL.
type fakeDownloader struct {
	mu      sync.Mutex
	body    string
	err     error
	lastURL string
	aborts  int
}

func (d *fakeDownloader) DownloadText(_ context.Context, url string, _ download.ProgressFunc) (string, error) {
	d.mu.Lock()
	d.lastURL = url
	body, err := d.body, d.err
	d.mu.Unlock()
	if err != nil {
		return "", err
	}
	return body, nil
}
func (d *fakeDownloader) Abort() {
	d.mu.Lock()
	d.aborts++
	d.mu.Unlock()
}
func (*fakeDownloader) Reset() {}

func (d *fakeDownloader) abortCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborts
}

func (d *fakeDownloader) requestedURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastURL
}

// staticDetector always reports the same driver.
type staticDetector struct{ drv hypervisor.Driver }

func (d *staticDetector) Detect(context.Context) hypervisor.Driver { return d.drv }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Host:                 "127.0.0.1",
		Port:                 config.DefaultPort,
		IdleTimeout:          config.DefaultIdleTimeout,
		ThrottleWindow:       config.DefaultThrottleWindow,
		ThrottleTries:        config.DefaultThrottleTries,
		MonitorInterval:      10 * time.Millisecond,
		APIPortDownRetries:   2,
		MinHypervisorVersion: config.DefaultMinHypervisorVersion,
		KeystoreURL:          "https://example.com/keystore.json",
		DataDir:              t.TempDir(),
	}
}

// vmcpBody is a minimal well-formed VMCP response.
const vmcpBody = `{"name":"testvm","secret":"s3cret","signature":"c2ln"}`

type testEnv struct {
	core   *Core
	ks     *fakeKeystore
	dl     *fakeDownloader
	driver *hvfake.Driver
	sender *recordingSender
	conn   *Connection
}

// newTestEnv wires a core with a fake driver and one live connection for
// the trusted domain demo.cern.ch.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ks := newFakeKeystore("demo.cern.ch")
	dl := &fakeDownloader{body: vmcpBody}
	driver := hvfake.NewDriver()

	core := NewCore(testConfig(t), ks, dl, &staticDetector{drv: driver}, nil, telemetry.New())
	core.SetHypervisor(driver)

	sender := &recordingSender{}
	conn := NewConnection(context.Background(), core, "demo.cern.ch", sender)
	t.Cleanup(conn.Cleanup)

	return &testEnv{core: core, ks: ks, dl: dl, driver: driver, sender: sender, conn: conn}
}

// actionParams builds the parameter map for an inbound action.
func actionParams(t *testing.T, raw string) *hypervisor.ParameterMap {
	t.Helper()
	pm, err := hypervisor.ParameterMapFromJSON([]byte(raw))
	require.NoError(t, err)
	return pm
}

// autoAnswer replies to every interact prompt with the given result, like a
// user clicking through the dialogs. Stops when ctx is done.
func autoAnswer(ctx context.Context, conn *Connection, sender *recordingSender, result int) {
	go func() {
		answered := 0
		for ctx.Err() == nil {
			prompts := sender.events(wire.EventInteract)
			if len(prompts) > answered {
				answered = len(prompts)
				pm := hypervisor.NewParameterMap()
				pm.Set("result", strconv.Itoa(result))
				conn.HandleAction("", "interactionCallback", pm)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
}
