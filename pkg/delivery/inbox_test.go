package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/policy"
	"github.com/vireflow/vire/pkg/telemetry"
	"github.com/vireflow/vire/pkg/wiring"
)

type fakeInstaller struct {
	mu    sync.Mutex
	blobs [][]byte
	err   error
	calls chan []byte
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{calls: make(chan []byte, 16)}
}

func (f *fakeInstaller) Deliver(_ context.Context, blob []byte) (*engine.InstallResult, error) {
	f.mu.Lock()
	f.blobs = append(f.blobs, blob)
	f.mu.Unlock()
	f.calls <- blob

	res := &engine.InstallResult{ID: "install-1", Mode: engine.InstallFull, Elements: 2, Groups: 1}
	return res, f.err
}

func (f *fakeInstaller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

type fakeAdmitter struct {
	decision *policy.Decision
	err      error
	inputs   []*policy.Input
}

func (f *fakeAdmitter) Admit(_ context.Context, in *policy.Input) (*policy.Decision, error) {
	f.inputs = append(f.inputs, in)
	return f.decision, f.err
}

func denyAll(msg string) *fakeAdmitter {
	return &fakeAdmitter{decision: &policy.Decision{
		Violations: []policy.Violation{{Policy: "test", Message: msg, Severity: policy.SeverityError}},
	}}
}

func graphBlob(t *testing.T, origin uint8) []byte {
	t.Helper()
	blob, err := wiring.Compile(&wiring.Graph{
		Origin: origin,
		Groups: []wiring.OutputGroup{{
			Source:       wiring.Endpoint{Template: 1},
			Destinations: []wiring.Endpoint{{Template: 2}},
		}},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	return blob
}

func drop(t *testing.T, dir, name string, blob []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestInbox(t *testing.T, installer Installer, opts ...Option) (*Inbox, string) {
	t.Helper()
	dir := t.TempDir()
	inbox, err := NewInbox(Config{Dir: dir, Debounce: 10 * time.Millisecond}, installer, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return inbox, dir
}

func TestNewInbox_Errors(t *testing.T) {
	if _, err := NewInbox(Config{}, newFakeInstaller()); err == nil {
		t.Error("Expected error for missing directory")
	}
	if _, err := NewInbox(Config{Dir: t.TempDir()}, nil); err == nil {
		t.Error("Expected error for missing installer")
	}
	inbox, err := NewInbox(Config{Dir: t.TempDir()}, newFakeInstaller())
	if err != nil {
		t.Fatal(err)
	}
	if inbox.cfg.Debounce != DefaultDebounce {
		t.Errorf("Expected default debounce, got %v", inbox.cfg.Debounce)
	}
}

func TestInbox_Process(t *testing.T) {
	tests := []struct {
		name       string
		blob       []byte
		installErr error
		admitter   *fakeAdmitter
		result     string
		archived   string
		installs   int
	}{
		{
			name:     "installed",
			result:   ResultInstalled,
			archived: processedDir,
			installs: 1,
		},
		{
			name:       "install failure",
			installErr: engine.NewResourceExhaustedError("element budget", nil),
			result:     ResultFailed,
			archived:   failedDir,
			installs:   1,
		},
		{
			name:     "malformed",
			blob:     []byte{wiring.DefaultOriginModule, byte(wiring.FlagWiringSection)},
			result:   ResultMalformed,
			archived: failedDir,
		},
		{
			name:     "denied",
			admitter: denyAll("too wide"),
			result:   ResultDenied,
			archived: failedDir,
		},
		{
			name:     "admission error",
			admitter: &fakeAdmitter{err: errors.New("rego exploded")},
			result:   ResultFailed,
			archived: failedDir,
		},
		{
			name:     "allowed with warnings",
			admitter: &fakeAdmitter{decision: &policy.Decision{Allowed: true, Violations: []policy.Violation{{Policy: "loops", Severity: policy.SeverityWarning}}}},
			result:   ResultInstalled,
			archived: processedDir,
			installs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			installer := newFakeInstaller()
			installer.err = tt.installErr
			var opts []Option
			if tt.admitter != nil {
				opts = append(opts, WithAdmitter(tt.admitter))
			}
			inbox, dir := newTestInbox(t, installer, opts...)

			blob := tt.blob
			if blob == nil {
				blob = graphBlob(t, wiring.DefaultOriginModule)
			}
			path := drop(t, dir, "graph.blob", blob)

			out := inbox.Process(context.Background(), path)
			if out.Result != tt.result {
				t.Errorf("Expected result %s, got %s (%v)", tt.result, out.Result, out.Err)
			}
			if got := installer.count(); got != tt.installs {
				t.Errorf("Expected %d installs, got %d", tt.installs, got)
			}
			want := filepath.Join(dir, tt.archived, "graph.blob")
			if out.File != want {
				t.Errorf("Expected file moved to %s, got %s", want, out.File)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Error("Expected the file to leave the inbox")
			}
			_, errFile := os.Stat(want + ".err")
			if (tt.archived == failedDir) != (errFile == nil) {
				t.Errorf("Unexpected .err file state: %v", errFile)
			}
			if tt.admitter != nil && len(tt.admitter.inputs) == 1 {
				if in := tt.admitter.inputs[0]; in.Context == nil || in.Context.Source != Source || len(in.Elements) != 2 {
					t.Errorf("Unexpected admission input %+v", in)
				}
			}
		})
	}
}

func TestInbox_Process_Unreadable(t *testing.T) {
	inbox, dir := newTestInbox(t, newFakeInstaller())
	out := inbox.Process(context.Background(), filepath.Join(dir, "missing.blob"))
	if out.Result != ResultUnreadable || out.Err == nil {
		t.Errorf("Expected unreadable result, got %+v", out)
	}
}

func TestInbox_Process_UnreadableIsArchived(t *testing.T) {
	installer := newFakeInstaller()
	inbox, dir := newTestInbox(t, installer)
	// A directory carrying the blob extension exists but cannot be read.
	path := filepath.Join(dir, "stuck.blob")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	out := inbox.Process(context.Background(), path)
	if out.Result != ResultUnreadable || out.Err == nil {
		t.Fatalf("Expected unreadable result, got %+v", out)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected the entry moved out of the inbox, stat err %v", err)
	}
	want := filepath.Join(dir, failedDir, "stuck.blob")
	if out.File != want {
		t.Errorf("Expected file %s, got %s", want, out.File)
	}
	if _, err := os.Stat(want + ".err"); err != nil {
		t.Errorf("Expected a failure reason next to the entry: %v", err)
	}
	if installer.count() != 0 {
		t.Error("Expected no install attempt")
	}
}

func TestInbox_Process_Telemetry(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var events []telemetry.Event
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, nil)
	ctx := tel.WithContext(context.Background())

	installer := newFakeInstaller()
	admitter := &fakeAdmitter{decision: &policy.Decision{Allowed: true}}
	inbox, dir := newTestInbox(t, installer, WithAdmitter(admitter))

	inbox.Process(ctx, drop(t, dir, "a.blob", graphBlob(t, 1)))
	admitter.decision = denyAll("too wide").decision
	inbox.Process(ctx, drop(t, dir, "b.blob", graphBlob(t, 2)))
	inbox.Process(ctx, drop(t, dir, "c.blob", []byte{1}))

	mu.Lock()
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	mu.Unlock()
	want := []string{telemetry.EventTypeInstallSucceeded, telemetry.EventTypePolicyDenied, telemetry.EventTypeDeliveryRejected}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("Expected events %v, got %v", want, types)
	}

	rec := httptest.NewRecorder()
	tel.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, line := range []string{
		`vire_deliveries_total{result="installed"} 1`,
		`vire_deliveries_total{result="denied"} 1`,
		`vire_deliveries_total{result="malformed"} 1`,
		`vire_policy_decisions_total{result="allow"} 1`,
		`vire_policy_decisions_total{result="deny"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("Expected metrics to contain %q", line)
		}
	}
}

func TestInbox_Run(t *testing.T) {
	installer := newFakeInstaller()
	inbox, dir := newTestInbox(t, installer)
	first := graphBlob(t, 1)
	drop(t, dir, "a.blob", first)
	drop(t, dir, "notes.txt", []byte("ignored"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx) }()

	next := func() []byte {
		t.Helper()
		select {
		case blob := <-installer.calls:
			return blob
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for an install")
			return nil
		}
	}

	if got := next(); got[0] != 1 {
		t.Errorf("Expected the existing file first, got origin %d", got[0])
	}

	drop(t, dir, "b.blob", graphBlob(t, 2))
	drop(t, dir, ".staging.blob", graphBlob(t, 3))
	if got := next(); got[0] != 2 {
		t.Errorf("Expected the dropped file next, got origin %d", got[0])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	if installer.count() != 2 {
		t.Errorf("Expected 2 installs, got %d", installer.count())
	}
	for _, name := range []string{"a.blob", "b.blob"} {
		if _, err := os.Stat(filepath.Join(dir, processedDir, name)); err != nil {
			t.Errorf("Expected %s in processed: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Error("Expected unrelated files left alone")
	}
}
