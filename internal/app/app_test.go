package app

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/tutorcall/internal/call"
	"github.com/petervdpas/tutorcall/internal/config"
	"github.com/petervdpas/tutorcall/internal/store"
	"github.com/petervdpas/tutorcall/internal/store/sqlitestore"
)

// idleTransport never connects; the tests here do not place calls.
type idleTransport struct{}

func (idleTransport) AcquireMedia(context.Context, bool, bool) (call.MediaInfo, error) {
	return call.MediaInfo{}, nil
}
func (idleTransport) CreateOffer(context.Context) (store.SessionDescription, error) {
	return store.SessionDescription{Type: "offer", SDP: "v=0"}, nil
}
func (idleTransport) AcceptOffer(context.Context, store.SessionDescription) (store.SessionDescription, error) {
	return store.SessionDescription{Type: "answer", SDP: "v=0"}, nil
}
func (idleTransport) AcceptAnswer(context.Context, store.SessionDescription) error { return nil }
func (idleTransport) AddRemoteCandidate(store.ICECandidate) error                  { return nil }
func (idleTransport) OnLocalCandidate(func(store.ICECandidate))                    {}
func (idleTransport) OnStateChange(func(call.TransportState))                      {}
func (idleTransport) OnRemoteStream(func(*call.RemoteStream))                      {}
func (idleTransport) ToggleAudio() bool                                            { return false }
func (idleTransport) ToggleVideo() bool                                            { return false }
func (idleTransport) Close() error                                                 { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.ID = "alice"
	cfg.Identity.Role = "tutor"
	cfg.Store.SQLitePath = "data/calls.db"
	return cfg
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := testConfig(t)
	st, err := openStore(ctx, dir, cfg)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	st.Close()

	cfg.Store.Driver = "memory"
	st, err = openStore(ctx, dir, cfg)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	st.Close()

	cfg.Store.Driver = "etcd"
	if _, err := openStore(ctx, dir, cfg); err == nil {
		t.Fatal("unknown driver opened")
	}
}

func TestRunSweepOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "data", "calls.db")

	db, err := sqlitestore.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(db)
	stale := &store.CallSession{
		ID: "stale", CallerID: "alice", CallerRole: "tutor", ReceiverID: "bob", ReceiverRole: "student",
		Offer:     &store.SessionDescription{Type: "offer", SDP: "v=0"},
		Status:    store.StatusPending,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := st.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}
	st.Close()

	stats, err := RunSweep(ctx, SweepOptions{PeerDir: dir, Cfg: testConfig(t), Once: true})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Expired != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	db, err = sqlitestore.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	st = store.New(db)
	defer st.Close()
	got, err := st.Get(ctx, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusEnded || got.EndReason != store.ReasonTimeout {
		t.Fatalf("after sweep: %s %s", got.Status, got.EndReason)
	}

	mem := testConfig(t)
	mem.Store.Driver = "memory"
	if _, err := RunSweep(ctx, SweepOptions{PeerDir: dir, Cfg: mem, Once: true}); err == nil {
		t.Error("memory sweep accepted")
	}
}

func TestRunServesCallAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "memory"
	cfg.Viewer.HTTPAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			PeerDir: t.TempDir(),
			CfgPath: "tutorcall.json",
			Cfg:     cfg,
			Factory: func(string) (call.Transport, error) { return idleTransport{}, nil },
			Ready:   func(url string) { ready <- url },
		})
	}()

	var url string
	select {
	case url = <-ready:
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("call API never became ready")
	}

	resp, err := http.Get(url + "/api/call/self")
	if err != nil {
		t.Fatal(err)
	}
	var self call.Identity
	err = json.NewDecoder(resp.Body).Decode(&self)
	resp.Body.Close()
	if err != nil || self.ID != "alice" || self.Role != "tutor" {
		t.Fatalf("self = %+v, %v", self, err)
	}

	resp, err = http.Get(url + "/api/logs")
	if err != nil {
		t.Fatal(err)
	}
	var logs []struct{ Msg string }
	err = json.NewDecoder(resp.Body).Decode(&logs)
	resp.Body.Close()
	if err != nil || len(logs) == 0 {
		t.Fatalf("logs = %v, %v", logs, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestPromptInteractive(t *testing.T) {
	cfg := config.Default()
	in := strings.NewReader("bob\n\nredis\nlocalhost:6379\n2\n90\nn\n\n\n")
	var out strings.Builder

	got, err := PromptInteractive(in, &out, "/peers/bob", "/peers/bob/tutorcall.json", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity.ID != "bob" || got.Identity.Role != "student" {
		t.Errorf("identity = %+v", got.Identity)
	}
	if got.Store.Driver != "redis" || got.Store.RedisAddr != "localhost:6379" || got.Store.RedisDB != 2 {
		t.Errorf("store = %+v", got.Store)
	}
	if got.Call.ValiditySec != 90 || got.Call.Video || !got.Call.Audio {
		t.Errorf("call = %+v", got.Call)
	}
	if !strings.Contains(out.String(), "Identity id") {
		t.Error("no prompt written")
	}

	if _, err := PromptInteractive(strings.NewReader("\n"), &out, "", "", cfg); err == nil {
		t.Error("empty identity accepted")
	}
}
