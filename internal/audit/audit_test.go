package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) Close() error { return nil }

func TestRecorder_StampsAndFansOut(t *testing.T) {
	var buf bytes.Buffer
	failing := &memSink{err: errors.New("disk full")}
	good := &memSink{}
	r := NewRecorder(testLogger(&buf), failing, good)

	r.Emit(context.Background(), Event{Kind: KindPathDenied, Component: "sandbox", Subject: "/etc/passwd"})

	if len(good.events) != 1 {
		t.Fatalf("good sink got %d events, want 1", len(good.events))
	}
	ev := good.events[0]
	if ev.ID == "" {
		t.Error("expected event ID to be assigned")
	}
	if ev.Time.IsZero() {
		t.Error("expected event time to be assigned")
	}
	if !strings.Contains(buf.String(), "audit sink failed") {
		t.Errorf("expected sink failure to be logged, got %q", buf.String())
	}
}

func TestLogSink_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(testLogger(&buf))
	_ = s.Record(context.Background(), Event{ID: "x", Kind: KindSSRFBlocked, Component: "netguard", Subject: "169.254.169.254", Reason: "private range"})
	out := buf.String()
	for _, want := range []string{"level=WARN", "kind=ssrf_blocked", "subject=169.254.169.254", "reason=\"private range\""} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestStore_RecordRecentPrune(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []Event{
		{ID: "a", Time: base, Kind: KindPairingFailed, Component: "pairing"},
		{ID: "b", Time: base.Add(time.Hour), Kind: KindPathDenied, Component: "sandbox", Subject: "../x"},
		{ID: "c", Time: base.Add(2 * time.Hour), Kind: KindPairingFailed, Component: "pairing"},
	}
	for _, ev := range events {
		if err := s.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "c" || got[2].ID != "a" {
		t.Fatalf("Recent order wrong: %+v", got)
	}
	if !got[1].Time.Equal(base.Add(time.Hour)) {
		t.Errorf("time round-trip: got %v", got[1].Time)
	}

	got, _ = s.Recent(ctx, KindPairingFailed, 10)
	if len(got) != 2 {
		t.Errorf("kind filter returned %d, want 2", len(got))
	}

	n, err := s.Prune(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	got, _ = s.Recent(ctx, "", 10)
	if len(got) != 1 || got[0].ID != "c" {
		t.Errorf("after prune: %+v", got)
	}
}

func TestHub_SubscribeBroadcast(t *testing.T) {
	var buf bytes.Buffer
	h := NewHub(1, testLogger(&buf))
	ch, cancel := h.Subscribe()
	defer cancel()

	_ = h.Record(context.Background(), Event{ID: "1", Kind: KindPaired})
	_ = h.Record(context.Background(), Event{ID: "2", Kind: KindPaired})

	select {
	case ev := <-ch:
		if ev.ID != "1" {
			t.Errorf("got %s, want 1", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	if h.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", h.Dropped())
	}

	cancel()
	cancel()
	if h.Subscribers() != 0 {
		t.Errorf("subscribers = %d after cancel", h.Subscribers())
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

type fakeToken struct {
	err     error
	timeout bool
}

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return !f.timeout }
func (f *fakeToken) Done() <-chan struct{}          { c := make(chan struct{}); close(c); return c }
func (f *fakeToken) Error() error                   { return f.err }

type fakeMQTT struct {
	connected bool
	connErr   error
	topic     string
	payload   []byte
}

func (f *fakeMQTT) Connect() mqtt.Token {
	if f.connErr == nil {
		f.connected = true
	}
	return &fakeToken{err: f.connErr}
}

func (f *fakeMQTT) Disconnect(uint) { f.connected = false }

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.topic = topic
	f.payload = payload.([]byte)
	return &fakeToken{}
}

func (f *fakeMQTT) IsConnected() bool { return f.connected }

func TestMQTTSink_Publishes(t *testing.T) {
	var buf bytes.Buffer
	fake := &fakeMQTT{}
	s := NewMQTTSinkWithClient(MQTTConfig{Broker: "localhost"}, testLogger(&buf), func(*mqtt.ClientOptions) MQTTClient {
		return fake
	})

	if err := s.Record(context.Background(), Event{ID: "x"}); !errors.Is(err, ErrMQTTNotConnected) {
		t.Errorf("record before connect: err = %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Record(context.Background(), Event{ID: "x", Kind: KindPairingLocked}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if fake.topic != DefaultMQTTTopic {
		t.Errorf("topic = %q", fake.topic)
	}
	var ev Event
	if err := json.Unmarshal(fake.payload, &ev); err != nil || ev.Kind != KindPairingLocked {
		t.Errorf("payload = %s (%v)", fake.payload, err)
	}
	_ = s.Close()
	if fake.connected {
		t.Error("expected disconnect on Close")
	}
}

func TestMQTTSink_ConnectError(t *testing.T) {
	var buf bytes.Buffer
	fake := &fakeMQTT{connErr: errors.New("refused")}
	s := NewMQTTSinkWithClient(MQTTConfig{Broker: "localhost"}, testLogger(&buf), func(*mqtt.ClientOptions) MQTTClient {
		return fake
	})
	if err := s.Connect(context.Background()); err == nil {
		t.Error("expected connect error")
	}
}
