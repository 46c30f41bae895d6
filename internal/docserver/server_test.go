package docserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sadopc/doflow/internal/cloudsync"
	"github.com/sadopc/doflow/internal/store"
)

var (
	t1 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Minute)
)

func newTestServer(t *testing.T, file string) (*Server, string) {
	t.Helper()
	srv, err := NewServer(&Config{File: file, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.StartBroadcaster()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg cloudsync.Message) {
	t.Helper()
	data, _ := json.Marshal(msg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) cloudsync.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg cloudsync.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

// recvType skips broadcasts until a message of the wanted type arrives.
func recvType(t *testing.T, conn *websocket.Conn, typ string) cloudsync.Message {
	t.Helper()
	for i := 0; i < 5; i++ {
		msg := recv(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %q message", typ)
	return cloudsync.Message{}
}

func doc(ts time.Time, device string) *cloudsync.Document {
	return &cloudsync.Document{
		Snapshot: store.Snapshot{
			DailyTasks: []store.SnapshotTask{{ID: 1, Title: "Shared", DurationSeconds: 60}},
			TaskLists:  []store.SnapshotList{},
		},
		UpdatedAt: ts,
		DeviceID:  device,
	}
}

// ============================================================
// Protocol
// ============================================================

func TestGetEmpty(t *testing.T) {
	_, url := newTestServer(t, "")
	conn := dial(t, url)

	send(t, conn, cloudsync.Message{Type: cloudsync.MsgGet})
	reply := recv(t, conn)
	if reply.Type != cloudsync.MsgDocument || reply.Document != nil {
		t.Fatalf("expected empty document reply, got %+v", reply)
	}
}

func TestSetBroadcastsChanged(t *testing.T) {
	srv, url := newTestServer(t, "")
	writer := dial(t, url)
	watcher := dial(t, url)

	// Make sure both clients are registered before the broadcast.
	send(t, watcher, cloudsync.Message{Type: cloudsync.MsgGet})
	recv(t, watcher)

	send(t, writer, cloudsync.Message{Type: cloudsync.MsgSet, Document: doc(t1, "a")})
	ack := recvType(t, writer, cloudsync.MsgAck)
	if !ack.Stored {
		t.Fatal("first set should be stored")
	}

	if msg := recv(t, watcher); msg.Type != cloudsync.MsgChanged {
		t.Fatalf("expected changed broadcast, got %+v", msg)
	}

	send(t, watcher, cloudsync.Message{Type: cloudsync.MsgGet})
	reply := recvType(t, watcher, cloudsync.MsgDocument)
	if reply.Document == nil || reply.Document.DeviceID != "a" || !reply.Document.UpdatedAt.Equal(t1) {
		t.Fatalf("unexpected document: %+v", reply.Document)
	}
	if srv.ClientCount() != 2 {
		t.Errorf("expected 2 clients, got %d", srv.ClientCount())
	}
}

func TestSetOlderRejected(t *testing.T) {
	srv, url := newTestServer(t, "")
	conn := dial(t, url)

	send(t, conn, cloudsync.Message{Type: cloudsync.MsgSet, Document: doc(t2, "new")})
	recvType(t, conn, cloudsync.MsgAck)

	for _, ts := range []time.Time{t1, t2} {
		send(t, conn, cloudsync.Message{Type: cloudsync.MsgSet, Document: doc(ts, "old")})
		if ack := recvType(t, conn, cloudsync.MsgAck); ack.Stored {
			t.Fatalf("set at %v should be rejected", ts)
		}
	}
	if d := srv.Document(); d.DeviceID != "new" {
		t.Fatalf("older set replaced the document: %+v", d)
	}
}

func TestBadMessages(t *testing.T) {
	_, url := newTestServer(t, "")
	conn := dial(t, url)

	tests := []struct {
		name string
		raw  string
	}{
		{"malformed", "{nope"},
		{"unknown type", `{"type":"delete"}`},
		{"set without document", `{"type":"set"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn.Write(ctx, websocket.MessageText, []byte(tt.raw))
			if reply := recv(t, conn); reply.Type != cloudsync.MsgError || reply.Error == "" {
				t.Fatalf("expected error reply, got %+v", reply)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	srv, err := NewServer(&Config{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	srv.Put(*doc(t1, "a"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["updatedAt"]; !ok {
		t.Error("health should report the document timestamp")
	}
}

func TestPersistence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "doc.json")
	srv, err := NewServer(&Config{File: file, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Put(*doc(t2, "persisted")); err != nil {
		t.Fatalf("put: %v", err)
	}

	reloaded, err := NewServer(&Config{File: file, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	d := reloaded.Document()
	if d == nil || d.DeviceID != "persisted" || !d.UpdatedAt.Equal(t2) {
		t.Fatalf("document not reloaded: %+v", d)
	}
}

func TestPersistFailureKeepsDocument(t *testing.T) {
	srv, url := newTestServer(t, filepath.Join(t.TempDir(), "doc.json"))
	if _, err := srv.Put(*doc(t1, "first")); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A regular file where the directory should be makes every write fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	srv.file = filepath.Join(blocker, "doc.json")

	stored, err := srv.Put(*doc(t2, "second"))
	if err == nil || stored {
		t.Fatalf("expected a failed put, got stored=%v err=%v", stored, err)
	}
	if d := srv.Document(); d == nil || d.DeviceID != "first" {
		t.Fatalf("held document must not change on a failed write, got %+v", d)
	}

	conn := dial(t, url)
	send(t, conn, cloudsync.Message{Type: cloudsync.MsgSet, Document: doc(t2, "second")})
	reply := recvType(t, conn, cloudsync.MsgError)
	if !strings.Contains(reply.Error, "not stored") {
		t.Fatalf("expected a not-stored error, got %+v", reply)
	}
}

func TestServerStartStop(t *testing.T) {
	srv, err := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if srv.Addr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

// ============================================================
// WSRemote against a live server
// ============================================================

func TestWSRemote(t *testing.T) {
	ctx := context.Background()
	_, url := newTestServer(t, "")
	r := cloudsync.NewWSRemote(url, nil)
	defer r.Close()

	got, err := r.Get(ctx)
	if err != nil || got != nil {
		t.Fatalf("expected empty remote, got %+v, %v", got, err)
	}

	if err := r.Set(ctx, *doc(t1, "ws")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err = r.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.DeviceID != "ws" || len(got.Snapshot.DailyTasks) != 1 {
		t.Fatalf("unexpected document: %+v", got)
	}
}

func TestWSRemoteWatch(t *testing.T) {
	_, url := newTestServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := cloudsync.NewWSRemote(url, nil)
	defer watcher.Close()
	ch, err := watcher.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	writer := cloudsync.NewWSRemote(url, nil)
	defer writer.Close()
	if err := writer.Set(context.Background(), *doc(t1, "w")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher not notified")
	}
}

func TestWSRemoteUnreachable(t *testing.T) {
	r := cloudsync.NewWSRemote("ws://127.0.0.1:1/ws", nil)
	if _, err := r.Get(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

// Two stores converge through the server.
func TestGatewaysConvergeThroughServer(t *testing.T) {
	ctx := context.Background()
	_, url := newTestServer(t, "")

	a, _ := store.NewMemory()
	defer a.Close()
	b, _ := store.NewMemory()
	defer b.Close()

	ra := cloudsync.NewWSRemote(url, nil)
	defer ra.Close()
	rb := cloudsync.NewWSRemote(url, nil)
	defer rb.Close()

	clock := t1
	now := func() time.Time { return clock }
	ga := cloudsync.New(a, ra, cloudsync.Options{Now: now})
	gb := cloudsync.New(b, rb, cloudsync.Options{Now: now})

	a.CreateTask(ctx, store.Daily, "Written on A", 60)
	ga.MarkDirty()
	if res := ga.Reconcile(ctx); !res.OK() || res.Direction != cloudsync.DirectionPush {
		t.Fatalf("A push: %+v", res)
	}
	if res := gb.Reconcile(ctx); !res.OK() || res.Direction != cloudsync.DirectionPull {
		t.Fatalf("B pull: %+v", res)
	}

	tasks, _ := b.ListTasks(ctx, store.Daily)
	if len(tasks) != 1 || tasks[0].Title != "Written on A" {
		t.Fatalf("B did not converge: %+v", tasks)
	}
}
