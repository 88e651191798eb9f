package motionreport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"stepperhost/pkg/serialqueue"
	"stepperhost/pkg/stepcompress"
)

func newTestSource(t *testing.T) *CompressorSource {
	t.Helper()
	var mu sync.Mutex
	sc := stepcompress.New(3)
	sc.Fill(25, 11, 12)
	sc.SetTime(0, 1e6)
	for i := 1; i <= 5; i++ {
		if err := sc.Append(1, 0, float64(i)*0.001); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := sc.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := sc.Flush(serialqueue.MaxClock); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return &CompressorSource{Mu: &mu, List: []*stepcompress.Compressor{sc}}
}

func startServer(t *testing.T, src Source) *Server {
	t.Helper()
	s := New(Config{Addr: "127.0.0.1:0", Source: src, Interval: 20 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStatusEndpoint(t *testing.T) {
	s := startServer(t, newTestSource(t))

	resp, err := http.Get(fmt.Sprintf("http://%s/motion/status", s.Addr()))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Steppers) != 1 {
		t.Fatalf("steppers = %d, want 1", len(snap.Steppers))
	}
	st := snap.Steppers[0]
	if st.Oid != 3 {
		t.Errorf("oid = %d", st.Oid)
	}
	if st.Position != 5 {
		t.Errorf("position = %d, want 5", st.Position)
	}
	if len(st.Moves) == 0 {
		t.Errorf("no history entries in snapshot")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := startServer(t, newTestSource(t))

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", s.Addr()))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWebSocketStream(t *testing.T) {
	s := startServer(t, newTestSource(t))

	url := fmt.Sprintf("ws://%s/motion/ws", s.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if len(snap.Steppers) != 1 || snap.Steppers[0].Position != 5 {
		t.Errorf("snapshot = %+v", snap)
	}
}
