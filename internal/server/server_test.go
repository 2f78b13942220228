package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/go-arcreactor/internal/hub"
	"github.com/kstaniek/go-arcreactor/internal/link"
	"github.com/kstaniek/go-arcreactor/internal/logging"
	"github.com/kstaniek/go-arcreactor/internal/session"
	"github.com/kstaniek/go-arcreactor/internal/transport"
	"github.com/kstaniek/go-arcreactor/internal/wire"
)

var reactor = link.DeviceHandle{ID: "/org/bluez/hci0/dev_00_11_22_33_44_55", Name: "Arc Reactor", Address: "00:11:22:33:44:55"}

type fakeDevice struct {
	mu         sync.Mutex
	handles    []link.DeviceHandle
	connected  *link.DeviceHandle
	connectErr error
	battery    *float64
}

func (f *fakeDevice) FindPairedDevices(context.Context) ([]link.DeviceHandle, error) {
	return f.handles, nil
}

func (f *fakeDevice) Connect(ctx context.Context, h link.DeviceHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.connected != nil {
		return link.ErrAlreadyConnected
	}
	f.connected = &h
	return nil
}

func (f *fakeDevice) Disconnect() { f.mu.Lock(); f.connected = nil; f.mu.Unlock() }

func (f *fakeDevice) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected != nil {
		return session.Connected
	}
	return session.Disconnected
}

func (f *fakeDevice) Device() (link.DeviceHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected == nil {
		return link.DeviceHandle{}, false
	}
	return *f.connected, true
}

func (f *fakeDevice) LastBatteryLevel() (float64, bool) {
	if f.battery == nil {
		return 0, false
	}
	return *f.battery, true
}

type fakeQueue struct {
	mu   sync.Mutex
	cmds []wire.Command
	err  error
}

func (q *fakeQueue) Enqueue(c wire.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.cmds = append(q.cmds, c)
	return nil
}

func (q *fakeQueue) last() wire.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.cmds) == 0 {
		return nil
	}
	return q.cmds[len(q.cmds)-1]
}

func newTestServer(t *testing.T, dev *fakeDevice, q *fakeQueue) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(WithHub(hub.New()), WithDevice(dev), WithQueue(q), WithLogger(logging.Discard()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestDevicesListsHandles(t *testing.T) {
	_, ts := newTestServer(t, &fakeDevice{handles: []link.DeviceHandle{reactor}}, &fakeQueue{})
	resp, err := http.Get(ts.URL + "/devices")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var hs []link.DeviceHandle
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || len(hs) != 1 || hs[0] != reactor {
		t.Fatalf("status %d handles %+v", resp.StatusCode, hs)
	}

	_, ts2 := newTestServer(t, &fakeDevice{}, &fakeQueue{})
	resp2, err := http.Get(ts2.URL + "/devices")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	var raw bytes.Buffer
	_, _ = raw.ReadFrom(resp2.Body)
	if strings.TrimSpace(raw.String()) != "[]" {
		t.Fatalf("empty list encoded as %q", raw.String())
	}
}

func TestConnectFlow(t *testing.T) {
	dev := &fakeDevice{handles: []link.DeviceHandle{reactor}}
	_, ts := newTestServer(t, dev, &fakeQueue{})

	resp, body := post(t, ts.URL+"/connect", `{"id":"00:11:22:33:44:55"}`)
	if resp.StatusCode != http.StatusOK || body["state"] != "connected" {
		t.Fatalf("connect: %d %v", resp.StatusCode, body)
	}
	resp, _ = post(t, ts.URL+"/connect", `{"id":"Arc Reactor"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second connect: %d", resp.StatusCode)
	}
	resp, _ = post(t, ts.URL+"/connect", `{"id":"nope"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device: %d", resp.StatusCode)
	}
	resp, _ = post(t, ts.URL+"/connect", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing id: %d", resp.StatusCode)
	}
	resp, body = post(t, ts.URL+"/disconnect", ``)
	if resp.StatusCode != http.StatusOK || body["state"] != "disconnected" {
		t.Fatalf("disconnect: %d %v", resp.StatusCode, body)
	}
}

func TestConnectFailureIsBadGateway(t *testing.T) {
	dev := &fakeDevice{handles: []link.DeviceHandle{reactor}, connectErr: fmt.Errorf("%w: host is down", link.ErrConnect)}
	_, ts := newTestServer(t, dev, &fakeQueue{})
	resp, body := post(t, ts.URL+"/connect", `{"id":"`+reactor.ID+`"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d %v", resp.StatusCode, body)
	}
}

func TestStatusReportsBattery(t *testing.T) {
	lvl := 87.5
	dev := &fakeDevice{battery: &lvl}
	_, ts := newTestServer(t, dev, &fakeQueue{})
	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "disconnected" || st.Battery == nil || *st.Battery != 87.5 || st.Device != nil {
		t.Fatalf("status %+v", st)
	}
}

func TestCommandEndpoint(t *testing.T) {
	q := &fakeQueue{}
	_, ts := newTestServer(t, &fakeDevice{}, q)
	cases := []struct {
		body string
		code int
		want wire.Command
	}{
		{`{"cmd":"pulse"}`, http.StatusAccepted, wire.Pulse},
		{`{"cmd":"red"}`, http.StatusAccepted, wire.Red},
		{`{"cmd":"led","index":3,"r":300,"g":-5,"b":128}`, http.StatusAccepted, nil},
		{`{"cmd":"ring","r":0,"g":0,"b":255}`, http.StatusAccepted, nil},
		{`{"cmd":"led","r":1}`, http.StatusBadRequest, nil},
		{`{"cmd":"explode"}`, http.StatusBadRequest, nil},
		{`{"cmd":"pulse","extra":1}`, http.StatusBadRequest, nil},
		{`not json`, http.StatusBadRequest, nil},
	}
	for _, c := range cases {
		resp, body := post(t, ts.URL+"/command", c.body)
		if resp.StatusCode != c.code {
			t.Fatalf("%s: status %d %v", c.body, resp.StatusCode, body)
		}
		if c.want != nil && q.last() != c.want {
			t.Fatalf("%s: queued %v", c.body, q.last())
		}
	}
	q.mu.Lock()
	single, ok := q.cmds[2].(wire.SetSingleLed)
	q.mu.Unlock()
	if !ok || single.Index != 3 || single.Color.R != 255 || single.Color.G != 0 || single.Color.B != 128 {
		t.Fatalf("led command %+v", q.cmds[2])
	}
}

func TestCommandBatchAndQueueFull(t *testing.T) {
	q := &fakeQueue{}
	_, ts := newTestServer(t, &fakeDevice{}, q)
	resp, _ := post(t, ts.URL+"/command", `{"cmd":"batch","colors":[[1,2,3],[4,5,6]]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("batch: %d", resp.StatusCode)
	}
	b, ok := q.last().(wire.SetLedBatch)
	if !ok || len(b.Colors) != 2 || b.Colors[1].B != 6 {
		t.Fatalf("batch %+v", q.last())
	}
	q.err = transport.ErrQueueFull
	resp, _ = post(t, ts.URL+"/command", `{"cmd":"black"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("queue full: %d", resp.StatusCode)
	}
}

func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) hub.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev hub.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestEventsStream(t *testing.T) {
	srv, ts := newTestServer(t, &fakeDevice{}, &fakeQueue{})
	conn := dialEvents(t, ts)
	if ev := readEvent(t, conn); ev.Type != hub.EventState || ev.Data != "disconnected" {
		t.Fatalf("greeting %+v", ev)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.Hub.Count() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	srv.Hub.Broadcast(hub.BatteryEvent(42))
	srv.Hub.Broadcast(hub.DisconnectedEvent())
	if ev := readEvent(t, conn); ev.Type != hub.EventBattery || ev.Data != 42.0 {
		t.Fatalf("battery %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Type != hub.EventDisconnected {
		t.Fatalf("disconnected %+v", ev)
	}
}

func TestEventsAcceptCommands(t *testing.T) {
	q := &fakeQueue{}
	_, ts := newTestServer(t, &fakeDevice{}, q)
	conn := dialEvents(t, ts)
	_ = readEvent(t, conn)
	if err := conn.WriteJSON(map[string]any{"cmd": "startup"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && q.last() == nil {
		time.Sleep(2 * time.Millisecond)
	}
	if q.last() != wire.Startup {
		t.Fatalf("queued %v", q.last())
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"warp"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Type != hub.EventError {
		t.Fatalf("expected error event, got %+v", ev)
	}
}

func TestEventsMaxClients(t *testing.T) {
	srv := NewServer(WithHub(hub.New()), WithDevice(&fakeDevice{}), WithMaxClients(1), WithLogger(logging.Discard()))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer func() { _ = srv.Shutdown(context.Background()) }()
	_ = dialEvents(t, ts)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.Hub.Count() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("second subscriber accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}

func TestServeAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(WithHub(hub.New()), WithDevice(&fakeDevice{}), WithListenAddr("127.0.0.1:0"), WithLogger(logging.Discard()))
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	resp, err := http.Get("http://" + srv.Addr() + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeListenError(t *testing.T) {
	srv := NewServer(WithListenAddr("256.0.0.1:bad"), WithLogger(logging.Discard()))
	if err := srv.Serve(context.Background()); !errors.Is(err, ErrListen) {
		t.Fatalf("expected ErrListen, got %v", err)
	}
	if !errors.Is(srv.LastError(), ErrListen) {
		t.Fatalf("last error %v", srv.LastError())
	}
}
