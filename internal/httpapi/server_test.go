package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/gradescanner/internal/config"
	"github.com/ent0n29/gradescanner/internal/observability"
	"github.com/ent0n29/gradescanner/internal/protocol"
	"github.com/ent0n29/gradescanner/internal/roster"
	"github.com/ent0n29/gradescanner/internal/scan"
	"github.com/ent0n29/gradescanner/internal/session"
	"github.com/ent0n29/gradescanner/internal/vision"
)

var namespaceSeq atomic.Int64

func uniqueNamespace(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), namespaceSeq.Add(1))
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		CaptureInterval:          50 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r, err := roster.New([]roster.User{
		{Name: "Frodo Baggins", Avatar: "frodo"},
		{Name: "Tim Cook", Avatar: "tim"},
	})
	if err != nil {
		t.Fatalf("roster.New() error = %v", err)
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics(uniqueNamespace("test_httpapi"))
	scans := scan.NewService(ctx, sessions, r, vision.NewMockRecognizer(), scan.Options{
		CaptureInterval: cfg.CaptureInterval,
		Metrics:         metrics,
	})
	srv := New(cfg, sessions, scans, metrics, Info{RecognizerMode: "mock", RosterSource: "inline"}, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func createSession(t *testing.T, baseURL string) session.CreateResponse {
	t.Helper()
	body, _ := json.Marshal(session.CreateRequest{KioskID: "lobby"})
	res, err := http.Post(baseURL+"/v1/scan/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	return created
}

func postIntent(t *testing.T, baseURL, sessionID, action string, value int) (int, session.IntentResponse) {
	t.Helper()
	body, _ := json.Marshal(session.IntentRequest{Action: action, Value: value})
	res, err := http.Post(baseURL+"/v1/scan/session/"+sessionID+"/intents", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("intent request error = %v", err)
	}
	defer res.Body.Close()
	var out session.IntentResponse
	if res.StatusCode == http.StatusOK {
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			t.Fatalf("decode intent response: %v", err)
		}
	}
	return res.StatusCode, out
}

func TestCreateAndEndSession(t *testing.T) {
	ts, _ := newTestServer(t)

	created := createSession(t, ts.URL)
	if created.KioskID != "lobby" || created.Status != session.StatusActive {
		t.Fatalf("created = %+v, want active lobby session", created)
	}
	if created.CaptureIntervalMS != 50 {
		t.Fatalf("CaptureIntervalMS = %d, want 50", created.CaptureIntervalMS)
	}
	if created.Snapshot.Step != "scanning" || created.Snapshot.User != nil {
		t.Fatalf("initial snapshot = %+v, want scanning without user", created.Snapshot)
	}

	endRes, err := http.Post(ts.URL+"/v1/scan/session/"+created.SessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	stateRes, err := http.Get(ts.URL + "/v1/scan/session/" + created.SessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	defer stateRes.Body.Close()
	var state session.StateResponse
	if err := json.NewDecoder(stateRes.Body).Decode(&state); err != nil {
		t.Fatalf("decode state response: %v", err)
	}
	if state.Session.Status != session.StatusEnded || state.Session.EndReason != session.EndReasonClient {
		t.Fatalf("state session = %+v, want ended by client", state.Session)
	}
}

func TestCreateSessionWithEmptyBody(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Post(ts.URL+"/v1/scan/session", "application/json", nil)
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.KioskID != "default" {
		t.Fatalf("KioskID = %q, want default", created.KioskID)
	}
}

func TestUnknownSessionRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/scan/session/missing")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("GET missing session status = %d, want 404", res.StatusCode)
	}

	endRes, err := http.Post(ts.URL+"/v1/scan/session/missing/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end request error = %v", err)
	}
	endRes.Body.Close()
	if endRes.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing session status = %d, want 404", endRes.StatusCode)
	}

	if status, _ := postIntent(t, ts.URL, "missing", protocol.ActionDismissForm, 0); status != http.StatusNotFound {
		t.Fatalf("intent on missing session status = %d, want 404", status)
	}

	wsRes, err := http.Get(ts.URL + "/v1/scan/session/ws")
	if err != nil {
		t.Fatalf("ws request error = %v", err)
	}
	wsRes.Body.Close()
	if wsRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("ws without session_id status = %d, want 400", wsRes.StatusCode)
	}
}

func TestIntentValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	created := createSession(t, ts.URL)

	if status, _ := postIntent(t, ts.URL, created.SessionID, "wave", 0); status != http.StatusBadRequest {
		t.Fatalf("unknown action status = %d, want 400", status)
	}

	status, out := postIntent(t, ts.URL, created.SessionID, protocol.ActionSetScore, 7)
	if status != http.StatusOK {
		t.Fatalf("set_score status = %d, want 200", status)
	}
	// Score intents outside the form are ignored.
	if out.Outcome != "ignored" || out.Snapshot.Score != 0 || out.Snapshot.Step != "scanning" {
		t.Fatalf("set_score while scanning = %+v, want ignored", out)
	}
}

func TestRosterAndReadiness(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/roster")
	if err != nil {
		t.Fatalf("GET roster error = %v", err)
	}
	defer res.Body.Close()
	var body struct {
		Users []roster.User `json:"users"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(body.Users) != 2 || body.Users[0].Name != "Frodo Baggins" {
		t.Fatalf("roster = %+v, want two users in order", body.Users)
	}

	readyRes, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET readyz error = %v", err)
	}
	defer readyRes.Body.Close()
	var ready map[string]any
	if err := json.NewDecoder(readyRes.Body).Decode(&ready); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if ready["status"] != "ready" || ready["recognizer_mode"] != "mock" || ready["roster_size"] != float64(2) {
		t.Fatalf("readyz = %+v", ready)
	}
}

func TestSetupStatus(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/setup/status")
	if err != nil {
		t.Fatalf("GET setup status error = %v", err)
	}
	defer res.Body.Close()
	var status setupStatusResponse
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatalf("decode setup status: %v", err)
	}
	byID := make(map[string]setupCheck, len(status.Checks))
	for _, c := range status.Checks {
		byID[c.ID] = c
	}
	if byID["recognizer"].Status != "warn" {
		t.Fatalf("recognizer check = %+v, want warn for mock", byID["recognizer"])
	}
	if byID["roster_source"].Status != "ok" {
		t.Fatalf("roster_source check = %+v, want ok", byID["roster_source"])
	}
	if byID["capture_interval"].Status != "warn" {
		t.Fatalf("capture_interval check = %+v, want warn for 50ms", byID["capture_interval"])
	}
}

func TestPerfLatencyEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET perf latency error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d, want 200", res.StatusCode)
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode perf snapshot: %v", err)
	}
}

func TestWebsocketScanFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	created := createSession(t, ts.URL)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/scan/session/ws?session_id=" + created.SessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	first := readSnapshot(t, conn)
	if first.Step != "scanning" {
		t.Fatalf("first snapshot step = %q, want scanning", first.Step)
	}

	frame := protocol.ClientFrame{
		Type:        protocol.TypeClientFrame,
		SessionID:   created.SessionID,
		Seq:         1,
		ImageBase64: base64.StdEncoding.EncodeToString([]byte("EMPLOYEE\ntim cook\n")),
		Format:      "text",
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	found := readSnapshot(t, conn)
	if found.Step != "found" || found.User == nil || found.User.Name != "Tim Cook" {
		t.Fatalf("snapshot after frame = %+v, want Tim Cook found", found)
	}

	for _, in := range []protocol.ClientIntent{
		{Type: protocol.TypeClientIntent, SessionID: created.SessionID, Action: protocol.ActionConfirmCandidate},
		{Type: protocol.TypeClientIntent, SessionID: created.SessionID, Action: protocol.ActionSetScore, Value: 7},
	} {
		if err := conn.WriteJSON(in); err != nil {
			t.Fatalf("write intent: %v", err)
		}
	}
	form := readSnapshot(t, conn)
	if form.Step != "form" || form.Score != 0 {
		t.Fatalf("snapshot after confirm = %+v, want form with score 0", form)
	}
	scored := readSnapshot(t, conn)
	if scored.Score != 7 || scored.ScoreLabel != "7 / 10" {
		t.Fatalf("snapshot after set_score = %+v, want 7 / 10", scored)
	}

	// Intents over REST reach the same machine and show up on the socket.
	if status, _ := postIntent(t, ts.URL, created.SessionID, protocol.ActionDismissForm, 0); status != http.StatusOK {
		t.Fatalf("dismiss status = %d, want 200", status)
	}
	back := readSnapshot(t, conn)
	if back.Step != "scanning" || back.User != nil || back.Seq != scored.Seq+1 {
		t.Fatalf("snapshot after dismiss = %+v, want scanning with seq %d", back, scored.Seq+1)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatalf("write invalid message: %v", err)
	}
	var errEvent protocol.ErrorEvent
	readJSON(t, conn, &errEvent)
	if errEvent.Type != protocol.TypeErrorEvent || errEvent.Code != "invalid_client_message" {
		t.Fatalf("event = %+v, want invalid_client_message", errEvent)
	}

	endRes, err := http.Post(ts.URL+"/v1/scan/session/"+created.SessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end request error = %v", err)
	}
	endRes.Body.Close()

	var ended protocol.SystemEvent
	readJSON(t, conn, &ended)
	if ended.Type != protocol.TypeSystemEvent || ended.Code != "session_ended" {
		t.Fatalf("event = %+v, want session_ended", ended)
	}
}

func TestWebsocketRejectsEndedSession(t *testing.T) {
	ts, sessions := newTestServer(t)
	created := createSession(t, ts.URL)
	if _, err := sessions.End(created.SessionID, session.EndReasonClient); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/scan/session/ws?session_id=" + created.SessionID
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("Dial() error = nil, want handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusGone {
		t.Fatalf("handshake response = %+v, want 410", res)
	}
}

func TestCheckOrigin(t *testing.T) {
	srv := New(config.Config{}, session.NewManager(time.Minute), nil, nil, Info{}, nil)

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://kiosk.local:8080", true},
		{"https://evil.example", false},
		{"file://kiosk.local:8080", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://kiosk.local:8080/v1/scan/session/ws", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		if got := srv.upgrader.CheckOrigin(req); got != tc.want {
			t.Fatalf("CheckOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func readSnapshot(t *testing.T, conn *websocket.Conn) protocol.SessionSnapshot {
	t.Helper()
	var snap protocol.SessionSnapshot
	readJSON(t, conn, &snap)
	if snap.Type != protocol.TypeSessionSnapshot {
		t.Fatalf("message type = %q, want session_snapshot", snap.Type)
	}
	return snap
}

func readJSON(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(out); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
}
