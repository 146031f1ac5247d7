package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/call"
	"github.com/foleys1972/Mobile-trader/internal/config"
	"github.com/foleys1972/Mobile-trader/internal/database"
	"github.com/foleys1972/Mobile-trader/internal/dnd"
	"github.com/foleys1972/Mobile-trader/internal/gateway"
	"github.com/foleys1972/Mobile-trader/internal/hoot"
	"github.com/foleys1972/Mobile-trader/internal/line"
)

type fixture struct {
	srv     *Server
	banks   *bank.Registry
	lines   *line.Machine
	calls   *call.Manager
	gateway *gateway.Loopback
}

func newFixture(t *testing.T, withArchive bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	banks := bank.NewRegistry(nil, logger)
	lines := line.NewMachine(banks, logger)
	engine := dnd.NewEngine(time.UTC, logger)
	monitor := hoot.NewMonitor(banks, logger)
	gw := gateway.NewLoopback(-1, logger)

	deps := Deps{Banks: banks, Lines: lines, DND: engine, Hoot: monitor, Gateway: gw}

	var archiver call.Archiver
	if withArchive {
		db, err := database.Open(t.TempDir(), "")
		if err != nil {
			t.Fatalf("opening database: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		records := database.NewCallRecordRepository(db)
		archiver = records
		deps.Records = records
	}

	calls := call.NewManager(banks, lines, engine, gw, archiver, call.Config{SetupTimeout: time.Minute}, logger)
	lines.SetOccupancy(calls)
	gw.Bind(gateway.Join(calls, monitor))
	deps.Calls = calls

	srv := NewServer(&config.Config{}, deps, logger)
	srv.heartbeat = 50 * time.Millisecond

	f := &fixture{srv: srv, banks: banks, lines: lines, calls: calls, gateway: gw}
	f.configureDesk(t)
	return f
}

// configureDesk loads a bank with one line of each kind.
func (f *fixture) configureDesk(t *testing.T) {
	t.Helper()
	_, err := f.banks.Configure(context.Background(), bank.Bank{
		ID:   "B1",
		Name: "Desk One",
		SBC:  bank.Endpoint{Host: "sbc.example.net"},
		Lines: []bank.Line{
			{ID: "L1", Name: "Rates ARD", Number: "1001", Kind: bank.KindARD, Participants: []string{"alice"}},
			{ID: "L2", Name: "FX MRD", Number: "1002", Kind: bank.KindMRD, Participants: []string{"bob"}},
			{ID: "H1", Name: "Morning Hoot", Number: "2001", Kind: bank.KindHoot},
		},
	})
	if err != nil {
		t.Fatalf("configuring bank: %v", err)
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

type testEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details *errorDetail    `json:"details"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, wantStatus int) testEnvelope {
	t.Helper()
	if w.Code != wantStatus {
		t.Fatalf("status = %d, want %d; body %s", w.Code, wantStatus, w.Body.String())
	}
	var env testEnvelope
	if w.Body.Len() == 0 {
		return env
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding body %q: %v", w.Body.String(), err)
	}
	return env
}

func decodeData[T any](t *testing.T, env testEnvelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decoding data %s: %v", env.Data, err)
	}
	return v
}

type callBody struct {
	CallID    string `json:"call_id"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Address   string `json:"address"`
	Duration  int64  `json:"duration"`
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)

	env := decode(t, f.do(t, http.MethodGet, "/api/v1/health", ""), http.StatusOK)
	h := decodeData[healthResponse](t, env)
	if h.Status != "ok" || h.Banks != 1 || h.ActiveCalls != 0 {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestUnknownRouteIsJSON(t *testing.T) {
	f := newFixture(t, false)

	env := decode(t, f.do(t, http.MethodGet, "/api/v1/nowhere", ""), http.StatusNotFound)
	if env.Error != "route not found" {
		t.Errorf("error = %q", env.Error)
	}
	decode(t, f.do(t, http.MethodPatch, "/api/v1/health", ""), http.StatusMethodNotAllowed)
}

func TestConfigureBank(t *testing.T) {
	f := newFixture(t, false)

	body := `{"bank_name":"Desk Two","oracle_sbc":{"host":"10.0.0.5"},"lines":[{"id":"X1","number":"3001","type":"ard"}]}`
	env := decode(t, f.do(t, http.MethodPut, "/api/v1/banks/B2", body), http.StatusCreated)
	b := decodeData[bank.Bank](t, env)
	if b.ID != "B2" || b.SBC.Port != 5061 || len(b.Lines) != 1 || b.Lines[0].Status != bank.StatusReady {
		t.Errorf("unexpected bank %+v", b)
	}

	decode(t, f.do(t, http.MethodPut, "/api/v1/banks/B2", body), http.StatusOK)

	env = decode(t, f.do(t, http.MethodPut, "/api/v1/banks/B2", `{"bank_id":"B3"}`), http.StatusBadRequest)
	if env.Error != "bank_id does not match path" {
		t.Errorf("error = %q", env.Error)
	}

	env = decode(t, f.do(t, http.MethodPost, "/api/v1/banks", `{"bank_id":"B4","lines":[{"id":"A","type":"party"}]}`), http.StatusBadRequest)
	if env.Details == nil || env.Details.Kind != "invalid" {
		t.Errorf("expected invalid details, got %+v", env.Details)
	}

	decode(t, f.do(t, http.MethodDelete, "/api/v1/banks/B2", ""), http.StatusNoContent)
	env = decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B2", ""), http.StatusNotFound)
	if env.Details == nil || env.Details.BankID != "B2" {
		t.Errorf("expected bank_id in details, got %+v", env.Details)
	}
}

func TestRemoveBankClosesCallsAndMonitors(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	hootKey := line.Key{BankID: "B1", LineID: "H1"}

	s, err := f.calls.Initiate(ctx, "B1", "L1")
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	if _, err := f.srv.hoot.Start(ctx, hootKey, "alice", false); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	updates, err := f.srv.hoot.Updates(hootKey, "alice")
	if err != nil {
		t.Fatalf("Updates() error: %v", err)
	}

	decode(t, f.do(t, http.MethodDelete, "/api/v1/banks/B1", ""), http.StatusNoContent)

	got, err := f.calls.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != call.StatusFailed || got.Reason != call.ReasonLineRemoved {
		t.Errorf("call after removal = %s (%q), want failed (%q)", got.Status, got.Reason, call.ReasonLineRemoved)
	}
	if _, ok := <-updates; ok {
		t.Error("activity channel still open after bank removal")
	}
	if n := f.srv.hoot.MonitorCount(); n != 0 {
		t.Errorf("MonitorCount() = %d, want 0", n)
	}

	f.configureDesk(t)
	env := decode(t, f.do(t, http.MethodPost, "/api/v1/calls/initiate", `{"bank_id":"B1","line_id":"L1"}`), http.StatusCreated)
	if c := decodeData[callBody](t, env); c.Status != "initiating" {
		t.Errorf("new call status = %q, want initiating", c.Status)
	}
}

func TestReconfigureEndsCallsOnDroppedLines(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	s, err := f.calls.Initiate(ctx, "B1", "L1")
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	if _, err := f.calls.Answer(ctx, s.ID); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}

	body := `{"bank_name":"Desk One","oracle_sbc":{"host":"sbc.example.net"},"lines":[{"id":"L2","number":"1002","type":"mrd"}]}`
	decode(t, f.do(t, http.MethodPut, "/api/v1/banks/B1", body), http.StatusOK)

	got, err := f.calls.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != call.StatusEnded || got.Reason != call.ReasonLineRemoved {
		t.Errorf("call after reconfigure = %s (%q), want ended (%q)", got.Status, got.Reason, call.ReasonLineRemoved)
	}
	if len(f.calls.ListActive()) != 0 {
		t.Errorf("active calls = %d, want 0", len(f.calls.ListActive()))
	}
}

func TestRegisterBank(t *testing.T) {
	f := newFixture(t, false)

	env := decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/register", ""), http.StatusOK)
	res := decodeData[gateway.RegistrationResult](t, env)
	if !res.Success || res.BankID != "B1" {
		t.Errorf("unexpected registration %+v", res)
	}
}

func TestListLinesByKind(t *testing.T) {
	f := newFixture(t, false)

	env := decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B1/lines/kind/hoot", ""), http.StatusOK)
	lines := decodeData[[]line.Snapshot](t, env)
	if len(lines) != 1 || lines[0].ID != "H1" {
		t.Errorf("unexpected hoot lines %+v", lines)
	}

	env = decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B1/lines?kind=ard", ""), http.StatusOK)
	if lines := decodeData[[]line.Snapshot](t, env); len(lines) != 1 || lines[0].ID != "L1" {
		t.Errorf("unexpected ard lines %+v", lines)
	}

	decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B1/lines/kind/party", ""), http.StatusBadRequest)
	decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B9/lines", ""), http.StatusNotFound)
}

func TestFaultedLineRefusesCalls(t *testing.T) {
	f := newFixture(t, false)

	env := decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/lines/L1/fault", `{"reason":"trunk down"}`), http.StatusOK)
	snap := decodeData[line.Snapshot](t, env)
	if snap.Status != bank.StatusError || snap.Reason != "trunk down" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	env = decode(t, f.do(t, http.MethodPost, "/api/v1/calls/initiate", `{"bank_id":"B1","line_id":"L1"}`), http.StatusConflict)
	if env.Details == nil || env.Details.Current != "error" || env.Details.Expected != "ready" {
		t.Errorf("unexpected details %+v", env.Details)
	}

	env = decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/lines/L1/recover", ""), http.StatusOK)
	if snap := decodeData[line.Snapshot](t, env); snap.Status != bank.StatusReady || snap.Reason != "" {
		t.Errorf("unexpected snapshot after recover %+v", snap)
	}

	decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/lines/L1/recover", ""), http.StatusConflict)
}

func TestCallLifecycle(t *testing.T) {
	f := newFixture(t, false)

	env := decode(t, f.do(t, http.MethodPost, "/api/v1/calls/initiate", `{"bank_id":"B1","line_id":"L1"}`), http.StatusCreated)
	c := decodeData[callBody](t, env)
	if c.Status != "initiating" || c.Address != "1001" || c.Direction != "outbound" {
		t.Fatalf("unexpected call %+v", c)
	}
	if placed := f.gateway.Placed(); len(placed) != 1 || placed[0].CallID != c.CallID {
		t.Errorf("gateway placed %+v", placed)
	}

	env = decode(t, f.do(t, http.MethodPost, "/api/v1/calls/initiate", `{"bank_id":"B1","line_id":"L1"}`), http.StatusConflict)
	if env.Details == nil || env.Details.Current != "busy" {
		t.Errorf("expected busy conflict, got %+v", env.Details)
	}

	env = decode(t, f.do(t, http.MethodPost, "/api/v1/calls/"+c.CallID+"/answer", ""), http.StatusOK)
	if got := decodeData[callBody](t, env); got.Status != "active" {
		t.Errorf("status after answer = %q", got.Status)
	}
	decode(t, f.do(t, http.MethodPost, "/api/v1/calls/"+c.CallID+"/answer", ""), http.StatusConflict)

	env = decode(t, f.do(t, http.MethodGet, "/api/v1/calls/active", ""), http.StatusOK)
	if active := decodeData[[]callBody](t, env); len(active) != 1 || active[0].CallID != c.CallID {
		t.Errorf("active calls %+v", active)
	}

	env = decode(t, f.do(t, http.MethodPost, "/api/v1/calls/"+c.CallID+"/end", ""), http.StatusOK)
	if got := decodeData[callBody](t, env); got.Status != "ended" {
		t.Errorf("status after end = %q", got.Status)
	}
	env = decode(t, f.do(t, http.MethodPost, "/api/v1/calls/"+c.CallID+"/end", ""), http.StatusOK)
	if got := decodeData[callBody](t, env); got.Status != "ended" {
		t.Errorf("status after second end = %q", got.Status)
	}

	env = decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B1/lines/L1", ""), http.StatusOK)
	if snap := decodeData[line.Snapshot](t, env); snap.Status != bank.StatusReady {
		t.Errorf("line status after end = %q", snap.Status)
	}

	decode(t, f.do(t, http.MethodPost, "/api/v1/calls/nope/end", ""), http.StatusNotFound)
	env = decode(t, f.do(t, http.MethodPost, "/api/v1/calls/nope/answer", ""), http.StatusConflict)
	if env.Details == nil || env.Details.Kind != "invalid_state" {
		t.Errorf("expected invalid_state, got %+v", env.Details)
	}
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t, false)

	decode(t, f.do(t, http.MethodPost, "/api/v1/calls/initiate", `{"bank_id":"B1"}`), http.StatusBadRequest)
	decode(t, f.do(t, http.MethodPost, "/api/v1/calls/initiate", `{"bank_id":"B1","line_id":"L1","extra":true}`), http.StatusBadRequest)
	decode(t, f.do(t, http.MethodPost, "/api/v1/calls/initiate", `{"bank_id":"B1","line_id":"L9"}`), http.StatusNotFound)
}

func TestIncomingCallRespectsDND(t *testing.T) {
	f := newFixture(t, false)

	decode(t, f.do(t, http.MethodPost, "/api/v1/dnd/alice/enable", ""), http.StatusOK)

	env := decode(t, f.do(t, http.MethodPost, "/api/v1/calls/incoming", `{"bank_id":"B1","line_id":"L1","caller":"5551234"}`), http.StatusOK)
	res := decodeData[call.IncomingResult](t, env)
	if res.Delivered || res.Session != nil {
		t.Errorf("expected rejection, got %+v", res)
	}

	// Emergency callers get through by default.
	env = decode(t, f.do(t, http.MethodPost, "/api/v1/calls/incoming", `{"bank_id":"B1","line_id":"L1","caller":"911"}`), http.StatusCreated)
	res = decodeData[call.IncomingResult](t, env)
	if !res.Delivered || res.Session == nil || res.Session.Direction != call.DirectionInbound {
		t.Fatalf("expected delivery, got %+v", res)
	}
	if len(res.DeliverTo) != 1 || res.DeliverTo[0] != "alice" {
		t.Errorf("deliver_to = %v", res.DeliverTo)
	}
}

func TestDNDEndpoints(t *testing.T) {
	f := newFixture(t, false)

	env := decode(t, f.do(t, http.MethodGet, "/api/v1/dnd/carol/status", ""), http.StatusOK)
	st := decodeData[dnd.Status](t, env)
	if st.Enabled || st.Active || !st.EmergencyOverride {
		t.Errorf("unexpected default status %+v", st)
	}

	decode(t, f.do(t, http.MethodPost, "/api/v1/dnd/carol/schedule", `{"start_time":"25:00","end_time":"08:00"}`), http.StatusBadRequest)
	decode(t, f.do(t, http.MethodPost, "/api/v1/dnd/carol/schedule", `{"start_time":"08:00","end_time":"08:00"}`), http.StatusBadRequest)

	env = decode(t, f.do(t, http.MethodPost, "/api/v1/dnd/carol/schedule", `{"start_time":"22:00","end_time":"06:00"}`), http.StatusOK)
	if st := decodeData[dnd.Status](t, env); st.Mode != dnd.ModeScheduled || st.Schedule == nil {
		t.Errorf("unexpected scheduled status %+v", st)
	}

	env = decode(t, f.do(t, http.MethodPost, "/api/v1/dnd/carol/allowed-callers", `{"caller":"1001"}`), http.StatusOK)
	if st := decodeData[dnd.Status](t, env); len(st.AllowedCallers) != 1 {
		t.Errorf("allowed callers = %v", st.AllowedCallers)
	}
	env = decode(t, f.do(t, http.MethodDelete, "/api/v1/dnd/carol/allowed-callers/1001", ""), http.StatusOK)
	if st := decodeData[dnd.Status](t, env); len(st.AllowedCallers) != 0 {
		t.Errorf("allowed callers after remove = %v", st.AllowedCallers)
	}

	decode(t, f.do(t, http.MethodPost, "/api/v1/dnd/carol/emergency-override", `{}`), http.StatusBadRequest)
	env = decode(t, f.do(t, http.MethodPost, "/api/v1/dnd/carol/emergency-override", `{"enabled":false}`), http.StatusOK)
	if st := decodeData[dnd.Status](t, env); st.EmergencyOverride {
		t.Error("emergency override still on")
	}
}

func TestHootMonitoring(t *testing.T) {
	f := newFixture(t, false)

	decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/L1/monitor", `{"user_id":"alice"}`), http.StatusConflict)

	env := decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/H1/monitor", `{"user_id":"alice"}`), http.StatusOK)
	if sub := decodeData[hoot.Subscription](t, env); sub.UserID != "alice" || !sub.Muted {
		t.Errorf("expected a muted subscription by default, got %+v", sub)
	}

	env = decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/H1/toggle-mute", `{"user_id":"alice"}`), http.StatusOK)
	if sub := decodeData[hoot.Subscription](t, env); sub.Muted {
		t.Error("expected unmuted subscription after toggle")
	}
	decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/H1/toggle-mute", `{"user_id":"bob"}`), http.StatusNotFound)

	decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/H1/audio-activity", `{"level":1.5}`), http.StatusBadRequest)
	w := f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/H1/audio-activity", `{"level":0.6,"speaking":true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d; body %s", w.Code, w.Body.String())
	}

	env = decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B1/hoot-lines/H1/audio-activity", ""), http.StatusOK)
	act := decodeData[hoot.Activity](t, env)
	if !act.HasActivity || !act.Speaking || act.Level != 0.6 {
		t.Errorf("unexpected activity %+v", act)
	}

	env = decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B1/hoot-lines/H1/monitors", ""), http.StatusOK)
	if subs := decodeData[[]hoot.Subscription](t, env); len(subs) != 1 {
		t.Errorf("monitors = %+v", subs)
	}

	// Monitoring does not reserve the line.
	env = decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B1/lines/H1", ""), http.StatusOK)
	if snap := decodeData[line.Snapshot](t, env); snap.Status != bank.StatusReady {
		t.Errorf("hoot line status = %q", snap.Status)
	}

	decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/H1/stop-monitoring", `{"user_id":"alice"}`), http.StatusNoContent)
	decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/H1/stop-monitoring", `{"user_id":"alice"}`), http.StatusNoContent)
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		l, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		l = strings.TrimRight(l, "\n")
		switch {
		case l == "" && event != "":
			return event, data
		case strings.HasPrefix(l, "event: "):
			event = strings.TrimPrefix(l, "event: ")
		case strings.HasPrefix(l, "data: "):
			data = strings.TrimPrefix(l, "data: ")
		}
	}
}

func TestAudioActivityStream(t *testing.T) {
	f := newFixture(t, false)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	decode(t, f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/H1/monitor", `{"user_id":"alice","muted":false}`), http.StatusOK)

	resp, err := http.Get(ts.URL + "/api/v1/banks/B1/hoot-lines/H1/audio-activity/stream?user_id=alice")
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	event, data := readEvent(t, r)
	if event != "activity" || !strings.Contains(data, `"has_activity":false`) {
		t.Errorf("initial event %q %s", event, data)
	}

	if w := f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/H1/audio-activity", `{"level":0.4,"speaking":true}`); w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d", w.Code)
	}
	event, data = readEvent(t, r)
	var act hoot.Activity
	if err := json.Unmarshal([]byte(data), &act); err != nil {
		t.Fatalf("decoding activity %q: %v", data, err)
	}
	if event != "activity" || act.Level != 0.4 || !act.Speaking {
		t.Errorf("update event %q %+v", event, act)
	}

	f.do(t, http.MethodPost, "/api/v1/banks/B1/hoot-lines/H1/stop-monitoring", `{"user_id":"alice"}`)
	if event, _ := readEvent(t, r); event != "closed" {
		t.Errorf("expected closed event, got %q", event)
	}
}

func TestStreamRequiresSubscription(t *testing.T) {
	f := newFixture(t, false)

	decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B1/hoot-lines/H1/audio-activity/stream", ""), http.StatusBadRequest)
	decode(t, f.do(t, http.MethodGet, "/api/v1/banks/B1/hoot-lines/H1/audio-activity/stream?user_id=bob", ""), http.StatusNotFound)
}

type historyPage struct {
	Items []struct {
		ID     string `json:"call_id"`
		LineID string `json:"line_id"`
		Reason string `json:"reason"`
	} `json:"items"`
	Total int `json:"total"`
	Limit int `json:"limit"`
}

func TestCallHistory(t *testing.T) {
	f := newFixture(t, true)

	for _, lineID := range []string{"L1", "L2"} {
		env := decode(t, f.do(t, http.MethodPost, "/api/v1/calls/initiate", `{"bank_id":"B1","line_id":"`+lineID+`"}`), http.StatusCreated)
		c := decodeData[callBody](t, env)
		if lineID == "L1" {
			decode(t, f.do(t, http.MethodPost, "/api/v1/calls/"+c.CallID+"/fail", `{"reason":"busy here"}`), http.StatusOK)
			continue
		}
		decode(t, f.do(t, http.MethodPost, "/api/v1/calls/"+c.CallID+"/answer", ""), http.StatusOK)
		decode(t, f.do(t, http.MethodPost, "/api/v1/calls/"+c.CallID+"/end", ""), http.StatusOK)
	}

	env := decode(t, f.do(t, http.MethodGet, "/api/v1/calls/history?status=failed", ""), http.StatusOK)
	page := decodeData[historyPage](t, env)
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].LineID != "L1" || page.Items[0].Reason != "busy here" {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Limit != defaultLimit {
		t.Errorf("limit = %d, want %d", page.Limit, defaultLimit)
	}

	decode(t, f.do(t, http.MethodGet, "/api/v1/calls/history/"+page.Items[0].ID, ""), http.StatusOK)
	decode(t, f.do(t, http.MethodGet, "/api/v1/calls/history/missing", ""), http.StatusNotFound)
	decode(t, f.do(t, http.MethodGet, "/api/v1/calls/history?status=ringing", ""), http.StatusBadRequest)
	decode(t, f.do(t, http.MethodGet, "/api/v1/calls/history?start_date=tomorrow", ""), http.StatusBadRequest)

	today := time.Now().UTC().Format(time.DateOnly)
	env = decode(t, f.do(t, http.MethodGet, "/api/v1/calls/history?start_date="+today+"&end_date="+today, ""), http.StatusOK)
	if p := decodeData[PaginatedResponse](t, env); p.Total != 2 {
		t.Errorf("total for today = %d, want 2", p.Total)
	}

	w := f.do(t, http.MethodGet, "/api/v1/calls/history/export?direction=outbound", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content-type = %q", ct)
	}
	rows, err := csv.NewReader(bytes.NewReader(w.Body.Bytes())).ReadAll()
	if err != nil {
		t.Fatalf("parsing csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "Call-ID" {
		t.Errorf("unexpected csv rows %v", rows)
	}
}

func TestHistoryUnavailableWithoutArchive(t *testing.T) {
	f := newFixture(t, false)

	decode(t, f.do(t, http.MethodGet, "/api/v1/calls/history", ""), http.StatusServiceUnavailable)
}
