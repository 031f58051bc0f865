package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/callstream/internal/callerr"
	mw "github.com/chadiek/callstream/internal/middleware"
	"github.com/chadiek/callstream/internal/rtc"
	"github.com/chadiek/callstream/internal/session"
	"github.com/chadiek/callstream/internal/transport"
)

type fakeCalls struct {
	mu        sync.Mutex
	ended     map[string]string
	reloads   int
	reloadErr error
	sessions  []session.Snapshot
	streams   chan string
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{ended: map[string]string{}, streams: make(chan string, 1)}
}

func (f *fakeCalls) ServeStream(_ context.Context, ws *websocket.Conn, d transport.Dialect, routeCallID string) error {
	f.streams <- d.Name() + ":" + routeCallID
	return ws.Close()
}

func (f *fakeCalls) EndCall(callID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if callID == "CA-missing" {
		return fmt.Errorf("session %q: %w", callID, callerr.ErrNotFound)
	}
	f.ended[callID] = reason
	return nil
}

func (f *fakeCalls) Reload(context.Context) error {
	f.reloads++
	return f.reloadErr
}

func (f *fakeCalls) Sessions() []session.Snapshot { return f.sessions }

func (f *fakeCalls) endedReason(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended[id]
}

type fakeOffers struct{ err error }

func (f fakeOffers) HandleOffer(_ context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	if f.err != nil {
		return rtc.SessionDescription{}, f.err
	}
	return rtc.SessionDescription{Type: "answer", SDP: "answer-for:" + offer.SDP}, nil
}

type fakeRecorder struct {
	started chan string
	status  chan string
}

func (r *fakeRecorder) Start(callSid, callbackURL string) error {
	r.started <- callSid + " " + callbackURL
	return nil
}

func (r *fakeRecorder) HandleStatus(callSid, recordingSid, recordingURL, status string) {
	r.status <- strings.Join([]string{callSid, recordingSid, recordingURL, status}, " ")
}

func newTestServer(calls *fakeCalls, opts Options) *Server {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://voice.example.com"
	}
	return New(calls, fakeOffers{}, nil, opts)
}

func do(srv *Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	return w
}

func form(method, target string, values url.Values) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(values.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(newFakeCalls(), Options{})
	w := do(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_MetricsOnlyWhenConfigured(t *testing.T) {
	srv := newTestServer(newFakeCalls(), Options{})
	if w := do(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", w.Code)
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("calls_total 1")) })
	srv = newTestServer(newFakeCalls(), Options{Metrics: metrics})
	w := do(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "calls_total") {
		t.Fatalf("unexpected metrics response %d %q", w.Code, w.Body.String())
	}
}

func TestCall_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(newFakeCalls(), Options{})
	w := do(srv, httptest.NewRequest(http.MethodGet, "/call", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestCall_Offer(t *testing.T) {
	srv := newTestServer(newFakeCalls(), Options{RTCAuthPassword: "secret"})

	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	r.Header.Set("Content-Type", "application/json")
	if w := do(srv, r); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without password, got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodPost, "/call?password=secret", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	r.Header.Set("Content-Type", "application/json")
	w := do(srv, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var answer rtc.SessionDescription
	if err := json.Unmarshal(w.Body.Bytes(), &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Type != "answer" || answer.SDP != "answer-for:v=0" {
		t.Fatalf("unexpected answer %+v", answer)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS header, got %q", got)
	}
}

func TestCall_BadOfferAndFailures(t *testing.T) {
	srv := newTestServer(newFakeCalls(), Options{})
	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(`{not json`))
	r.Header.Set("Content-Type", "application/json")
	if w := do(srv, r); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	cases := map[error]int{
		session.ErrCapacity:                        http.StatusServiceUnavailable,
		&callerr.DuplicateSessionError{ID: "rtc-1"}: http.StatusServiceUnavailable,
		errors.New("ice failed"):                    http.StatusInternalServerError,
	}
	for offerErr, want := range cases {
		srv := New(newFakeCalls(), fakeOffers{err: offerErr}, nil, Options{})
		r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
		r.Header.Set("Content-Type", "application/json")
		if w := do(srv, r); w.Code != want {
			t.Fatalf("%v: expected %d, got %d", offerErr, want, w.Code)
		}
	}
}

func TestCall_Preflight(t *testing.T) {
	srv := newTestServer(newFakeCalls(), Options{RTCAuthPassword: "secret"})
	w := do(srv, httptest.NewRequest(http.MethodOptions, "/call", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestTwilioVoice_StreamsToMediaSocket(t *testing.T) {
	rec := &fakeRecorder{started: make(chan string, 1), status: make(chan string, 1)}
	srv := New(newFakeCalls(), nil, rec, Options{BaseURL: "https://voice.example.com", TwilioSkipValidation: true})
	w := do(srv, form(http.MethodPost, "/twilio/voice", url.Values{
		"CallSid":   {"CA123"},
		"From":      {"+61400000000"},
		"To":        {"+61299999999"},
		"Direction": {"outbound-api"},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Fatalf("expected xml, got %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{
		`wss://voice.example.com/media/CA123`,
		`https://voice.example.com/twilio/status`,
		`name="direction"`,
		`value="outbound"`,
		`value="+61400000000"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("twiml missing %q:\n%s", want, body)
		}
	}
	select {
	case got := <-rec.started:
		if got != "CA123 https://voice.example.com/twilio/recording-status" {
			t.Fatalf("unexpected recording start %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recording was not started")
	}
}

func TestTwilioVoice_MissingCallSid(t *testing.T) {
	srv := newTestServer(newFakeCalls(), Options{TwilioSkipValidation: true})
	if w := do(srv, form(http.MethodPost, "/twilio/voice", url.Values{"From": {"+1"}})); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestTwilioWebhook_Signature(t *testing.T) {
	srv := newTestServer(newFakeCalls(), Options{TwilioAuthToken: "tok"})
	values := url.Values{"CallSid": {"CA1"}, "From": {"+1"}}

	if w := do(srv, form(http.MethodPost, "/twilio/voice", values)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", w.Code)
	}

	r := form(http.MethodPost, "/twilio/voice", values)
	r.Header.Set("X-Twilio-Signature", mw.SignTwilio("tok", "https://voice.example.com/twilio/voice", map[string]string{"CallSid": "CA1", "From": "+1"}))
	if w := do(srv, r); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid signature, got %d", w.Code)
	}
}

func TestTwilioStatus_EndsCall(t *testing.T) {
	calls := newFakeCalls()
	srv := newTestServer(calls, Options{TwilioSkipValidation: true})

	do(srv, form(http.MethodPost, "/twilio/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}}))
	if got := calls.endedReason("CA1"); got != "" {
		t.Fatalf("non-terminal status ended the call: %q", got)
	}
	w := do(srv, form(http.MethodPost, "/twilio/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := calls.endedReason("CA1"); got != session.ReasonStatus {
		t.Fatalf("expected %q, got %q", session.ReasonStatus, got)
	}
	// unknown calls are acknowledged
	if w := do(srv, form(http.MethodPost, "/twilio/status", url.Values{"CallSid": {"CA-missing"}, "CallStatus": {"failed"}})); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown call, got %d", w.Code)
	}
}

func TestTwilioRecordingStatus(t *testing.T) {
	rec := &fakeRecorder{started: make(chan string, 1), status: make(chan string, 1)}
	srv := New(newFakeCalls(), nil, rec, Options{TwilioSkipValidation: true})
	w := do(srv, form(http.MethodPost, "/twilio/recording-status", url.Values{
		"CallSid":         {"CA1"},
		"RecordingSid":    {"RE1"},
		"RecordingUrl":    {"https://api.twilio.com/rec/RE1"},
		"RecordingStatus": {"completed"},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := <-rec.status; got != "CA1 RE1 https://api.twilio.com/rec/RE1 completed" {
		t.Fatalf("unexpected status %q", got)
	}
}

func TestExotelVoiceAndWebsocket(t *testing.T) {
	srv := newTestServer(newFakeCalls(), Options{})

	w := do(srv, httptest.NewRequest(http.MethodGet, "/exotel/voice?CallSid=EX1&From=0999", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<Voicebot url="wss://voice.example.com/exotel/media/EX1">`) {
		t.Fatalf("unexpected exotel xml %s", w.Body.String())
	}

	w = do(srv, httptest.NewRequest(http.MethodGet, "/exotel/get_websocket?CallSid=EX2", nil))
	var body struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.URL != "wss://voice.example.com/exotel/media/EX2" {
		t.Fatalf("unexpected url %q", body.URL)
	}
}

func TestExotelStatus_EndsCall(t *testing.T) {
	calls := newFakeCalls()
	srv := newTestServer(calls, Options{})
	do(srv, form(http.MethodPost, "/exotel/status", url.Values{"CallSid": {"EX1"}, "Status": {"Completed"}}))
	if got := calls.endedReason("EX1"); got != session.ReasonStatus {
		t.Fatalf("expected %q, got %q", session.ReasonStatus, got)
	}
}

func TestDebugSessions(t *testing.T) {
	calls := newFakeCalls()
	calls.sessions = []session.Snapshot{{
		ID:        "CA1",
		Direction: session.DirectionInbound,
		State:     session.StateListening,
		Meta:      map[string]string{"carrier": "twilio"},
		StartedAt: time.Now().Add(-time.Second),
		Stats:     session.Stats{Utterances: 2},
	}}
	srv := newTestServer(calls, Options{})
	w := do(srv, httptest.NewRequest(http.MethodGet, "/debug/sessions", nil))
	var body struct {
		Count    int           `json:"count"`
		Sessions []sessionView `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Sessions[0].State != "listening" || body.Sessions[0].Carrier != "twilio" {
		t.Fatalf("unexpected sessions %+v", body)
	}
	if body.Sessions[0].Utterances != 2 || body.Sessions[0].DurationMs < 1000 {
		t.Fatalf("unexpected stats %+v", body.Sessions[0])
	}
}

func TestAdminReload(t *testing.T) {
	calls := newFakeCalls()
	srv := newTestServer(calls, Options{RTCAuthPassword: "secret"})

	if w := do(srv, httptest.NewRequest(http.MethodPost, "/admin/reload", nil)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	r := httptest.NewRequest(http.MethodPost, "/admin/reload", nil)
	r.Header.Set("X-Auth-Token", "secret")
	if w := do(srv, r); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	calls.reloadErr = errors.New("manifest missing")
	r = httptest.NewRequest(http.MethodPost, "/admin/reload", nil)
	r.Header.Set("X-Auth-Token", "secret")
	if w := do(srv, r); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if calls.reloads != 2 {
		t.Fatalf("expected 2 reloads, got %d", calls.reloads)
	}
}

func TestMediaSockets_RouteToDialect(t *testing.T) {
	calls := newFakeCalls()
	srv := newTestServer(calls, Options{})
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()
	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")

	for path, want := range map[string]string{
		"/media/CA9":        "twilio:CA9",
		"/exotel/media/EX9": "exotel:EX9",
		"/exotel/media":     "exotel:",
	} {
		ws, _, err := websocket.DefaultDialer.Dial(wsBase+path, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", path, err)
		}
		select {
		case got := <-calls.streams:
			if got != want {
				t.Fatalf("%s: expected %q, got %q", path, want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: stream not served", path)
		}
		_ = ws.Close()
	}
}
