package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap/zaptest"
)

func TestStreamTwiML(t *testing.T) {
	doc, err := StreamTwiML("wss://calls.example.com/media/ca1", "", map[string]string{
		"from":      "+61400000000",
		"direction": "inbound",
	})
	require.NoError(t, err)
	lower := strings.ToLower(doc)
	assert.Contains(t, lower, "<connect>")
	assert.Contains(t, lower, "<stream")
	assert.Contains(t, lower, `url="wss://calls.example.com/media/ca1"`)
	assert.Contains(t, lower, `name="direction"`)
	assert.Contains(t, lower, `value="inbound"`)
	assert.Less(t, strings.Index(lower, `name="direction"`), strings.Index(lower, `name="from"`), "parameters are sorted")

	_, err = StreamTwiML("", "", nil)
	assert.Error(t, err)
}

func TestDialAndHangupTwiML(t *testing.T) {
	doc, err := DialTwiML("+61400111222", "Connecting you now.")
	require.NoError(t, err)
	assert.Contains(t, doc, "+61400111222")
	assert.Contains(t, doc, "Connecting you now.")
	assert.Contains(t, strings.ToLower(doc), "<dial")

	_, err = DialTwiML("", "")
	assert.Error(t, err)

	doc, err = HangupTwiML("Goodbye")
	require.NoError(t, err)
	assert.Contains(t, doc, "Goodbye")
	assert.Contains(t, strings.ToLower(doc), "<hangup")
}

func TestExotelXML(t *testing.T) {
	doc, err := ExotelVoicebotXML("wss://calls.example.com/exotel/media/CA1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc, "<?xml"))
	assert.Contains(t, doc, `<Response><Voicebot url="wss://calls.example.com/exotel/media/CA1"></Voicebot></Response>`)

	_, err = ExotelVoicebotXML("")
	assert.Error(t, err)

	doc, err = ExotelHangupXML("Thank you")
	require.NoError(t, err)
	assert.Contains(t, doc, "<Say>Thank you</Say><Hangup></Hangup>")
}

func TestIsTerminalStatus(t *testing.T) {
	for _, s := range []string{"completed", "failed", "busy", "no-answer", "canceled"} {
		assert.True(t, IsTerminalStatus(s), s)
	}
	for _, s := range []string{"ringing", "in-progress", ""} {
		assert.False(t, IsTerminalStatus(s), s)
	}
}

func TestBuildAbsoluteURL(t *testing.T) {
	cases := []struct {
		name    string
		base    string
		host    string
		headers map[string]string
		path    string
		want    string
	}{
		{name: "base url wins", base: "https://public.example.com/", host: "10.0.0.1:8080", path: "/twilio/status", want: "https://public.example.com/twilio/status"},
		{name: "forwarded headers", host: "10.0.0.1:8080", headers: map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "edge.example.com"}, path: "media/CA1", want: "https://edge.example.com/media/CA1"},
		{name: "localhost is http", host: "localhost:8080", path: "/x", want: "http://localhost:8080/x"},
		{name: "other hosts are https", host: "calls.example.com", path: "/x", want: "https://calls.example.com/x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)
			r.Host = tc.host
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, BuildAbsoluteURL(tc.base, r, tc.path))
		})
	}
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "wss://a.example.com/media/1", WebsocketURL("https://a.example.com/media/1"))
	assert.Equal(t, "ws://localhost:8080/m", WebsocketURL("http://localhost:8080/m"))
	assert.Equal(t, "wss://already", WebsocketURL("wss://already"))
}

type fakeCalls struct {
	mu     sync.Mutex
	sid    string
	params *twilioApi.UpdateCallParams
	err    error
}

func (f *fakeCalls) UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sid, f.params = sid, params
	return &twilioApi.ApiV2010Call{}, f.err
}

func TestTwilioTransferer(t *testing.T) {
	calls := &fakeCalls{}
	tr := NewTwilioTransferer(calls, "+61400111222", "Transferring you now.", zaptest.NewLogger(t))

	require.NoError(t, tr.Transfer(context.Background(), "CA1"))
	assert.Equal(t, "CA1", calls.sid)
	require.NotNil(t, calls.params.Twiml)
	assert.Contains(t, *calls.params.Twiml, "+61400111222")
	assert.Contains(t, *calls.params.Twiml, "Transferring you now.")

	require.NoError(t, tr.Hangup(context.Background(), "CA2"))
	require.NotNil(t, calls.params.Status)
	assert.Equal(t, "completed", *calls.params.Status)

	calls.err = errors.New("20404 not found")
	assert.ErrorContains(t, tr.Transfer(context.Background(), "CA3"), "20404")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Transfer(ctx, "CA4"), context.Canceled)

	noAgent := NewTwilioTransferer(calls, "", "", nil)
	assert.Error(t, noAgent.Transfer(context.Background(), "CA5"))
}

func TestExotelTransferer(t *testing.T) {
	tr := NewExotelTransferer(zaptest.NewLogger(t))
	assert.NoError(t, tr.Transfer(context.Background(), "CA1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, tr.Transfer(ctx, "CA1"))
}

type fakeRecordings struct {
	sid    string
	params *twilioApi.CreateCallRecordingParams
}

func (f *fakeRecordings) CreateCallRecording(sid string, params *twilioApi.CreateCallRecordingParams) (*twilioApi.ApiV2010CallRecording, error) {
	f.sid, f.params = sid, params
	return &twilioApi.ApiV2010CallRecording{}, nil
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (m *memUploader) Upload(key, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects, m.types = make(map[string][]byte), make(map[string]string)
	}
	m.objects[key], m.types[key] = data, contentType
	return nil
}

func TestRecorder_Start(t *testing.T) {
	api := &fakeRecordings{}
	r := NewRecorder(RecorderConfig{AccountSID: "AC1", AuthToken: "tok"}, api, nil, nil)
	require.NoError(t, r.Start("CA1", "https://x.example.com/twilio/recording-status"))
	assert.Equal(t, "CA1", api.sid)
	require.NotNil(t, api.params.RecordingTrack)
	assert.Equal(t, "both", *api.params.RecordingTrack)
	assert.Equal(t, "https://x.example.com/twilio/recording-status", *api.params.RecordingStatusCallback)

	missing := NewRecorder(RecorderConfig{}, api, nil, nil)
	assert.Error(t, missing.Start("CA1", "cb"))
}

func TestRecorder_Upload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/Recordings/RE1.wav" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("RIFFdata"))
	}))
	defer srv.Close()

	up := &memUploader{}
	r := NewRecorder(RecorderConfig{AccountSID: "AC1", AuthToken: "tok"}, &fakeRecordings{}, up, zaptest.NewLogger(t))
	key := r.Key("CA1", "RE1", time.Unix(1700000000, 0))
	assert.Equal(t, "recordings/CA1/recording_RE1_1700000000.wav", key)

	require.NoError(t, r.Upload(context.Background(), srv.URL+"/Recordings/RE1", key))
	assert.Equal(t, []byte("RIFFdata"), up.objects[key])
	assert.Equal(t, "audio/wav", up.types[key])

	err := r.Upload(context.Background(), srv.URL+"/Recordings/RE2", "k")
	assert.ErrorContains(t, err, "status 404")

	noStore := NewRecorder(RecorderConfig{}, &fakeRecordings{}, nil, nil)
	assert.Error(t, noStore.Upload(context.Background(), srv.URL, "k"))
}
