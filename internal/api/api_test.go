package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/messaging"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/testutil"
	"github.com/BTreeMap/PersonaPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/PersonaPipe/internal/whatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "s3cret"

func newTestFlow(msg messaging.Service, st store.Store, llm *testutil.FakeLLM) *flow.ConversationFlow {
	return flow.NewConversationFlow(flow.NewSessionStore(), msg, llm,
		flow.WithProfileStore(st), flow.WithPacer(flow.NoPacing()), flow.WithRand(&testutil.SeqRand{}))
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *messaging.MockService, *store.InMemoryStore) {
	t.Helper()
	msg := messaging.NewMockService()
	st := store.NewInMemoryStore()
	conv := newTestFlow(msg, st, testutil.NewFakeLLM())
	return NewServer(msg, st, conv, opts...), msg, st
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func adminRequest(t *testing.T, method, path string) *http.Request {
	req := testutil.CreateHTTPRequest(t, method, path, nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	return req
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	assert.Equal(t, "ok", rr.Body.String())
}

func TestPrivacy(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/privacy", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Politique de confidentialité")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PrivacyFileName), []byte("<p>custom</p>"), 0o600))
	s, _, _ = newTestServer(t, WithStateDir(dir))
	rr = do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/privacy", nil))
	assert.Equal(t, "<p>custom</p>", rr.Body.String())
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdmin_RequiresBearer(t *testing.T) {
	s, _, _ := newTestServer(t, WithAdminToken(adminToken))

	rr := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/sessions", nil))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "missing token")
	testutil.AssertJSONResponse(t, rr, "error")

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = do(t, s.Handler(), req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdmin_Sessions(t *testing.T) {
	s, _, _ := newTestServer(t, WithAdminToken(adminToken))
	ctx := context.Background()
	require.NoError(t, s.conv.HandleInboundMessage(ctx, "u1", "salut"))
	require.NoError(t, s.conv.HandleInboundMessage(ctx, "u2", "coucou"))

	rr := do(t, s.Handler(), adminRequest(t, http.MethodGet, "/sessions"))
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Status string        `json:"status"`
		Result []SessionView `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &list)
	require.Len(t, list.Result, 2)
	assert.Equal(t, "u1", list.Result[0].UserID)
	assert.Equal(t, 1, list.Result[0].MessageCount)
	assert.Equal(t, models.StateActive, list.Result[0].State)

	rr = do(t, s.Handler(), adminRequest(t, http.MethodGet, "/sessions/u2"))
	require.Equal(t, http.StatusOK, rr.Code)
	body := testutil.AssertJSONResponse(t, rr, "ok")
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "u2", result["user_id"])

	rr = do(t, s.Handler(), adminRequest(t, http.MethodGet, "/sessions/ghost"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdmin_ResetSession(t *testing.T) {
	s, msg, _ := newTestServer(t, WithAdminToken(adminToken))
	require.NoError(t, s.conv.HandleInboundMessage(context.Background(), "u1", "salut"))
	sent := len(msg.Texts("u1"))

	rr := do(t, s.Handler(), adminRequest(t, http.MethodDelete, "/sessions/u1"))
	require.Equal(t, http.StatusOK, rr.Code)
	sess, ok := s.sessions.Get("u1")
	require.True(t, ok)
	assert.Equal(t, 0, sess.MessageCount)
	assert.Len(t, msg.Texts("u1"), sent, "admin reset sends nothing")

	rr = do(t, s.Handler(), adminRequest(t, http.MethodDelete, "/sessions/ghost"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdmin_ProfilesAndReceipts(t *testing.T) {
	s, _, st := newTestServer(t, WithAdminToken(adminToken))
	testutil.SeedTestData(t, st)

	rr := do(t, s.Handler(), adminRequest(t, http.MethodGet, "/profiles/u1"))
	require.Equal(t, http.StatusOK, rr.Code)
	var p struct {
		Result models.Profile `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &p)
	assert.Equal(t, "Karim", p.Result.FirstName())

	rr = do(t, s.Handler(), adminRequest(t, http.MethodGet, "/profiles"))
	require.Equal(t, http.StatusOK, rr.Code)
	var all struct {
		Result []models.Profile `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &all)
	require.Len(t, all.Result, 1)
	assert.Equal(t, "u1", all.Result[0].UserID)

	rr = do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/profiles", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, s.Handler(), adminRequest(t, http.MethodGet, "/profiles/nobody"))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, s.Handler(), adminRequest(t, http.MethodGet, "/receipts"))
	require.Equal(t, http.StatusOK, rr.Code)
	var receipts struct {
		Result []models.Receipt `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &receipts)
	assert.Len(t, receipts.Result, 2)
}

func TestDrainReceipts(t *testing.T) {
	s, msg, st := newTestServer(t)
	done := make(chan struct{})
	go func() {
		s.DrainReceipts()
		close(done)
	}()

	require.NoError(t, msg.SendMessage(context.Background(), "u1", "coucou"))
	require.Eventually(t, func() bool {
		r, _ := st.GetReceipts()
		return len(r) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, msg.Stop())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DrainReceipts did not return after the transport stopped")
	}
}

func TestDrainAndStop_RepliesBeforeTransportStops(t *testing.T) {
	svc := messaging.NewMockService()
	started := make(chan struct{})
	release := make(chan struct{})
	var sendErr error
	rh := messaging.NewResponseHandler(svc, func(ctx context.Context, msg models.InboundMessage) error {
		close(started)
		<-release
		sendErr = svc.SendMessage(ctx, msg.SenderID, "j'arrive")
		return sendErr
	})
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	rh.Start(workCtx)
	svc.Deliver(models.InboundMessage{MessageID: "m1", SenderID: "u1", Text: "t'es là ?"})
	<-started

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		drainAndStop(shutdownCtx, rh, svc, cancelWork)
		close(stopped)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, svc.SendMessage(context.Background(), "u2", "toujours là"), "transport stays up while a reply is pending")
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("drainAndStop did not return")
	}
	assert.NoError(t, sendErr)
	assert.Equal(t, []string{"j'arrive"}, svc.Texts("u1"))
	assert.ErrorIs(t, svc.SendMessage(context.Background(), "u1", "x"), messaging.ErrServiceStopped)
	assert.NoError(t, workCtx.Err(), "work is not cancelled when it finishes in time")
}

func TestDrainAndStop_CancelsOnTimeout(t *testing.T) {
	svc := messaging.NewMockService()
	started := make(chan struct{})
	rh := messaging.NewResponseHandler(svc, func(ctx context.Context, msg models.InboundMessage) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	rh.Start(workCtx)
	svc.Deliver(models.InboundMessage{MessageID: "m1", SenderID: "u1", Text: "allo"})
	<-started

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	drainAndStop(shutdownCtx, rh, svc, cancelWork)

	assert.ErrorIs(t, workCtx.Err(), context.Canceled)
	assert.ErrorIs(t, svc.SendMessage(context.Background(), "u1", "x"), messaging.ErrServiceStopped)
	rh.Wait()
}

// graphAPI records Send API calls.
type graphAPI struct {
	mu    sync.Mutex
	texts []string
}

func (g *graphAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message *struct {
			Text string `json:"text"`
		} `json:"message"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Message != nil && body.Message.Text != "" {
		g.mu.Lock()
		g.texts = append(g.texts, body.Message.Text)
		g.mu.Unlock()
	}
	_, _ = io.WriteString(w, `{"recipient_id":"1","message_id":"m"}`)
}

func (g *graphAPI) all() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.texts...)
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestMessengerWebhook_EndToEnd(t *testing.T) {
	graph := &graphAPI{}
	gs := httptest.NewServer(graph)
	defer gs.Close()

	svc, err := messaging.NewMessengerService(
		messaging.WithPageAccessToken("page-token"),
		messaging.WithVerifyToken("verify-me"),
		messaging.WithAppSecret("app-secret"),
		messaging.WithGraphAPIURL(gs.URL),
	)
	require.NoError(t, err)
	st := store.NewInMemoryStore()
	conv := newTestFlow(svc, st, testutil.NewFakeLLM("Coucou toi, tu vas bien ?"))
	s := NewServer(svc, st, conv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh := messaging.NewResponseHandler(svc, s.HandleInbound, messaging.WithDedup(st))
	rh.Start(ctx)
	go s.DrainReceipts()

	q := url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"verify-me"}, "hub.challenge": {"42"}}
	rr := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/webhook?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "42", rr.Body.String())

	q.Set("hub.verify_token", "nope")
	rr = do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/webhook?"+q.Encode(), nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	payload := `{"object":"page","entry":[{"id":"p","time":1,"messaging":[{"sender":{"id":"psid-1"},"timestamp":1700000000000,"message":{"mid":"mid.1","text":"salut"}}]}]}`

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", sign("wrong", payload))
	rr = do(t, s.Handler(), req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	for i := 0; i < 2; i++ {
		req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
		req.Header.Set("X-Hub-Signature-256", sign("app-secret", payload))
		rr = do(t, s.Handler(), req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ok", rr.Body.String())
	}

	require.Eventually(t, func() bool { return len(graph.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, graph.all()[0], "Coucou toi")

	require.Eventually(t, func() bool {
		sess, ok := conv.Sessions().Get("psid-1")
		return ok && sess.MessageCount == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	sess, _ := conv.Sessions().Get("psid-1")
	assert.Equal(t, 1, sess.MessageCount, "redelivery is deduplicated")

	require.Eventually(t, func() bool {
		r, _ := st.GetReceipts()
		return len(r) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTwilioWebhookRoute(t *testing.T) {
	twilio := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	st := store.NewInMemoryStore()
	s := NewServer(twilio, st, newTestFlow(twilio, st, testutil.NewFakeLLM()))

	form := url.Values{"From": {"whatsapp:+33612345678"}, "Body": {"salut"}, "MessageSid": {"SM1"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := do(t, s.Handler(), req)
	require.Equal(t, http.StatusOK, rr.Code)

	select {
	case msg := <-twilio.Responses():
		assert.Equal(t, "33612345678", msg.SenderID)
		assert.Equal(t, "SM1", msg.MessageID)
	case <-time.After(time.Second):
		t.Fatal("no inbound message emitted")
	}

	rr = do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code, "messenger routes are not mounted for twilio")
}

func TestBuildMessagingService(t *testing.T) {
	_, err := buildMessagingService(Opts{Transport: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)

	_, err = buildMessagingService(Opts{Transport: TransportMessenger}, nil)
	assert.ErrorIs(t, err, messaging.ErrMissingPageToken)

	svc, err := buildMessagingService(Opts{
		Transport:     TransportMessenger,
		MessengerOpts: []messaging.MessengerOption{messaging.WithPageAccessToken("t")},
	}, nil)
	require.NoError(t, err)
	_, ok := svc.(*messaging.MessengerService)
	assert.True(t, ok)

	svc, err = buildMessagingService(Opts{
		Transport: TransportTwilio,
		TwilioOpts: []twiliowhatsapp.Option{
			twiliowhatsapp.WithAccountSID("AC123"),
			twiliowhatsapp.WithAuthToken("secret"),
			twiliowhatsapp.WithFromWhats("+15550001111"),
		},
	}, nil)
	require.NoError(t, err)
	twilio, ok := svc.(*messaging.TwilioService)
	require.True(t, ok)
	form := url.Values{"From": {"whatsapp:+33612345678"}, "Body": {"salut"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	twilio.TwilioWebhookHandler(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code, "unsigned deliveries are rejected")

	_, err = buildMessagingService(Opts{Transport: TransportWhatsApp}, nil)
	assert.ErrorIs(t, err, whatsapp.ErrNoDeviceStore)
}

func TestDefaultOpts(t *testing.T) {
	o := defaultOpts()
	for _, opt := range []Option{WithAddr(":9000"), WithTransport(TransportTwilio), WithPacing(false), WithNATS("nats://x", "tok")} {
		opt(&o)
	}
	assert.Equal(t, ":9000", o.Addr)
	assert.Equal(t, TransportTwilio, o.Transport)
	assert.False(t, o.Pacing)
	assert.Equal(t, "nats://x", o.NATSURL)
	assert.Equal(t, flow.DefaultSweepInterval, o.FollowupInterval)
	assert.Equal(t, DefaultCheckpointInterval, o.CheckpointInterval)
}
