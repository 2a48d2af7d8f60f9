package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratingstudy/internal/config"
	"ratingstudy/internal/control"
	"ratingstudy/internal/metrics"
	"ratingstudy/internal/stimulus"
)

func testSettings() Settings {
	return Settings{
		Controls:          control.DefaultSpecs(),
		Scheme:            stimulus.DefaultScheme(),
		ClientVersion:     "test",
		Seed:              7,
		CompletionURL:     "https://app.prolific.com/submissions/complete?cc=TEST",
		PingInterval:      5 * time.Second,
		MessagesPerSecond: 1000,
		MessageBurst:      1000,
		MaxMessageBytes:   4096,
	}
}

type serverFixture struct {
	srv     *Server
	ts      *httptest.Server
	store   *memPersister
	metrics *metrics.StudyMetrics
}

func newServerFixture(t *testing.T, settings Settings, opts Options) *serverFixture {
	t.Helper()
	f := &serverFixture{
		store:   &memPersister{},
		metrics: metrics.NewStudyMetrics(metrics.NewRegistry("test", "")),
	}
	opts.Persister = f.store
	opts.Metrics = f.metrics

	srv, err := New(settings, opts)
	require.NoError(t, err)
	f.srv = srv
	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		f.ts.Close()
	})
	return f
}

func (f *serverFixture) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?" + query
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
	at float64
}

func (f *serverFixture) dial(t *testing.T, query string) *wsClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) read() ServerMessage {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m ServerMessage
	require.NoError(c.t, c.ws.ReadJSON(&m))
	return m
}

func (c *wsClient) expect(typ string) ServerMessage {
	c.t.Helper()
	m := c.read()
	require.Equal(c.t, typ, m.Type, "unexpected frame %+v", m)
	return m
}

func (c *wsClient) write(m ClientMessage) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(m))
}

func (c *wsClient) tick() float64 {
	c.at += 40
	return c.at
}

func (c *wsClient) ready() { c.write(clientMsg(MsgReady, c.tick())) }

// rateTrial completes one trial that has just been announced with a trial
// frame and returns the frame that follows the submit.
func (c *wsClient) rateTrial() ServerMessage {
	c.t.Helper()
	c.ready()
	g := c.expect(MsgGate)
	require.False(c.t, g.Gate.SubmitEnabled)

	for _, id := range []string{"Q1", "Q2", "Q3", "Q4"} {
		v := 6
		c.write(eventMsg(id, "pointerdown", c.tick(), nil))
		c.write(eventMsg(id, "input", c.tick(), &v))
		c.write(eventMsg(id, "pointerup", c.tick(), nil))
	}
	g = c.expect(MsgGate)
	require.True(c.t, g.Gate.SubmitEnabled)

	c.write(clientMsg(MsgSubmit, c.tick()))
	return c.read()
}

func TestServerFullSession(t *testing.T) {
	f := newServerFixture(t, testSettings(), Options{})
	c := f.dial(t, "PROLIFIC_PID=abc&assignmentId=as-1")

	next := c.expect(MsgBlock)
	trials := 0
	for next.Type != MsgSaving {
		if next.Type == MsgBlock {
			c.ready()
			next = c.read()
		}
		require.Equal(t, MsgTrial, next.Type)
		assert.Equal(t, trials, next.Trial.Index)
		next = c.rateTrial()
		trials++
	}

	complete := c.expect(MsgComplete)
	assert.Equal(t, 18, complete.Trials)
	assert.Equal(t, "https://app.prolific.com/submissions/complete?cc=TEST", complete.CompletionURL)
	require.NotNil(t, complete.Saved)
	assert.True(t, *complete.Saved)

	_, _, err := c.ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	saved := f.store.payloads()
	require.Len(t, saved, 1)
	assert.Equal(t, "abc", saved[0].ParticipantID)
	assert.Equal(t, "as-1", saved[0].AssignmentID)
	assert.Equal(t, "test", saved[0].ClientVersion)
	assert.Equal(t, complete.SessionID, saved[0].SessionID)
	assert.Len(t, saved[0].Trials, 18)

	require.Eventually(t, func() bool { return f.srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), f.metrics.ActiveConnections.Value())
}

func TestServerSeedFixesOrder(t *testing.T) {
	f := newServerFixture(t, testSettings(), Options{})

	firstImage := func() string {
		c := f.dial(t, "pid=x")
		c.expect(MsgBlock)
		c.ready()
		return c.expect(MsgTrial).Trial.Image
	}
	assert.Equal(t, firstImage(), firstImage())
}

func TestServerBadMessageKeepsConnection(t *testing.T) {
	f := newServerFixture(t, testSettings(), Options{})
	c := f.dial(t, "pid=p")
	c.expect(MsgBlock)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("garbage")))
	e := c.expect(MsgError)
	assert.Equal(t, CodeBadMessage, e.Code)

	c.write(clientMsg(MsgSubmit, c.tick()))
	e = c.expect(MsgError)
	assert.Equal(t, CodeWrongPhase, e.Code)

	c.ready()
	c.expect(MsgTrial)
}

func TestServerPrematureSubmit(t *testing.T) {
	f := newServerFixture(t, testSettings(), Options{})
	c := f.dial(t, "pid=p")
	c.expect(MsgBlock)
	c.ready()
	c.expect(MsgTrial)
	c.ready()
	c.expect(MsgGate)

	c.write(clientMsg(MsgSubmit, c.tick()))
	g := c.expect(MsgGate)
	assert.Len(t, g.Gate.Pending, 4)
	e := c.expect(MsgError)
	assert.Equal(t, CodeNotSatisfied, e.Code)
	assert.Equal(t, uint64(1), f.metrics.PrematureSubmits.Value())
}

func TestServerConnectionLimit(t *testing.T) {
	f := newServerFixture(t, testSettings(), Options{MaxConnections: 1})
	c := f.dial(t, "pid=one")
	c.expect(MsgBlock)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("pid=two"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, uint64(1), f.metrics.ConnsRejected.Value())
}

func TestServerOriginCheck(t *testing.T) {
	settings := testSettings()
	settings.AllowedOrigins = []string{"https://study.example"}
	f := newServerFixture(t, settings, Options{})

	h := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("pid=o"), h)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h = http.Header{"Origin": {"https://study.example"}}
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL("pid=o"), h)
	require.NoError(t, err)
	ws.Close()
}

func TestServerRateLimit(t *testing.T) {
	settings := testSettings()
	settings.MessagesPerSecond = 1
	settings.MessageBurst = 1
	f := newServerFixture(t, settings, Options{})
	c := f.dial(t, "pid=r")
	c.expect(MsgBlock)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("x")))
	}
	assert.Equal(t, CodeBadMessage, c.expect(MsgError).Code)
	assert.Equal(t, CodeRateLimited, c.expect(MsgError).Code)
	require.Eventually(t, func() bool { return f.metrics.MessagesLimited.Value() == 4 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerDisconnectSavesCompletedTrials(t *testing.T) {
	f := newServerFixture(t, testSettings(), Options{})
	c := f.dial(t, "pid=gone")
	c.expect(MsgBlock)
	c.ready()
	c.expect(MsgTrial)
	next := c.rateTrial()
	require.Equal(t, MsgTrial, next.Type)
	c.ready()
	c.expect(MsgGate)
	c.ws.Close()

	require.Eventually(t, func() bool { return len(f.store.payloads()) == 1 }, 2*time.Second, 10*time.Millisecond)
	p := f.store.payloads()[0]
	assert.Equal(t, "gone", p.ParticipantID)
	assert.Len(t, p.Trials, 1)
	require.Eventually(t, func() bool { return f.metrics.TrialsAborted.Value() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerShutdownSavesOpenSessions(t *testing.T) {
	f := newServerFixture(t, testSettings(), Options{})
	c := f.dial(t, "pid=late")
	c.expect(MsgBlock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))

	_, _, err := c.ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	require.Len(t, f.store.payloads(), 1)
	assert.Equal(t, 0, f.srv.Connections())

	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, resp2, err := websocket.DefaultDialer.Dial(f.wsURL("pid=after"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestServerHealthAndMetrics(t *testing.T) {
	f := newServerFixture(t, testSettings(), Options{})

	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])
	assert.Contains(t, health["components"], "connections")

	resp, err = http.Get(f.ts.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c := f.dial(t, "pid=m")
	c.expect(MsgBlock)

	resp, err = http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_sessions_started_total 1")
	assert.Contains(t, string(body), "test_active_connections 1")
}

func TestServerStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>study</html>"), 0o644))
	f := newServerFixture(t, testSettings(), Options{StaticDir: dir})

	resp, err := http.Get(f.ts.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "study")
}

func TestServerApply(t *testing.T) {
	f := newServerFixture(t, testSettings(), Options{})

	bad := testSettings()
	bad.Controls = nil
	assert.Error(t, f.srv.Apply(bad))

	next := testSettings()
	next.Seed = 99
	next.ClientVersion = "v4"
	require.NoError(t, f.srv.Apply(next))
	assert.Equal(t, uint64(99), f.srv.Settings().Seed)

	c := f.dial(t, "pid=v")
	c.expect(MsgBlock)
	c.ws.Close()
	require.Eventually(t, func() bool { return len(f.store.payloads()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "v4", f.store.payloads()[0].ClientVersion)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Study.Seed = 3
	cfg.Study.CompletionURL = "https://app.prolific.com/submissions/complete?cc=X"

	st := SettingsFromConfig(cfg)
	assert.Equal(t, uint64(3), st.Seed)
	assert.Equal(t, cfg.Study.CompletionURL, st.CompletionURL)
	assert.Equal(t, cfg.Limits.MessageBurst, st.MessageBurst)
	require.NoError(t, validateSettings(st))
}

func TestNewRejectsBadSettings(t *testing.T) {
	st := testSettings()
	st.MessageBurst = 0
	_, err := New(st, Options{})
	assert.Error(t, err)

	st = testSettings()
	st.Scheme.Ext = ".gif"
	_, err = New(st, Options{})
	assert.Error(t, err)
}
