package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-session/internal/auth"
	"github.com/lexiqai/voice-session/internal/codec/codectest"
	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/memory"
	"github.com/lexiqai/voice-session/internal/orchestrator"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/stt"
	"github.com/lexiqai/voice-session/internal/voiceerr"
)

const waitTimeout = 5 * time.Second

// fakeTranscriber finalizes each turn that received audio with the next scripted transcript.
type fakeTranscriber struct {
	mu       sync.Mutex
	events   chan<- stt.Event
	script   []string
	late     string // interim result delivered after the flush acknowledgement
	heard    int
	connects int
}

func (f *fakeTranscriber) Connect(_ context.Context, events chan<- stt.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
	f.connects++
	return nil
}

func (f *fakeTranscriber) Send(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := f.heard == 0
	f.heard += len(pcm)
	if first && len(f.script) > 0 {
		f.events <- stt.Event{Text: f.script[0]}
	}
	return nil
}

func (f *fakeTranscriber) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heard > 0 && len(f.script) > 0 {
		f.events <- stt.Event{Text: f.script[0], IsFinal: true}
		f.script = f.script[1:]
	}
	f.heard = 0
	f.events <- stt.Event{Flushed: true}
	if f.late != "" {
		f.events <- stt.Event{Text: f.late}
	}
	return nil
}

func (f *fakeTranscriber) Close() error { return nil }

func (f *fakeTranscriber) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// fakeGenerator streams each reply as the given deltas.
type fakeGenerator struct {
	mu       sync.Mutex
	replies  [][]string
	requests []orchestrator.Request
}

func (g *fakeGenerator) Stream(ctx context.Context, req orchestrator.Request, onDelta func(string) error) error {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	deltas := g.replies[0]
	if len(g.replies) > 1 {
		g.replies = g.replies[1:]
	}
	g.mu.Unlock()

	for _, d := range deltas {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

func (g *fakeGenerator) calls() []orchestrator.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]orchestrator.Request(nil), g.requests...)
}

// fakeSynth returns samples of PCM for every chunk; texts in block never finish.
type fakeSynth struct {
	samples int
	block   map[string]bool

	mu     sync.Mutex
	active int
	peak   int
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, _ string, onAudio func([]byte) error) error {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.block[text] {
		<-ctx.Done()
		return ctx.Err()
	}
	time.Sleep(5 * time.Millisecond)
	return onAudio(make([]byte, f.samples*2))
}

func (f *fakeSynth) peakActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// fakeGate reports the services in down as unreachable.
type fakeGate struct{ down map[string]bool }

func (g *fakeGate) Reachable(_ context.Context, service string) bool { return !g.down[service] }
func (g *fakeGate) MarkUnreachable(string, error)                    {}

func testConfig() *config.Config {
	return &config.Config{
		InputSampleRate:            16000,
		OutputSampleRate:           16000,
		OutputFrameBytes:           3200,
		PlaybackRealtime:           false,
		SilenceThresholdMs:         150,
		MaxUtteranceMs:             10000,
		SilenceCheckIntervalMs:     10,
		FinalizeTimeoutMs:          1000,
		FinalizeSettleMs:           50,
		FirstTokenTimeoutMs:        2000,
		GenerationMaxRetries:       1,
		MinChunkChars:              3,
		HistoryTurns:               5,
		DefaultSystemPrompt:        "Be brief.",
		SynthesisConcurrency:       2,
		SynthesisFailurePolicy:     "skip",
		SynthesisMaxRetries:        1,
		SynthesisTimeoutMs:         3000,
		InterruptionPolicy:         "graceful",
		BargeInEnergyThreshold:     900,
		BargeInFrames:              3,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryInitialBackoff:        10,
		ReconnectMaxAttempts:       2,
		ReconnectBackoff:           10,
	}
}

type harness struct {
	t      *testing.T
	cfg    *config.Config
	server *Server
	http   *httptest.Server
	store  *memory.InMemoryStore
	stt    *fakeTranscriber
	gen    *fakeGenerator
	synth  *fakeSynth
	gate   *fakeGate
	auth   *auth.Authenticator
}

func newHarness(t *testing.T, cfg *config.Config, transcripts []string, replies ...[]string) *harness {
	t.Helper()

	store := memory.NewInMemoryStore()
	store.PutSession(memory.SessionRecord{ID: "s1", UserID: "u1", PersonaID: "p1"})
	store.PutSession(memory.SessionRecord{ID: "s2", UserID: "u2"})
	store.PutPersona(memory.Persona{ID: "p1", Name: "Ada", SystemPrompt: "You are Ada.", VoiceID: "ada"})

	return &harness{
		t:     t,
		cfg:   cfg,
		store: store,
		stt:   &fakeTranscriber{script: transcripts},
		gen:   &fakeGenerator{replies: replies},
		synth: &fakeSynth{samples: 1600, block: map[string]bool{}},
		gate:  &fakeGate{down: map[string]bool{}},
		auth:  auth.NewAuthenticator(cfg.AuthJWTSecret),
	}
}

// start serves the stream endpoint. Fakes must be configured before it runs.
func (h *harness) start() {
	if h.http != nil {
		return
	}
	h.server = NewServer(&Deps{
		Config:        h.cfg,
		Store:         h.store,
		Auth:          h.auth,
		Health:        h.gate,
		Transcriber:   func() stt.Backend { return h.stt },
		Generator:     h.gen,
		Synthesizer:   h.synth,
		SynthesisRate: 16000,
		Decoders:      codectest.Factory,
		Logger:        zerolog.Nop(),
	})

	r := chi.NewRouter()
	h.server.Routes(r)
	h.http = httptest.NewServer(r)

	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.server.Shutdown(ctx)
		h.http.Close()
	})
}

func (h *harness) streamURL(sessionID, query string) string {
	h.start()
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/v1/sessions/" + sessionID + "/stream?" + query
}

type received struct {
	binary bool
	data   []byte
	event  any
}

type client struct {
	t      *testing.T
	conn   *websocket.Conn
	ogg    codectest.Stream
	header bool
	msgs   chan received

	mu  sync.Mutex
	log []received
}

func (h *harness) connect(t *testing.T) *client {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.streamURL("s1", "user_id=u1"), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	c := &client{t: t, conn: conn, msgs: make(chan received, 4096)}
	go c.read()
	t.Cleanup(c.close)

	ready := c.waitFor("session_ready", func(m received) bool {
		_, ok := m.event.(*protocol.SessionReady)
		return ok
	})
	assert.Equal(t, "s1", ready.event.(*protocol.SessionReady).SessionID)
	return c
}

func (c *client) read() {
	defer close(c.msgs)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		m := received{binary: msgType == websocket.BinaryMessage, data: data}
		if !m.binary {
			ev, err := protocol.ParseEvent(data)
			if err != nil {
				continue
			}
			m.event = ev
		}
		c.mu.Lock()
		c.log = append(c.log, m)
		c.mu.Unlock()
		c.msgs <- m
	}
}

func (c *client) close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}

func (c *client) history() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.log...)
}

func (c *client) waitFor(what string, match func(received) bool) received {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				c.t.Fatalf("channel closed while waiting for %s", what)
			}
			if match(m) {
				return m
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (c *client) waitState(state State, turn uint64) {
	c.t.Helper()
	c.waitFor(string(state), func(m received) bool {
		ev, ok := m.event.(*protocol.State)
		return ok && ev.State == string(state) && ev.Turn == turn
	})
}

// quiet asserts nothing matching arrives within d.
func (c *client) quiet(d time.Duration, match func(received) bool) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				return
			}
			if match(m) {
				c.t.Fatalf("unexpected message %T", m.event)
			}
		case <-deadline:
			return
		}
	}
}

func (c *client) send(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, data))
}

// speak sends one Ogg page of 20ms packets, preceded by the stream header the first time.
func (c *client) speak(packets int, value int16) {
	c.t.Helper()
	var data []byte
	if !c.header {
		c.header = true
		data = c.ogg.Header(1)
	}
	pkts := make([][]byte, packets)
	for i := range pkts {
		pkts[i] = codectest.Packet(320, value)
	}
	c.send(append(data, c.ogg.Page(pkts...)...))
}

func eventsOf[T any](log []received) []*T {
	var out []*T
	for _, m := range log {
		if ev, ok := m.event.(*T); ok {
			out = append(out, ev)
		}
	}
	return out
}

// assertFraming checks that audio only flows inside a synthesis_start /
// synthesis_complete pair and that chunk ordinals never go backwards.
func assertFraming(t *testing.T, log []received) {
	t.Helper()
	open := -1
	last := -1
	for _, m := range log {
		switch ev := m.event.(type) {
		case *protocol.SynthesisStart:
			require.Equal(t, -1, open, "synthesis_start inside another chunk")
			require.Greater(t, ev.Index, last, "chunk ordinals went backwards")
			open = ev.Index
		case *protocol.SynthesisComplete:
			require.Equal(t, open, ev.Index)
			last = open
			open = -1
		}
		if m.binary {
			require.NotEqual(t, -1, open, "audio outside a chunk")
		}
	}
}

func TestSession_SilenceFinalizesOnce(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"hello"}, []string{"Hi there."})
	h.stt.late = "hello again"
	c := h.connect(t)

	// The stream header alone opens a turn with nothing to transcribe.
	c.send(c.ogg.Header(1))
	c.header = true
	c.waitState(StateIdle, 1)
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < 3; i++ {
		c.speak(2, 200)
		time.Sleep(20 * time.Millisecond)
	}

	final := c.waitFor("final_transcript", func(m received) bool {
		_, ok := m.event.(*protocol.FinalTranscript)
		return ok
	})
	assert.Equal(t, "hello", final.event.(*protocol.FinalTranscript).Text)
	c.waitState(StateIdle, 2)
	c.quiet(300*time.Millisecond, func(m received) bool {
		_, partial := m.event.(*protocol.PartialTranscript)
		_, final := m.event.(*protocol.FinalTranscript)
		return partial || final
	})

	log := c.history()
	finals := eventsOf[protocol.FinalTranscript](log)
	require.Len(t, finals, 1)

	// Partials stop at finalize.
	sawFinal := false
	for _, m := range log {
		switch ev := m.event.(type) {
		case *protocol.FinalTranscript:
			sawFinal = true
		case *protocol.PartialTranscript:
			assert.False(t, sawFinal, "partial %q after final", ev.Text)
			assert.Equal(t, "hello", ev.Text)
		}
	}
}

func TestSession_ReplyStreamsInOrder(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"how are you"},
		[]string{"Hi", "! H", "ow can", " I help", " you", " today?"})
	c := h.connect(t)

	c.speak(3, 200)
	c.waitState(StateIdle, 1)

	log := c.history()
	chunks := eventsOf[protocol.ResponseChunk](log)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hi!", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "How can I help you today?", chunks[1].Text)
	assert.Equal(t, 1, chunks[1].Index)

	complete := eventsOf[protocol.ResponseComplete](log)
	require.Len(t, complete, 1)
	assert.Equal(t, "Hi! How can I help you today?", complete[0].Text)

	starts := eventsOf[protocol.SynthesisStart](log)
	require.Len(t, starts, 2)
	for _, done := range eventsOf[protocol.SynthesisComplete](log) {
		assert.InDelta(t, 0.1, done.Duration, 0.001)
		assert.False(t, done.Interrupted)
	}
	assertFraming(t, log)

	var states []string
	for _, st := range eventsOf[protocol.State](log) {
		states = append(states, st.State)
	}
	assert.Equal(t, []string{"listening", "finalizing", "generating", "speaking", "idle"}, states)

	reqs := h.gen.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, "You are Ada.", reqs[0].SystemPrompt)
	assert.Equal(t, "how are you", reqs[0].Transcript)
}

func TestSession_SynthesisUnreachable(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"hello"}, []string{"Hi! How can I help you today?"})
	h.gate.down[voiceerr.ServiceSynthesis] = true
	c := h.connect(t)

	c.speak(3, 200)
	c.waitState(StateIdle, 1)

	log := c.history()
	assert.Len(t, eventsOf[protocol.ResponseComplete](log), 1)
	assert.Empty(t, eventsOf[protocol.SynthesisStart](log))
	for _, m := range log {
		assert.False(t, m.binary, "no audio expected")
	}

	errs := eventsOf[protocol.ServiceError](log)
	require.Len(t, errs, 1)
	assert.Equal(t, "synthesis", errs[0].Service)
	assert.Equal(t, protocol.SeverityWarning, errs[0].Severity)
}

func TestSession_GenerationUnreachable(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"hello"}, []string{"Hi there."})
	h.gate.down[voiceerr.ServiceGeneration] = true
	c := h.connect(t)

	c.speak(3, 200)
	c.waitState(StateIdle, 1)

	log := c.history()
	assert.Empty(t, h.gen.calls(), "no request is sent to an unreachable backend")
	assert.Len(t, eventsOf[protocol.FinalTranscript](log), 1)
	assert.Empty(t, eventsOf[protocol.ResponseChunk](log))
	assert.Empty(t, eventsOf[protocol.ResponseComplete](log))

	errs := eventsOf[protocol.ServiceError](log)
	require.Len(t, errs, 1)
	assert.Equal(t, voiceerr.ServiceGeneration, errs[0].Service)
	assert.Equal(t, protocol.SeverityError, errs[0].Severity)

	var states []string
	for _, st := range eventsOf[protocol.State](log) {
		states = append(states, st.State)
	}
	assert.Equal(t, []string{"listening", "finalizing", "generating", "idle"}, states)
}

func TestSession_TranscriptionUnreachable(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"hello"}, []string{"Hi there."})
	h.gate.down[voiceerr.ServiceTranscription] = true
	c := h.connect(t)

	c.speak(3, 200)
	c.waitState(StateIdle, 1)
	require.Eventually(t, func() bool {
		return len(eventsOf[protocol.ServiceError](c.history())) > 0
	}, waitTimeout, 10*time.Millisecond)

	log := c.history()
	errs := eventsOf[protocol.ServiceError](log)
	require.Len(t, errs, 1)
	assert.Equal(t, voiceerr.ServiceTranscription, errs[0].Service)
	assert.Equal(t, protocol.SeverityError, errs[0].Severity)
	assert.Empty(t, eventsOf[protocol.PartialTranscript](log))
	assert.Empty(t, eventsOf[protocol.FinalTranscript](log))
	assert.Empty(t, h.gen.calls())

	h.stt.mu.Lock()
	heard := h.stt.heard
	h.stt.mu.Unlock()
	assert.Zero(t, heard, "no audio is sent to an unreachable backend")
}

func TestSession_CorruptFragmentIsDropped(t *testing.T) {
	h := newHarness(t, testConfig(), []string{"hello"}, []string{"Hi."})
	c := h.connect(t)

	c.speak(2, 200)
	c.send(c.ogg.Page(codectest.Corrupt()))
	c.speak(2, 200)
	c.speak(2, 200)

	final := c.waitFor("final_transcript", func(m received) bool {
		_, ok := m.event.(*protocol.FinalTranscript)
		return ok
	})
	assert.Equal(t, "hello", final.event.(*protocol.FinalTranscript).Text)
	c.waitState(StateIdle, 1)

	errs := eventsOf[protocol.ServiceError](c.history())
	require.Len(t, errs, 1)
	assert.Equal(t, "audio", errs[0].Service)
	assert.Equal(t, protocol.SeverityWarning, errs[0].Severity)
	assert.Len(t, eventsOf[protocol.ResponseComplete](c.history()), 1)
}

func TestSession_ConsecutiveTurns(t *testing.T) {
	const turns = 5
	transcripts := make([]string, turns)
	for i := range transcripts {
		transcripts[i] = "question " + string(rune('a'+i))
	}
	h := newHarness(t, testConfig(), transcripts,
		[]string{"First answer. Second one here. Third one too. And a fourth."})
	c := h.connect(t)

	for turn := uint64(1); turn <= turns; turn++ {
		c.speak(3, 200)
		c.waitState(StateIdle, turn)
	}

	log := c.history()
	assert.Len(t, eventsOf[protocol.SessionReady](log), 1)
	assert.Len(t, eventsOf[protocol.FinalTranscript](log), turns)
	assert.Len(t, eventsOf[protocol.ResponseComplete](log), turns)
	assert.Len(t, eventsOf[protocol.SynthesisStart](log), turns*4)
	assert.Equal(t, 1, h.stt.connections(), "transcription connection is reused across turns")
	assert.LessOrEqual(t, h.synth.peakActive(), 2)

	reqs := h.gen.calls()
	require.Len(t, reqs, turns)
	assert.Empty(t, reqs[0].History)
	require.Len(t, reqs[4].History, 8)
	assert.Equal(t, memory.RoleUser, reqs[4].History[0].Role)
	assert.Equal(t, "question a", reqs[4].History[0].Content)
	assert.Equal(t, memory.RoleAssistant, reqs[4].History[1].Role)

	msgs, err := h.store.RecentMessages(context.Background(), "u1", 100)
	require.NoError(t, err)
	assert.Len(t, msgs, turns*2)
}

func TestSession_InterruptionPolicies(t *testing.T) {
	tests := []struct {
		policy      InterruptionPolicy
		played      []int
		interrupted bool
	}{
		{policy: PolicyImmediate, played: []int{0}, interrupted: true},
		{policy: PolicyGraceful, played: []int{0}},
		{policy: PolicyDrain, played: []int{0, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			cfg := testConfig()
			cfg.InterruptionPolicy = string(tt.policy)
			cfg.PlaybackRealtime = true
			cfg.PlaybackLeadMs = 0
			cfg.SynthesisConcurrency = 3

			h := newHarness(t, cfg, []string{"tell me a story"},
				[]string{"One. Two. Three. Four."})
			h.synth.samples = 8000 // 500ms per chunk
			h.synth.block["Four."] = true
			c := h.connect(t)

			c.speak(3, 200)
			c.waitFor("synthesis_start", func(m received) bool {
				ev, ok := m.event.(*protocol.SynthesisStart)
				return ok && ev.Index == 0
			})
			time.Sleep(200 * time.Millisecond)
			c.speak(4, 8000)

			c.waitState(StateInterrupted, 1)
			c.waitState(StateListening, 2)
			last := tt.played[len(tt.played)-1]
			c.waitFor("last synthesis_complete", func(m received) bool {
				ev, ok := m.event.(*protocol.SynthesisComplete)
				return ok && ev.Index == last
			})
			c.quiet(700*time.Millisecond, func(m received) bool {
				_, ok := m.event.(*protocol.SynthesisStart)
				return ok
			})

			log := c.history()
			assertFraming(t, log)

			var played []int
			for _, ev := range eventsOf[protocol.SynthesisStart](log) {
				played = append(played, ev.Index)
			}
			assert.Equal(t, tt.played, played)

			done := eventsOf[protocol.SynthesisComplete](log)
			require.Len(t, done, len(tt.played))
			assert.Equal(t, tt.interrupted, done[0].Interrupted)
			if tt.interrupted {
				assert.Less(t, done[0].Duration, 0.5)
			} else {
				for _, d := range done {
					assert.InDelta(t, 0.5, d.Duration, 0.001)
				}
			}
		})
	}
}

func TestSession_HistoryAfterInterruption(t *testing.T) {
	cfg := testConfig()
	cfg.InterruptionPolicy = string(PolicyGraceful)
	cfg.PlaybackRealtime = true
	cfg.PlaybackLeadMs = 0
	cfg.SynthesisConcurrency = 3

	h := newHarness(t, cfg, []string{"tell me a story", "stop"},
		[]string{"One. Two. Three. Four."}, []string{"Okay."})
	h.synth.samples = 8000 // 500ms per chunk
	h.synth.block["Four."] = true
	c := h.connect(t)

	c.speak(3, 200)
	c.waitFor("synthesis_start", func(m received) bool {
		ev, ok := m.event.(*protocol.SynthesisStart)
		return ok && ev.Index == 0
	})
	time.Sleep(200 * time.Millisecond)
	c.speak(4, 8000)

	c.waitState(StateInterrupted, 1)
	c.waitState(StateIdle, 2)

	reqs := h.gen.calls()
	require.Len(t, reqs, 2)
	assert.Equal(t, "stop", reqs[1].Transcript)
	assert.Equal(t, []orchestrator.Message{
		{Role: memory.RoleUser, Content: "tell me a story"},
		{Role: memory.RoleAssistant, Content: "One."},
	}, reqs[1].History)

	msgs, err := h.store.RecentMessages(context.Background(), "u1", 100)
	require.NoError(t, err)
	var stored []string
	for _, m := range msgs {
		stored = append(stored, m.Role+": "+m.Content)
	}
	assert.Equal(t, []string{
		"user: tell me a story",
		"assistant: One.",
		"user: stop",
		"assistant: Okay.",
	}, stored)
}
