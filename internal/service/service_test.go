package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/groupguard/groupguard/internal/directory"
	"github.com/groupguard/groupguard/internal/dispatch"
	"github.com/groupguard/groupguard/internal/moderation"
	"github.com/groupguard/groupguard/internal/notify"
	"github.com/groupguard/groupguard/internal/protocol"
	"github.com/groupguard/groupguard/internal/ratelimit"
)

type published struct {
	subject string
	conv    string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) PublishVerdict(conv string, data []byte) error {
	return p.add("verdict", conv, data)
}

func (p *fakePublisher) PublishAlert(conv string, data []byte) error {
	return p.add("alert", conv, data)
}

func (p *fakePublisher) add(subject, conv string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject, conv, data})
	return p.err
}

func (p *fakePublisher) bySubject(subject string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type fakeAuditor struct {
	mu       sync.Mutex
	verdicts []moderation.Verdict
	terms    [][]string
	clears   []moderation.SenderID
}

func (a *fakeAuditor) RecordVerdict(_ context.Context, v moderation.Verdict, terms []string) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verdicts = append(a.verdicts, v)
	a.terms = append(a.terms, terms)
	return uuid.New(), nil
}

func (a *fakeAuditor) RecordClear(_ context.Context, sender moderation.SenderID, _ string) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clears = append(a.clears, sender)
	return uuid.New(), nil
}

// fakeThrottle allows Limit events per key until Reset.
type fakeThrottle struct {
	mu     sync.Mutex
	counts map[string]int
	resets []string
}

func (f *fakeThrottle) Allow(_ context.Context, id string, rule ratelimit.Rule) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[rule.Key+id]++
	return f.counts[rule.Key+id] <= rule.Limit, nil
}

func (f *fakeThrottle) Reset(_ context.Context, id string, rules ...ratelimit.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rules {
		delete(f.counts, r.Key+id)
	}
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeThrottle) ResetAll(_ context.Context, rules ...ratelimit.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.counts {
		for _, r := range rules {
			if strings.HasPrefix(key, r.Key) {
				delete(f.counts, key)
			}
		}
	}
	f.resets = append(f.resets, "*")
	return nil
}

type fakeFeed struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeFeed) Broadcast(data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, data)
	return 1
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type harness struct {
	svc       *Service
	engine    *moderation.Engine
	publisher *fakePublisher
	auditor   *fakeAuditor
	throttle  *fakeThrottle
	feed      *fakeFeed
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts moderation.Options) *harness {
	t.Helper()
	h := &harness{
		engine:    moderation.NewEngine(opts),
		publisher: &fakePublisher{},
		auditor:   &fakeAuditor{},
		throttle:  &fakeThrottle{},
		feed:      &fakeFeed{},
	}
	logger := zap.NewNop()
	h.svc = New(Deps{
		Engine: h.engine,
		Admins: []moderation.SenderID{"A1", "A2"},
		// A2 has no display name and must be skipped in mentions.
		Names:      directory.Static{"A1": "อาร์ม", "U1": "Spammer"},
		Publisher:  h.publisher,
		Auditor:    h.auditor,
		Throttle:   h.throttle,
		Feed:       h.feed,
		Dispatcher: dispatch.New(dispatch.Options{Workers: 2}, logger),
	}, logger)
	t.Cleanup(func() { h.svc.Close(context.Background()) })
	return h
}

func msg(sender, text string, at time.Time) moderation.Message {
	return moderation.Message{Sender: moderation.SenderID(sender), Conversation: "C1", Text: text, SentAt: at}
}

func decodeAlert(t *testing.T, data []byte) protocol.AlertEvent {
	t.Helper()
	var ev protocol.AlertEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestProcess_WarnThenEscalate(t *testing.T) {
	h := newHarness(t, moderation.Options{})
	ctx := context.Background()

	texts := []string{"see https://a.example", "see https://b.example", "see https://c.example"}
	var kinds []moderation.VerdictKind
	for i, text := range texts {
		v := h.svc.Process(ctx, msg("U1", text, t0.Add(time.Duration(i)*time.Minute)), false)
		kinds = append(kinds, v.Kind)
	}
	assert.Equal(t, []moderation.VerdictKind{moderation.VerdictWarn, moderation.VerdictWarn, moderation.VerdictEscalate}, kinds)

	verdicts := h.publisher.bySubject("verdict")
	require.Len(t, verdicts, 3)
	var ev protocol.VerdictEvent
	require.NoError(t, json.Unmarshal(verdicts[0].data, &ev))
	assert.Equal(t, "warn", ev.Verdict)
	assert.Equal(t, []string{"link"}, ev.Reasons)
	assert.Contains(t, ev.Reply, notify.WarningBanner)
	assert.Equal(t, "C1", verdicts[0].conv)

	alerts := h.publisher.bySubject("alert")
	require.Len(t, alerts, 1)
	alert := decodeAlert(t, alerts[0].data)
	assert.Equal(t, protocol.AlertEscalation, alert.Kind)
	assert.Contains(t, alert.Text, "Spammer was escalated after 3 warnings")
	require.Len(t, alert.Mentions, 1, "only the resolved admin is mentioned")
	assert.Equal(t, "A1", alert.Mentions[0].UserID)

	assert.Equal(t, 1, h.feed.count())
	assert.Len(t, h.auditor.verdicts, 3)
	assert.True(t, h.engine.IsFlagged("U1"))
}

func TestProcess_CleanAndPrivilegedProduceNothing(t *testing.T) {
	h := newHarness(t, moderation.Options{Privileged: []moderation.SenderID{"BOT"}})
	ctx := context.Background()

	v := h.svc.Process(ctx, msg("U1", "hello everyone", t0), false)
	assert.Equal(t, moderation.VerdictClean, v.Kind)

	v = h.svc.Process(ctx, msg("BOT", "www.example.com", t0), false)
	assert.Equal(t, moderation.VerdictClean, v.Kind)

	v = h.svc.Process(ctx, msg("ADMIN", "www.example.com", t0), true)
	assert.Equal(t, moderation.VerdictClean, v.Kind)

	assert.Empty(t, h.publisher.msgs)
	assert.Empty(t, h.auditor.verdicts)
	assert.Zero(t, h.engine.WarnCount("ADMIN"))
}

func TestProcess_AuditsMatchedTerms(t *testing.T) {
	h := newHarness(t, moderation.Options{})
	h.svc.Process(context.Background(), msg("U1", "มาเข้าเล่น bit.ly/x", t0), false)

	require.Len(t, h.auditor.terms, 1)
	assert.ElementsMatch(t, []string{"bit.ly", "เข้าเล่น"}, h.auditor.terms[0])
}

func TestProcess_ThrottlesRepeatAlerts(t *testing.T) {
	h := newHarness(t, moderation.Options{MaxWarn: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v := h.svc.Process(ctx, msg("U1", "www.spam.example", t0.Add(time.Duration(i)*time.Minute)), false)
		require.Equal(t, moderation.VerdictEscalate, v.Kind)
	}
	assert.Len(t, h.publisher.bySubject("alert"), 1, "one alert per cooldown")
	assert.Len(t, h.publisher.bySubject("verdict"), 3, "verdicts are never throttled")
}

func TestProcess_PublishFailureDoesNotBlockOtherEffects(t *testing.T) {
	h := newHarness(t, moderation.Options{MaxWarn: 1})
	h.publisher.err = errors.New("nats down")

	v := h.svc.Process(context.Background(), msg("U1", "www.spam.example", t0), false)
	assert.Equal(t, moderation.VerdictEscalate, v.Kind)
	assert.Len(t, h.auditor.verdicts, 1)
	assert.Equal(t, 1, h.feed.count())
}

func TestHandleAdmin_Clear(t *testing.T) {
	h := newHarness(t, moderation.Options{MaxWarn: 1})
	ctx := context.Background()
	h.svc.Process(ctx, msg("U1", "www.spam.example", t0), false)
	require.True(t, h.engine.IsFlagged("U1"))

	require.NoError(t, h.svc.HandleAdmin(ctx, protocol.AdminCommand{Type: protocol.TypeClear, SenderID: "U1", ActorID: "A1"}))
	assert.False(t, h.engine.IsFlagged("U1"))
	assert.Zero(t, h.engine.WarnCount("U1"))
	assert.Equal(t, []string{"U1"}, h.throttle.resets)
	assert.Equal(t, []moderation.SenderID{"U1"}, h.auditor.clears)

	// Cleared sender is alerted about again on the next escalation.
	h.svc.Process(ctx, msg("U1", "www.other.example", t0.Add(time.Hour)), false)
	assert.Len(t, h.publisher.bySubject("alert"), 2)
}

func TestHandleAdmin_ClearAllAndErrors(t *testing.T) {
	h := newHarness(t, moderation.Options{})
	ctx := context.Background()
	h.svc.Process(ctx, msg("U1", "www.a.example", t0), false)
	h.svc.Process(ctx, msg("U2", "www.b.example", t0), false)

	require.NoError(t, h.svc.HandleAdmin(ctx, protocol.AdminCommand{Type: protocol.TypeClearAll}))
	assert.Zero(t, h.engine.WarnCount("U1"))
	assert.Zero(t, h.engine.WarnCount("U2"))
	assert.Equal(t, []moderation.SenderID{""}, h.auditor.clears)
	assert.Equal(t, []string{"*"}, h.throttle.resets)

	assert.ErrorIs(t, h.svc.HandleAdmin(ctx, protocol.AdminCommand{Type: protocol.TypeClear}), protocol.ErrMissingField)
	assert.ErrorIs(t, h.svc.HandleAdmin(ctx, protocol.AdminCommand{Type: "ban"}), ErrUnknownCommand)
}

func TestHandleAdmin_ClearAllLiftsAlertThrottle(t *testing.T) {
	h := newHarness(t, moderation.Options{MaxWarn: 1})
	ctx := context.Background()
	h.svc.Process(ctx, msg("U1", "www.spam.example", t0), false)
	h.svc.Process(ctx, msg("U2", "www.spam.example", t0), false)
	require.Len(t, h.publisher.bySubject("alert"), 2)

	require.NoError(t, h.svc.HandleAdmin(ctx, protocol.AdminCommand{Type: protocol.TypeClearAll, ActorID: "A1"}))

	h.svc.Process(ctx, msg("U1", "www.again.example", t0.Add(time.Hour)), false)
	h.svc.Process(ctx, msg("U2", "www.again.example", t0.Add(time.Hour)), false)
	assert.Len(t, h.publisher.bySubject("alert"), 4)
}

func TestHandleJoin(t *testing.T) {
	h := newHarness(t, moderation.Options{MaxWarn: 1})
	ctx := context.Background()

	assert.False(t, h.svc.HandleJoin(ctx, protocol.JoinEvent{SenderID: "U1", ConversationID: "C2"}))

	h.svc.Process(ctx, msg("U1", "www.spam.example", t0), false)
	assert.True(t, h.svc.HandleJoin(ctx, protocol.JoinEvent{SenderID: "U1", ConversationID: "C2"}))

	alerts := h.publisher.bySubject("alert")
	require.Len(t, alerts, 2)
	rejoin := decodeAlert(t, alerts[1].data)
	assert.Equal(t, protocol.AlertRejoin, rejoin.Kind)
	assert.Equal(t, "C2", alerts[1].conv)
	assert.Contains(t, rejoin.Text, "previously flagged")
}

func TestHandleInbound_QueuesInOrder(t *testing.T) {
	h := newHarness(t, moderation.Options{})

	h.svc.HandleInbound([]byte(`{"type":"message","sender_id":"U1","conversation_id":"C1","text":"www.1.example","ts":1}`))
	h.svc.HandleInbound([]byte(`{"type":"message","sender_id":"U1","conversation_id":"C1","text":"www.2.example","ts":2}`))
	h.svc.HandleInbound([]byte(`{"type":"message","sender_id":"U1","conversation_id":"C1","text":"www.3.example","ts":3}`))
	h.svc.HandleInbound([]byte(`not json`))
	h.svc.HandleInbound([]byte(`{"type":"clear_all"}`))
	require.NoError(t, h.svc.Close(context.Background()))

	verdicts := h.publisher.bySubject("verdict")
	require.Len(t, verdicts, 3)
	for i, p := range verdicts {
		var ev protocol.VerdictEvent
		require.NoError(t, json.Unmarshal(p.data, &ev))
		assert.Equal(t, uint32(i+1), ev.WarnCount)
	}
	assert.True(t, h.engine.IsFlagged("U1"))
}

func TestHandleAdminPayload(t *testing.T) {
	h := newHarness(t, moderation.Options{})
	h.svc.Process(context.Background(), msg("U1", "www.a.example", t0), false)

	h.svc.HandleAdminPayload([]byte(`{"type":"message","sender_id":"U1","conversation_id":"C1"}`))
	assert.Equal(t, uint32(1), h.engine.WarnCount("U1"), "non-admin types are ignored")

	h.svc.HandleAdminPayload([]byte(`{"type":"clear","sender_id":"U1"}`))
	assert.Zero(t, h.engine.WarnCount("U1"))
}

func TestRoutes_Health(t *testing.T) {
	h := newHarness(t, moderation.Options{})
	h.svc.Process(context.Background(), msg("U1", "www.a.example", t0), false)

	rec := httptest.NewRecorder()
	h.svc.Routes(nil, time.Now()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status        string `json:"status"`
		WarnedSenders int    `json:"warned_senders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.WarnedSenders)
}

func TestFlaggedSnapshot(t *testing.T) {
	h := newHarness(t, moderation.Options{MaxWarn: 1})
	h.svc.Process(context.Background(), msg("U1", "www.a.example", t0), false)

	data, err := FlaggedSnapshot(h.engine)()
	require.NoError(t, err)
	var snap protocol.FlaggedMsg
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Senders, 1)
	assert.Equal(t, "U1", snap.Senders[0].SenderID)
	assert.Equal(t, t0.UnixMilli(), snap.Senders[0].FlaggedAt)
}
