package moderation

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(opts Options) *Engine {
	if opts.Keywords == nil {
		opts.Keywords = []string{"bit.ly", "casino"}
	}
	return NewEngine(opts)
}

func msgAt(sender SenderID, text string, at time.Time) Message {
	return Message{Sender: sender, Conversation: "group-1", Text: text, SentAt: at}
}

func TestEngine_CleanMessageLeavesNoWarning(t *testing.T) {
	e := newTestEngine(Options{})

	v := e.HandleMessage(msgAt("s", "good morning", t0), false)
	assert.Equal(t, VerdictClean, v.Kind)
	assert.True(t, v.Reasons.Empty())
	assert.Equal(t, uint32(0), v.WarnCount)
	assert.Equal(t, uint32(0), e.WarnCount("s"))
	assert.Equal(t, ConversationID("group-1"), v.Conversation)
}

func TestEngine_ThresholdScenario(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 3})

	texts := []string{"bit.ly/x", "bit.ly/y", "bit.ly/z"}
	wantKinds := []VerdictKind{VerdictWarn, VerdictWarn, VerdictEscalate}

	for i, text := range texts {
		v := e.HandleMessage(msgAt("S", text, t0.Add(time.Duration(i)*time.Minute)), false)
		assert.Equal(t, wantKinds[i], v.Kind, "message %d", i+1)
		assert.Equal(t, uint32(i+1), v.WarnCount, "message %d", i+1)
		assert.Equal(t, []Reason{ReasonBannedKeyword}, v.Reasons.List())
		if i < 2 {
			assert.False(t, e.IsFlagged("S"), "flagged too early after message %d", i+1)
		}
	}
	assert.True(t, e.IsFlagged("S"))

	// Past the threshold every further spam message stays escalated.
	v := e.HandleMessage(msgAt("S", "casino", t0.Add(time.Hour)), false)
	assert.Equal(t, VerdictEscalate, v.Kind)
	assert.Equal(t, uint32(4), v.WarnCount)
}

func TestEngine_ResetAfterEscalation(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 3})
	for i := 0; i < 3; i++ {
		e.HandleMessage(msgAt("S", fmt.Sprintf("bit.ly/%d", i), t0.Add(time.Duration(i)*time.Minute)), false)
	}
	require.True(t, e.IsFlagged("S"))

	e.ClearSender("S")
	assert.False(t, e.IsFlagged("S"))
	assert.Equal(t, uint32(0), e.WarnCount("S"))

	v := e.HandleMessage(msgAt("S", "bit.ly/again", t0.Add(time.Hour)), false)
	assert.Equal(t, VerdictWarn, v.Kind)
	assert.Equal(t, uint32(1), v.WarnCount)
}

func TestEngine_CleanMessagesDoNotAffectCount(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 5})

	seq := []struct {
		text  string
		count uint32
	}{
		{"hello", 0},
		{"casino night", 1},
		{"how is everyone", 1},
		{"www.example.com", 2},
		{"bye", 2},
	}
	for i, s := range seq {
		e.HandleMessage(msgAt("s", s.text, t0.Add(time.Duration(i)*time.Minute)), false)
		assert.Equal(t, s.count, e.WarnCount("s"), "after %q", s.text)
	}
}

func TestEngine_RepeatedMessages(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 10, RepeatWindow: 7 * time.Second})

	v1 := e.HandleMessage(msgAt("s", "hey", t0), false)
	v2 := e.HandleMessage(msgAt("s", "hey", t0.Add(3*time.Second)), false)
	v3 := e.HandleMessage(msgAt("s", "hey", t0.Add(6*time.Second)), false)
	v4 := e.HandleMessage(msgAt("s", "hey", t0.Add(20*time.Second)), false)

	assert.Equal(t, VerdictClean, v1.Kind)
	assert.Equal(t, VerdictWarn, v2.Kind)
	assert.Equal(t, []Reason{ReasonRepeatedMessage}, v2.Reasons.List())
	assert.Equal(t, VerdictWarn, v3.Kind)
	assert.Equal(t, uint32(2), v3.WarnCount)
	assert.Equal(t, VerdictClean, v4.Kind, "outside the window")
}

func TestEngine_SpamBecomesLastMessage(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 10})

	e.HandleMessage(msgAt("s", "casino", t0), false)
	v := e.HandleMessage(msgAt("s", "casino", t0.Add(time.Second)), false)

	assert.Equal(t, []Reason{ReasonBannedKeyword, ReasonRepeatedMessage}, v.Reasons.List())
	assert.Equal(t, uint32(2), v.WarnCount)
}

func TestEngine_PrivilegedSenders(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 1, Privileged: []SenderID{"admin"}})

	inputs := []string{"casino", "https://evil.com", "casino", "casino"}
	for i, text := range inputs {
		v := e.HandleMessage(msgAt("admin", text, t0.Add(time.Duration(i)*time.Second)), false)
		assert.Equal(t, VerdictClean, v.Kind, "configured privileged sender, %q", text)

		v = e.HandleMessage(msgAt("owner", text, t0.Add(time.Duration(i)*time.Second)), true)
		assert.Equal(t, VerdictClean, v.Kind, "caller-marked privileged sender, %q", text)
	}

	assert.Equal(t, uint32(0), e.WarnCount("admin"))
	assert.Equal(t, uint32(0), e.WarnCount("owner"))
	assert.False(t, e.IsFlagged("admin"))
	assert.False(t, e.IsFlagged("owner"))
	assert.Equal(t, Stats{}, e.Stats(), "privileged traffic must not touch any store")
	assert.True(t, e.IsPrivileged("admin"))
	assert.False(t, e.IsPrivileged("owner"))
}

// Under the immediate policy the first link or keyword escalates.
func TestEngine_ImmediatePolicy(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 3, Policy: PolicyImmediate})
	assert.Equal(t, PolicyImmediate, e.Policy())

	v := e.HandleMessage(msgAt("a", "https://spam.example", t0), false)
	assert.Equal(t, VerdictEscalate, v.Kind)
	assert.Equal(t, uint32(1), v.WarnCount)
	assert.True(t, e.IsFlagged("a"))

	v = e.HandleMessage(msgAt("b", "casino", t0), false)
	assert.Equal(t, VerdictEscalate, v.Kind)

	// Repeats alone still follow the threshold.
	e.HandleMessage(msgAt("c", "hello", t0), false)
	v = e.HandleMessage(msgAt("c", "hello", t0.Add(time.Second)), false)
	assert.Equal(t, VerdictWarn, v.Kind)
	assert.False(t, e.IsFlagged("c"))
}

func TestEngine_ThresholdPolicyNeverEscalatesEarly(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 3})
	assert.Equal(t, PolicyThreshold, e.Policy())

	v := e.HandleMessage(msgAt("a", "https://spam.example casino", t0), false)
	assert.Equal(t, VerdictWarn, v.Kind)
	assert.False(t, e.IsFlagged("a"))
}

func TestEngine_StateIsGlobalAcrossConversations(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 2})

	e.HandleMessage(Message{Sender: "s", Conversation: "g1", Text: "casino", SentAt: t0}, false)
	v := e.HandleMessage(Message{Sender: "s", Conversation: "g2", Text: "bit.ly/a", SentAt: t0.Add(time.Minute)}, false)

	assert.Equal(t, VerdictEscalate, v.Kind)
	assert.Equal(t, ConversationID("g2"), v.Conversation)

	at, ok := e.CheckRejoin("s")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), at)
}

func TestEngine_ZeroTimestampUsesClock(t *testing.T) {
	now := t0.Add(42 * time.Second)
	e := newTestEngine(Options{Now: func() time.Time { return now }})

	v := e.HandleMessage(Message{Sender: "s", Text: "hi"}, false)
	assert.Equal(t, now, v.At)
}

func TestEngine_ClearAll(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 1})
	e.HandleMessage(msgAt("a", "casino", t0), false)
	e.HandleMessage(msgAt("b", "casino", t0), false)
	require.Len(t, e.Flagged(), 2)

	e.ClearAll()
	assert.Empty(t, e.Flagged())
	assert.Equal(t, uint32(0), e.WarnCount("a"))
	_, ok := e.CheckRejoin("b")
	assert.False(t, ok)
}

func TestEngine_ConcurrentSameSender(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 1000})
	const n = 200

	var wg sync.WaitGroup
	counts := make(chan uint32, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := e.HandleMessage(msgAt("s", fmt.Sprintf("casino %d", i), t0), false)
			counts <- v.WarnCount
		}(i)
	}
	wg.Wait()
	close(counts)

	got := make([]int, 0, n)
	for c := range counts {
		got = append(got, int(c))
	}
	sort.Ints(got)
	for i, c := range got {
		require.Equal(t, i+1, c)
	}
}

func TestEngine_ConcurrentDistinctSenders(t *testing.T) {
	e := newTestEngine(Options{MaxWarn: 3})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := SenderID(fmt.Sprintf("user-%d", i))
			for j := 0; j < 3; j++ {
				e.HandleMessage(msgAt(s, fmt.Sprintf("bit.ly/%d", j), t0.Add(time.Duration(j)*time.Minute)), false)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, e.Stats().FlaggedSenders)
	assert.Equal(t, uint32(3), e.WarnCount("user-7"))
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyThreshold, false},
		{"threshold", PolicyThreshold, false},
		{" Immediate ", PolicyImmediate, false},
		{"instant", PolicyThreshold, true},
	}
	for _, c := range cases {
		got, err := ParsePolicy(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}
