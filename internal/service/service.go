// Package service connects the moderation engine to the outside world. It
// consumes inbound messages, join events and admin commands, runs each
// message through the engine in per-sender order, and fans the outcome out:
// verdict events for the chat gateway, an audit row, and for escalations an
// admin alert on NATS and on the live feed.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groupguard/groupguard/internal/dispatch"
	"github.com/groupguard/groupguard/internal/metrics"
	"github.com/groupguard/groupguard/internal/moderation"
	"github.com/groupguard/groupguard/internal/notify"
	"github.com/groupguard/groupguard/internal/protocol"
	"github.com/groupguard/groupguard/internal/ratelimit"
)

// Publisher sends encoded events to the chat gateways.
type Publisher interface {
	PublishVerdict(conversationID string, data []byte) error
	PublishAlert(conversationID string, data []byte) error
}

// Subscriber delivers raw inbound payloads.
type Subscriber interface {
	SubscribeMessages(handler func(data []byte)) error
	SubscribeJoins(handler func(data []byte)) error
	SubscribeAdmin(handler func(data []byte)) error
}

// Auditor records moderation history.
type Auditor interface {
	RecordVerdict(ctx context.Context, v moderation.Verdict, terms []string) (uuid.UUID, error)
	RecordClear(ctx context.Context, sender moderation.SenderID, actor string) (uuid.UUID, error)
}

// Throttle limits how often admins hear about the same sender.
type Throttle interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Reset(ctx context.Context, identifier string, rules ...ratelimit.Rule) error
	ResetAll(ctx context.Context, rules ...ratelimit.Rule) error
}

// Broadcaster pushes alerts to connected admin dashboards.
type Broadcaster interface {
	Broadcast(data []byte) int
}

// Deps are the collaborators of a Service. Engine, Names and Publisher are
// required; Auditor, Throttle and Feed may be nil.
type Deps struct {
	Engine     *moderation.Engine
	Admins     []moderation.SenderID
	Names      notify.NameLookup
	Publisher  Publisher
	Auditor    Auditor
	Throttle   Throttle
	Feed       Broadcaster
	Dispatcher *dispatch.Dispatcher

	AlertCooldown time.Duration
	// SideEffectTimeout bounds each Redis, Postgres or name lookup call.
	SideEffectTimeout time.Duration
}

// Service is the moderation pipeline.
type Service struct {
	engine     *moderation.Engine
	admins     []moderation.SenderID
	names      notify.NameLookup
	publisher  Publisher
	auditor    Auditor
	throttle   Throttle
	feed       Broadcaster
	dispatcher *dispatch.Dispatcher

	alertRule   ratelimit.Rule
	rejoinRule  ratelimit.Rule
	sideTimeout time.Duration
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Service. The admin roster is copied; later changes to
// deps.Admins are not observed.
func New(deps Deps, logger *zap.Logger) *Service {
	if deps.SideEffectTimeout <= 0 {
		deps.SideEffectTimeout = 3 * time.Second
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.New(dispatch.Options{}, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:      deps.Engine,
		admins:      append([]moderation.SenderID(nil), deps.Admins...),
		names:       deps.Names,
		publisher:   deps.Publisher,
		auditor:     deps.Auditor,
		throttle:    deps.Throttle,
		feed:        deps.Feed,
		dispatcher:  deps.Dispatcher,
		alertRule:   ratelimit.AlertRule(deps.AlertCooldown),
		rejoinRule:  ratelimit.RejoinRule(deps.AlertCooldown),
		sideTimeout: deps.SideEffectTimeout,
		logger:      logger.Named("service"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to every inbound subject.
func (s *Service) Start(sub Subscriber) error {
	if err := sub.SubscribeMessages(s.HandleInbound); err != nil {
		return fmt.Errorf("service: subscribe messages: %w", err)
	}
	if err := sub.SubscribeJoins(s.HandleJoinPayload); err != nil {
		return fmt.Errorf("service: subscribe joins: %w", err)
	}
	if err := sub.SubscribeAdmin(s.HandleAdminPayload); err != nil {
		return fmt.Errorf("service: subscribe admin: %w", err)
	}
	s.logger.Info("moderation pipeline started",
		zap.Int("admins", len(s.admins)),
		zap.Uint32("max_warn", s.engine.MaxWarn()),
		zap.Stringer("policy", s.engine.Policy()))
	return nil
}

// Close stops accepting work and waits for queued messages to finish.
func (s *Service) Close(ctx context.Context) error {
	err := s.dispatcher.Close(ctx)
	s.cancel()
	return err
}

// HandleInbound decodes a message payload and queues it behind earlier
// messages from the same sender.
func (s *Service) HandleInbound(data []byte) {
	msgType, decoded, err := protocol.Parse(data)
	if err != nil || msgType != protocol.TypeMessage {
		metrics.DroppedMessages.WithLabelValues("malformed").Inc()
		s.logger.Warn("dropping inbound payload", zap.String("type", msgType), zap.Error(err))
		return
	}
	in := decoded.(protocol.InboundMessage)
	msg := in.Moderation()
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	err = s.dispatcher.Submit(s.ctx, in.SenderID, func(ctx context.Context) {
		s.Process(ctx, msg, in.Privileged)
	})
	if err != nil {
		metrics.DroppedMessages.WithLabelValues("queue").Inc()
		s.logger.Warn("could not queue message", zap.String("sender", in.SenderID), zap.Error(err))
	}
}

// Process moderates one message and performs every side effect of the
// verdict. Side-effect failures are logged and counted; they never change
// the verdict.
func (s *Service) Process(ctx context.Context, msg moderation.Message, privileged bool) moderation.Verdict {
	start := time.Now()
	defer func() { metrics.ProcessingLatency.Observe(time.Since(start).Seconds()) }()

	v := s.engine.HandleMessage(msg, privileged)
	metrics.MessagesTotal.WithLabelValues(v.Kind.String()).Inc()
	if !v.IsSpam() {
		return v
	}
	for _, r := range v.Reasons.List() {
		metrics.ReasonsTotal.WithLabelValues(r.String()).Inc()
	}

	log := s.logger.With(
		zap.String("sender", string(v.Sender)),
		zap.String("conversation", string(v.Conversation)),
		zap.Stringer("verdict", v.Kind),
		zap.Stringer("reasons", v.Reasons),
		zap.Uint32("warn_count", v.WarnCount))
	log.Info("spam detected")

	maxWarn := s.engine.MaxWarn()
	s.publishVerdict(log, v, notify.WarningText(v, maxWarn))

	if s.auditor != nil {
		var terms []string
		if v.Reasons.Has(moderation.ReasonBannedKeyword) {
			terms = s.engine.Matcher().MatchedTerms(msg.Text)
		}
		actx, cancel := context.WithTimeout(ctx, s.sideTimeout)
		if _, err := s.auditor.RecordVerdict(actx, v, terms); err != nil {
			metrics.SideEffectErrors.WithLabelValues("audit").Inc()
			log.Warn("audit write failed", zap.Error(err))
		}
		cancel()
	}

	if v.RequiresAdmin() {
		name := s.displayName(ctx, v.Conversation, v.Sender)
		s.alert(ctx, protocol.AlertEscalation, s.alertRule, v.Sender, v.Conversation, notify.AlertText(v, name), v.At)
	}

	s.updateGauges()
	return v
}

func (s *Service) publishVerdict(log *zap.Logger, v moderation.Verdict, reply string) {
	data, err := protocol.Encode(protocol.TypeVerdict, protocol.NewVerdictEvent(v, s.engine.MaxWarn(), reply))
	if err != nil {
		log.Error("encode verdict", zap.Error(err))
		return
	}
	if err := s.publisher.PublishVerdict(string(v.Conversation), data); err != nil {
		metrics.SideEffectErrors.WithLabelValues("publish").Inc()
		log.Warn("publish verdict failed", zap.Error(err))
	}
}

// alert resolves admin names, builds the mention notification and sends it
// to NATS and the feed, unless the throttle says admins already heard about
// this sender recently.
func (s *Service) alert(ctx context.Context, kind string, rule ratelimit.Rule, sender moderation.SenderID, conversation moderation.ConversationID, base string, at time.Time) {
	log := s.logger.With(zap.String("kind", kind), zap.String("sender", string(sender)), zap.String("conversation", string(conversation)))

	if s.throttle != nil {
		tctx, cancel := context.WithTimeout(ctx, s.sideTimeout)
		ok, err := s.throttle.Allow(tctx, string(sender), rule)
		cancel()
		if err != nil {
			metrics.SideEffectErrors.WithLabelValues("throttle").Inc()
		}
		if !ok {
			metrics.AlertsTotal.WithLabelValues(kind, "throttled").Inc()
			log.Info("admin alert throttled")
			return
		}
	}

	lctx, cancel := context.WithTimeout(ctx, s.sideTimeout)
	admins := notify.Resolve(lctx, s.names, log, conversation, s.admins)
	cancel()
	for _, a := range admins {
		if !a.Resolved {
			metrics.NameLookupFailures.Inc()
		}
	}

	n := notify.Build(base, admins)
	data, err := protocol.Encode(protocol.TypeAlert, protocol.NewAlertEvent(kind, sender, conversation, n, at))
	if err != nil {
		log.Error("encode alert", zap.Error(err))
		return
	}

	if err := s.publisher.PublishAlert(string(conversation), data); err != nil {
		metrics.SideEffectErrors.WithLabelValues("publish").Inc()
		log.Warn("publish alert failed", zap.Error(err))
	}
	if s.feed != nil {
		s.feed.Broadcast(data)
	}
	metrics.AlertsTotal.WithLabelValues(kind, "sent").Inc()
	log.Info("admins alerted", zap.Int("mentions", len(n.Mentions)))
}

func (s *Service) displayName(ctx context.Context, conversation moderation.ConversationID, id moderation.SenderID) string {
	lctx, cancel := context.WithTimeout(ctx, s.sideTimeout)
	defer cancel()
	name, err := s.names.LookupDisplayName(lctx, conversation, id)
	if err != nil {
		return ""
	}
	return name
}

// HandleJoinPayload decodes a join event and queues it behind the sender's
// messages.
func (s *Service) HandleJoinPayload(data []byte) {
	msgType, decoded, err := protocol.Parse(data)
	if err != nil || msgType != protocol.TypeJoin {
		metrics.DroppedMessages.WithLabelValues("malformed").Inc()
		s.logger.Warn("dropping join payload", zap.String("type", msgType), zap.Error(err))
		return
	}
	ev := decoded.(protocol.JoinEvent)
	err = s.dispatcher.Submit(s.ctx, ev.SenderID, func(ctx context.Context) {
		s.HandleJoin(ctx, ev)
	})
	if err != nil {
		metrics.DroppedMessages.WithLabelValues("queue").Inc()
	}
}

// HandleJoin raises a re-join alert when a flagged sender joins a group. It
// reports whether an alert was attempted.
func (s *Service) HandleJoin(ctx context.Context, ev protocol.JoinEvent) bool {
	sender := moderation.SenderID(ev.SenderID)
	if _, flagged := s.engine.CheckRejoin(sender); !flagged {
		return false
	}
	at := time.Now()
	if ev.Ts > 0 {
		at = time.UnixMilli(ev.Ts)
	}
	conv := moderation.ConversationID(ev.ConversationID)
	name := s.displayName(ctx, conv, sender)
	s.alert(ctx, protocol.AlertRejoin, s.rejoinRule, sender, conv, notify.RejoinText(sender, name), at)
	return true
}

// HandleAdminPayload decodes and applies an admin command.
func (s *Service) HandleAdminPayload(data []byte) {
	msgType, decoded, err := protocol.Parse(data)
	if err == nil {
		cmd, ok := decoded.(protocol.AdminCommand)
		if !ok {
			err = fmt.Errorf("%w: %q on admin subject", protocol.ErrUnknownType, msgType)
		} else {
			err = s.HandleAdmin(s.ctx, cmd)
		}
	}
	if err != nil {
		metrics.DroppedMessages.WithLabelValues("malformed").Inc()
		s.logger.Warn("admin command rejected", zap.String("type", msgType), zap.Error(err))
	}
}

// ErrUnknownCommand is returned by HandleAdmin for anything but clear and
// clear_all.
var ErrUnknownCommand = errors.New("service: unknown admin command")

// HandleAdmin applies a clear or clear_all command. Both also reset the alert
// and re-join throttle windows of the senders they clear.
func (s *Service) HandleAdmin(ctx context.Context, cmd protocol.AdminCommand) error {
	var sender moderation.SenderID
	switch cmd.Type {
	case protocol.TypeClear:
		if cmd.SenderID == "" {
			return protocol.ErrMissingField
		}
		sender = moderation.SenderID(cmd.SenderID)
		s.engine.ClearSender(sender)
		if s.throttle != nil {
			tctx, cancel := context.WithTimeout(ctx, s.sideTimeout)
			if err := s.throttle.Reset(tctx, cmd.SenderID, s.alertRule, s.rejoinRule); err != nil {
				metrics.SideEffectErrors.WithLabelValues("throttle").Inc()
				s.logger.Warn("throttle reset failed", zap.String("sender", cmd.SenderID), zap.Error(err))
			}
			cancel()
		}
	case protocol.TypeClearAll:
		s.engine.ClearAll()
		if s.throttle != nil {
			tctx, cancel := context.WithTimeout(ctx, s.sideTimeout)
			if err := s.throttle.ResetAll(tctx, s.alertRule, s.rejoinRule); err != nil {
				metrics.SideEffectErrors.WithLabelValues("throttle").Inc()
				s.logger.Warn("throttle reset failed", zap.Error(err))
			}
			cancel()
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}

	metrics.AdminCommandsTotal.WithLabelValues(cmd.Type).Inc()
	s.logger.Info("admin command applied",
		zap.String("type", cmd.Type),
		zap.String("sender", cmd.SenderID),
		zap.String("actor", cmd.ActorID))

	if s.auditor != nil {
		actx, cancel := context.WithTimeout(ctx, s.sideTimeout)
		defer cancel()
		if _, err := s.auditor.RecordClear(actx, sender, cmd.ActorID); err != nil {
			metrics.SideEffectErrors.WithLabelValues("audit").Inc()
			s.logger.Warn("audit write failed", zap.Error(err))
		}
	}
	s.updateGauges()
	return nil
}

func (s *Service) updateGauges() {
	st := s.engine.Stats()
	metrics.FlaggedSenders.Set(float64(st.FlaggedSenders))
	metrics.WarnedSenders.Set(float64(st.WarnedSenders))
}

// FlaggedSnapshot encodes the current registry for a newly connected feed
// client.
func FlaggedSnapshot(engine *moderation.Engine) func() ([]byte, error) {
	return func() ([]byte, error) {
		return protocol.Encode(protocol.TypeFlagged, protocol.NewFlaggedMsg(engine.Flagged()))
	}
}
