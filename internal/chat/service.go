// Package chat wires the conversation store, the live session, interaction
// arbitration and autonomous mode into one service that front ends observe
// as a stream of views.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/oochat/internal/autonomy"
	"github.com/ashureev/oochat/internal/conversation"
	"github.com/ashureev/oochat/internal/domain"
	"github.com/ashureev/oochat/internal/interaction"
	"github.com/ashureev/oochat/internal/session"
)

// Errors returned by Service.
var (
	ErrSessionNotOpen = errors.New("session is not open")
	ErrNoAgent        = errors.New("no agent address given and no default configured")
)

const subscriberBuffer = 16

// View is what a front end renders for the open conversation.
type View struct {
	session.Snapshot
	Title      string                      `json:"title"`
	Pending    *domain.Pending             `json:"pending"`
	Compose    interaction.Affordance      `json:"compose"`
	Onboarding interaction.OnboardingState `json:"onboarding"`
	Autonomy   autonomy.State              `json:"autonomy"`
}

// AddressSource supplies the local identity's address for transcripts.
type AddressSource interface {
	Address() string
}

// Options configures a Service.
type Options struct {
	DefaultAgent   string
	OnboardTimeout time.Duration
	Identity       AddressSource      // optional
	Logger         ConversationLogger // optional
}

// Service runs the data flow of one chat client: input goes through the
// arbiter to the session, and every session change is persisted,
// re-arbitrated and published to subscribers.
type Service struct {
	store   *conversation.Store
	adapter *session.Adapter
	auto    *autonomy.Controller
	arbiter *interaction.Arbiter
	log     ConversationLogger
	ident   AddressSource
	agent   string

	mu            sync.Mutex
	version       uint64
	loggedSession string
	logged        int

	subsMu  sync.Mutex
	subs    map[int64]chan View
	nextSub int64
}

// NewService registers itself on adapter's callbacks. auto should use
// adapter as its mode sink.
func NewService(store *conversation.Store, adapter *session.Adapter, auto *autonomy.Controller, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = noopConversationLogger{}
	}
	if opts.OnboardTimeout <= 0 {
		opts.OnboardTimeout = 30 * time.Second
	}

	s := &Service{
		store:   store,
		adapter: adapter,
		auto:    auto,
		arbiter: interaction.NewArbiter(adapter, auto, opts.OnboardTimeout),
		log:     opts.Logger,
		ident:   opts.Identity,
		agent:   opts.DefaultAgent,
		subs:    make(map[int64]chan View),
	}
	adapter.OnChange(s.handleChange)
	adapter.OnComplete(s.handleComplete)
	adapter.OnError(s.handleError)
	s.arbiter.OnChange(s.publishCurrent)
	return s
}

// NewConversation creates a conversation with a fresh session id. A
// non-empty first message is held until the conversation is opened.
func (s *Service) NewConversation(agentAddress string, first conversation.PendingMessage) (*domain.Conversation, error) {
	if agentAddress == "" {
		agentAddress = s.agent
	}
	if agentAddress == "" {
		return nil, ErrNoAgent
	}

	conv, err := s.store.Create(uuid.NewString(), agentAddress)
	if err != nil {
		return nil, err
	}
	s.store.AddAgent(agentAddress)
	if first.Text != "" || len(first.Images) > 0 {
		s.store.SetPendingMessage(conv.SessionID, first)
	}
	slog.Info("Conversation created", "session_id", conv.SessionID, "agent", agentAddress)
	return conv, nil
}

// Open makes sessionID the live session, seeding it from the stored log,
// then sends any message held for it. Opening the session already open is a
// no-op.
func (s *Service) Open(ctx context.Context, sessionID string) (View, error) {
	conv, ok := s.store.Get(sessionID)
	if !ok {
		return View{}, conversation.ErrConversationNotFound
	}
	if err := s.store.Select(sessionID); err != nil {
		return View{}, err
	}

	if s.adapter.Snapshot().SessionID != sessionID {
		s.arbiter.Reset()
		s.auto.Reset()
		s.adapter.Open(conv.AgentAddress, sessionID, conv.Events)
	}

	if msg, ok := s.store.ConsumePendingMessage(sessionID); ok {
		if err := s.arbiter.Submit(ctx, msg.Text, msg.Images); err != nil {
			return s.View(), fmt.Errorf("send first message: %w", err)
		}
	}
	return s.View(), nil
}

// Close ends the live session without deleting it.
func (s *Service) Close() {
	s.adapter.Reset()
	s.arbiter.Reset()
	s.auto.Reset()
	s.store.ClearActive()
}

// Delete removes a conversation, closing it first if it is live.
func (s *Service) Delete(sessionID string) error {
	if s.adapter.Snapshot().SessionID == sessionID {
		s.adapter.Reset()
		s.arbiter.Reset()
		s.auto.Reset()
	}
	return s.store.Delete(sessionID)
}

// Send submits compose-box input to the open session.
func (s *Service) Send(ctx context.Context, sessionID, text string, images []string) error {
	if err := s.requireOpen(sessionID); err != nil {
		return err
	}
	return s.arbiter.Submit(ctx, text, images)
}

// AnswerQuestion answers question interactionID.
func (s *Service) AnswerQuestion(ctx context.Context, sessionID, interactionID string, answer []string) error {
	if err := s.requireOpen(sessionID); err != nil {
		return err
	}
	return s.arbiter.AnswerQuestion(ctx, interactionID, answer)
}

// Approve answers approval interactionID.
func (s *Service) Approve(ctx context.Context, sessionID, interactionID string, d interaction.ApprovalDecision) error {
	if err := s.requireOpen(sessionID); err != nil {
		return err
	}
	return s.arbiter.Approve(ctx, interactionID, d)
}

// SubmitOnboarding sends a verification attempt for interactionID.
func (s *Service) SubmitOnboarding(ctx context.Context, sessionID, interactionID string, opts domain.OnboardOptions) error {
	if err := s.requireOpen(sessionID); err != nil {
		return err
	}
	return s.arbiter.SubmitOnboarding(ctx, interactionID, opts)
}

// Checkpoint answers checkpoint interactionID.
func (s *Service) Checkpoint(ctx context.Context, sessionID, interactionID string, action domain.CheckpointAction, opts domain.CheckpointOptions) error {
	if err := s.requireOpen(sessionID); err != nil {
		return err
	}
	if err := s.arbiter.Checkpoint(ctx, interactionID, action, opts); err != nil {
		return err
	}
	s.publishCurrent()
	return nil
}

// SetMode changes the approval mode of the open session.
func (s *Service) SetMode(ctx context.Context, sessionID string, mode domain.Mode, turns int) error {
	if err := s.requireOpen(sessionID); err != nil {
		return err
	}
	if err := s.auto.SetMode(ctx, mode, turns); err != nil {
		return err
	}
	s.publishCurrent()
	return nil
}

// SetGoal sets the autonomous-mode goal sent with the next turn.
func (s *Service) SetGoal(sessionID, goal string) error {
	if err := s.requireOpen(sessionID); err != nil {
		return err
	}
	s.auto.SetGoal(goal)
	s.publishCurrent()
	return nil
}

// SetDirection sets the autonomous-mode direction sent with the next turn.
func (s *Service) SetDirection(sessionID, direction string) error {
	if err := s.requireOpen(sessionID); err != nil {
		return err
	}
	s.auto.SetDirection(direction)
	s.publishCurrent()
	return nil
}

// View returns the current view of the open session.
func (s *Service) View() View {
	return s.viewOf(s.adapter.Snapshot())
}

// Subscribe returns a channel of views and a function that ends the
// subscription. A slow subscriber misses intermediate views, never the
// latest.
func (s *Service) Subscribe() (<-chan View, func()) {
	ch := make(chan View, subscriberBuffer)
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// Shutdown closes the session, flushes pending writes and closes the
// transcript logger.
func (s *Service) Shutdown(ctx context.Context) error {
	s.adapter.Close()
	var errs []error
	if err := s.store.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush conversations: %w", err))
	}
	if err := s.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close conversation log: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) requireOpen(sessionID string) error {
	if s.adapter.Snapshot().SessionID != sessionID {
		return ErrSessionNotOpen
	}
	return nil
}

// handleChange persists a session snapshot and publishes the resulting view.
// Snapshots may arrive out of order from different goroutines; older ones
// are dropped.
func (s *Service) handleChange(snap session.Snapshot) {
	s.mu.Lock()
	if snap.Version <= s.version {
		s.mu.Unlock()
		return
	}
	s.version = snap.Version

	var fresh []domain.Event
	if snap.SessionID != s.loggedSession {
		s.loggedSession = snap.SessionID
		s.logged = len(snap.Events)
	} else if len(snap.Events) > s.logged {
		fresh = snap.Events[s.logged:]
		s.logged = len(snap.Events)
	}

	if snap.SessionID != "" {
		if err := s.store.ReplaceEvents(snap.SessionID, snap.Events); err != nil && !errors.Is(err, conversation.ErrConversationNotFound) {
			slog.Warn("Failed to store session events", "session_id", snap.SessionID, "error", err)
		}
		if text, ok := domain.FirstUserText(snap.Events); ok {
			s.store.DeriveTitle(snap.SessionID, text)
		}
	}
	s.mu.Unlock()

	// An answered checkpoint stays in the log until the next event; only an
	// unanswered one may block turns.
	if p := s.arbiter.Filter(snap.Pending); p.Is(domain.PendingCheckpointKind) {
		s.auto.ObserveCheckpoint(p.Checkpoint.TurnsUsed, p.Checkpoint.MaxTurns)
	}
	s.arbiter.Observe(snap.Pending)
	s.logEvents(snap, fresh)
	s.publish(s.viewOf(snap))
}

// handleComplete counts the finished turn against the autonomous budget and
// records a checkpoint when it runs out.
func (s *Service) handleComplete(sessionID, lastAgentText string) {
	s.logEvent(sessionID, "agent", "inbound", "turn_complete", lastAgentText, nil)

	cp := s.auto.RecordTurn()
	if cp == nil {
		return
	}
	err := s.adapter.AppendLocal(domain.Event{
		Type:      domain.EventCheckpoint,
		TurnsUsed: cp.TurnsUsed,
		MaxTurns:  cp.MaxTurns,
	})
	if err != nil {
		slog.Warn("Failed to record checkpoint", "session_id", sessionID, "error", err)
	}
}

func (s *Service) handleError(sessionID string, err error) {
	s.logEvent(sessionID, "agent", "inbound", "turn_error", err.Error(), nil)
}

func (s *Service) viewOf(snap session.Snapshot) View {
	v := View{
		Snapshot:   snap,
		Pending:    s.arbiter.Filter(snap.Pending),
		Compose:    s.arbiter.Affordance(),
		Onboarding: s.arbiter.OnboardingState(),
		Autonomy:   s.auto.State(),
	}
	if conv, ok := s.store.Get(snap.SessionID); ok {
		v.Title = conv.Title
	}
	return v
}

func (s *Service) publishCurrent() {
	s.publish(s.View())
}

func (s *Service) publish(v View) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Full: replace the oldest view with this one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (s *Service) logEvents(snap session.Snapshot, events []domain.Event) {
	for _, e := range events {
		direction := "inbound"
		if e.Type == domain.EventUser || e.Type == domain.EventResponse {
			direction = "outbound"
		}
		meta := map[string]any{"agent": snap.AgentAddress, "event_id": e.ID}
		if e.Name != "" {
			meta["tool"] = e.Name
		}
		s.logEvent(snap.SessionID, "agent", direction, string(e.Type), eventText(e), meta)
	}
}

func (s *Service) logEvent(sessionID, channel, direction, eventType, content string, meta map[string]any) {
	var user string
	if s.ident != nil {
		user = s.ident.Address()
	}
	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     user,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

func eventText(e domain.Event) string {
	for _, s := range []string{e.Content, e.Text, e.Message, e.Result, e.Summary, e.Reason} {
		if s != "" {
			return s
		}
	}
	return ""
}
