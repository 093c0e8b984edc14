package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/oochat/internal/domain"
)

const (
	wsReadLimit    = 4 << 20
	eventQueueSize = 64
)

// ErrClosed is returned by writes on a closed handle.
var ErrClosed = errors.New("agent connection closed")

// WSDialer connects to agents through the relay's websocket endpoint.
type WSDialer struct {
	relayURL string
	signer   Signer
	client   *http.Client
	now      func() time.Time
}

// NewWSDialer returns a dialer for relayURL (ws:// or wss://).
func NewWSDialer(relayURL string, signer Signer) *WSDialer {
	return &WSDialer{
		relayURL: strings.TrimRight(relayURL, "/"),
		signer:   signer,
		now:      time.Now,
	}
}

// Dial opens {relay}/ws/{address}?session={sessionID}. ctx bounds the
// handshake only.
func (d *WSDialer) Dial(ctx context.Context, address, sessionID string) (Handle, error) {
	u := fmt.Sprintf("%s/ws/%s?session=%s", d.relayURL, url.PathEscape(address), url.QueryEscape(sessionID))
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: d.client})
	if err != nil {
		return nil, fmt.Errorf("dial agent %s: %w", address, err)
	}
	conn.SetReadLimit(wsReadLimit)

	hctx, cancel := context.WithCancel(context.Background())
	h := &wsHandle{
		conn:      conn,
		address:   address,
		sessionID: sessionID,
		signer:    d.signer,
		now:       d.now,
		events:    make(chan Message, eventQueueSize),
		ctx:       hctx,
		cancel:    cancel,
	}
	go h.readLoop()

	slog.Info("Agent connection opened", "agent", address, "session_id", sessionID)
	return h, nil
}

type wsHandle struct {
	conn      *websocket.Conn
	address   string
	sessionID string
	signer    Signer
	now       func() time.Time

	events chan Message
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// signedInput is the canonical INPUT payload covered by the signature.
type signedInput struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

func (h *wsHandle) Input(ctx context.Context, prompt string, images []string, tc domain.TurnContext) error {
	f := Frame{
		Type:      FrameInput,
		Prompt:    prompt,
		Images:    images,
		Goal:      tc.Goal,
		Direction: tc.Direction,
	}
	if h.signer != nil {
		payload, err := json.Marshal(signedInput{Prompt: prompt, SessionID: h.sessionID, Timestamp: h.now().Unix()})
		if err != nil {
			return fmt.Errorf("encode input payload: %w", err)
		}
		f.From = h.signer.Address()
		f.Payload = payload
		f.Signature = h.signer.Sign(string(payload))
	}
	return h.write(ctx, f)
}

func (h *wsHandle) Respond(ctx context.Context, answer []string) error {
	return h.write(ctx, Frame{Type: FrameAskUserResponse, Answer: answer})
}

func (h *wsHandle) RespondToApproval(ctx context.Context, approved bool, scope domain.ApprovalScope, deny domain.DenyMode, feedback string) error {
	return h.write(ctx, Frame{
		Type:     FrameApprovalResponse,
		Approved: &approved,
		Scope:    string(scope),
		Deny:     string(deny),
		Feedback: feedback,
	})
}

func (h *wsHandle) SubmitOnboard(ctx context.Context, opts domain.OnboardOptions) error {
	return h.write(ctx, Frame{Type: FrameOnboardSubmit, InviteCode: opts.InviteCode, Payment: opts.Payment})
}

func (h *wsHandle) RespondToCheckpoint(ctx context.Context, action domain.CheckpointAction, opts domain.CheckpointOptions) error {
	return h.write(ctx, Frame{Type: FrameTurnsResponse, Action: string(action), Turns: opts.Turns, Mode: string(opts.Mode)})
}

func (h *wsHandle) SetMode(ctx context.Context, mode domain.Mode, turns int) error {
	return h.write(ctx, Frame{Type: FrameModeChange, Mode: string(mode), Turns: turns})
}

func (h *wsHandle) Events() <-chan Message {
	return h.events
}

func (h *wsHandle) Close() error {
	var err error
	h.once.Do(func() {
		h.cancel()
		err = h.conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Debug("Agent connection closed", "agent", h.address, "session_id", h.sessionID)
	})
	return err
}

func (h *wsHandle) write(ctx context.Context, f Frame) error {
	if h.ctx.Err() != nil {
		return ErrClosed
	}
	f.SessionID = h.sessionID
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if err := h.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if h.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (h *wsHandle) readLoop() {
	defer close(h.events)
	for {
		_, data, err := h.conn.Read(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				slog.Debug("Agent closed connection", "agent", h.address)
			} else {
				slog.Warn("Agent connection read error", "agent", h.address, "error", err)
				h.emit(Message{Type: MsgError, Event: domain.Event{Error: err.Error()}})
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Dropping malformed agent frame", "agent", h.address, "error", err)
			continue
		}
		if !h.emit(msg) {
			return
		}
	}
}

func (h *wsHandle) emit(msg Message) bool {
	select {
	case h.events <- msg:
		return true
	case <-h.ctx.Done():
		return false
	}
}
