package tutor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/vango-go/tutor-relay/pkg/core"
	"github.com/vango-go/tutor-relay/pkg/core/types"
)

// StoppedSuffix is appended to an answer that was stopped early.
const StoppedSuffix = "\n(응답이 중지되었습니다.)"

const readChunkSize = 32 << 10

// Conversation is an ordered, append-only chat history.
type Conversation struct {
	mu    sync.Mutex
	turns []types.Turn
}

func (c *Conversation) Append(turn types.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turn)
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []types.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// ChatPrompt defaults to DefaultChatPrompt.
	ChatPrompt string

	// Player enables audio playback. Without it Play returns an error.
	Player         Player
	Marker         Marker
	AudioCacheSize int

	Logger *slog.Logger
}

// Session holds one learner's chat history and playback state.
type Session struct {
	client     *Client
	chatPrompt string
	logger     *slog.Logger

	conv     Conversation
	playback *PlaybackController

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{} // closed when the chat that owns cancel returns
	active  uint64        // sequence of the chat that owns cancel
	seq     uint64
	chatGen uint64 // bumped by ResetChat
}

func NewSession(client *Client, cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = client.logger
	}
	s := &Session{
		client:     client,
		chatPrompt: cfg.ChatPrompt,
		logger:     logger,
	}
	if s.chatPrompt == "" {
		s.chatPrompt = DefaultChatPrompt
	}
	if cfg.Player != nil {
		pc, err := NewPlaybackController(PlaybackConfig{
			Speaker:   client,
			Player:    cfg.Player,
			Marker:    cfg.Marker,
			CacheSize: cfg.AudioCacheSize,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		s.playback = pc
	}
	return s, nil
}

// ChatReply is the outcome of one chat exchange.
type ChatReply struct {
	// Text is the committed model turn, including StoppedSuffix when stopped.
	Text    string
	Stopped bool
}

// SendChat sends text with the session history and streams the answer.
// onUpdate, if set, receives the display text after every delta. A stop
// (StopChat, ResetChat, a newer SendChat, or ctx cancellation) is not an
// error: the partial answer is committed with StoppedSuffix. A newer SendChat
// waits for the stopped one to commit before reading the history. An expired
// ctx deadline commits the partial answer without the suffix and returns the
// deadline error. A relay failure marker commits the partial answer and
// returns an upstream_unavailable error.
func (s *Session) SendChat(ctx context.Context, text string, onUpdate func(display string)) (*ChatReply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, core.NewBadRequestError("text is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	prev := s.done
	s.cancel = cancel
	s.done = done
	s.seq++
	s.active = s.seq
	id := s.seq
	s.mu.Unlock()
	defer s.clearCancel(id)
	defer close(done)

	// The superseded chat commits its stopped answer before this one reads
	// the history.
	if prev != nil {
		<-prev
	}

	s.mu.Lock()
	gen := s.chatGen
	s.mu.Unlock()

	history := s.conv.Turns()
	s.commit(gen, types.Turn{Role: types.RoleUser, Text: text})

	acc := NewStreamAccumulator(s.logger)
	stopped := func() (*ChatReply, error) {
		if err := runCtx.Err(); !errors.Is(err, context.Canceled) {
			return s.interrupted(gen, acc, err)
		}
		reply := &ChatReply{Text: acc.Text() + StoppedSuffix, Stopped: true}
		s.commit(gen, types.Turn{Role: types.RoleModel, Text: reply.Text})
		if onUpdate != nil {
			onUpdate(acc.DisplayText() + StoppedSuffix)
		}
		return reply, nil
	}

	stream, err := s.client.Stream(runCtx, &types.RelayRequest{
		Action:       types.ActionChat,
		Text:         text,
		SystemPrompt: s.chatPrompt,
		History:      history,
	})
	if err != nil {
		if runCtx.Err() != nil {
			return stopped()
		}
		return nil, err
	}
	defer stream.Close()

	var splitter FrameSplitter
	apply := func(frames []Frame) *Frame {
		for i := range frames {
			if frames[i].Kind == FrameError {
				return &frames[i]
			}
			if _, ok := acc.OnFrame(frames[i]); ok && onUpdate != nil {
				onUpdate(acc.DisplayText())
			}
		}
		return nil
	}

	buf := make([]byte, readChunkSize)
	for {
		n, rerr := stream.Read(buf)
		if runCtx.Err() != nil {
			return stopped()
		}
		if n > 0 {
			if f := apply(splitter.Feed(buf[:n])); f != nil {
				return s.failed(gen, acc, f)
			}
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			if f := apply(splitter.Flush()); f != nil {
				return s.failed(gen, acc, f)
			}
			reply := &ChatReply{Text: acc.Text()}
			s.commit(gen, types.Turn{Role: types.RoleModel, Text: reply.Text})
			return reply, nil
		}
		return nil, &TransportError{Op: "read stream", Err: rerr}
	}
}

func (s *Session) failed(gen uint64, acc *StreamAccumulator, f *Frame) (*ChatReply, error) {
	reply := &ChatReply{Text: acc.Text()}
	if reply.Text != "" {
		s.commit(gen, types.Turn{Role: types.RoleModel, Text: reply.Text})
	}
	s.logger.Warn("chat stream failed", "error", f.Payload, "partial_bytes", len(reply.Text))
	return reply, core.NewUpstreamError(0, f.Payload)
}

// interrupted ends a chat whose context expired. The partial answer is kept
// without the stop suffix and the deadline is returned as the error.
func (s *Session) interrupted(gen uint64, acc *StreamAccumulator, err error) (*ChatReply, error) {
	reply := &ChatReply{Text: acc.Text()}
	if reply.Text != "" {
		s.commit(gen, types.Turn{Role: types.RoleModel, Text: reply.Text})
	}
	s.logger.Warn("chat stream interrupted", "error", err, "partial_bytes", len(reply.Text))
	return reply, fmt.Errorf("chat stream: %w", err)
}

// commit appends turn unless the chat was reset after gen began.
func (s *Session) commit(gen uint64, turn types.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatGen != gen {
		return
	}
	s.conv.Append(turn)
}

func (s *Session) clearCancel(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == id {
		s.cancel = nil
		s.done = nil
	}
}

// StopChat stops the in-flight chat answer, if any.
func (s *Session) StopChat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// ResetChat stops the in-flight chat answer and clears the history. The
// stopped answer is not committed.
func (s *Session) ResetChat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.chatGen++
	s.conv.Reset()
}

// History returns a copy of the chat history.
func (s *Session) History() []types.Turn {
	return s.conv.Turns()
}

// suggestLastTurn asks for replies to the model turn that ends the history.
const suggestLastTurn = "Suggest replies I could send to your last message."

// SuggestReplies suggests replies to the last model answer of the session.
func (s *Session) SuggestReplies(ctx context.Context) ([]Suggestion, error) {
	history := s.conv.Turns()
	if n := len(history); n == 0 || history[n-1].Role != types.RoleModel {
		return nil, core.NewBadRequestError("no model answer to reply to")
	}
	return s.client.SuggestReplies(ctx, suggestLastTurn, history)
}

// Play toggles playback of text for control.
func (s *Session) Play(ctx context.Context, text string, control ControlID) error {
	if s.playback == nil {
		return errors.New("audio playback is not configured")
	}
	return s.playback.RequestPlay(ctx, text, control)
}

// StopAudio stops any playing clip.
func (s *Session) StopAudio() {
	if s.playback != nil {
		s.playback.Stop()
	}
}

// Client returns the relay client used by the session.
func (s *Session) Client() *Client {
	return s.client
}
