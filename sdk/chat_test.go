package tutor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/tutor-relay/pkg/core"
	"github.com/vango-go/tutor-relay/pkg/core/types"
)

func writeFrame(w http.ResponseWriter, payload string) {
	_, _ = io.WriteString(w, "data: "+payload+"\r\n\r\n")
	w.(http.Flusher).Flush()
}

func newSession(t *testing.T, c *Client) *Session {
	t.Helper()
	s, err := NewSession(c, SessionConfig{Logger: quietLogger()})
	require.NoError(t, err)
	return s
}

func TestSession_SendChat_StreamsAndCommits(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	c := newRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, textChunk(t, "Hel"))
		writeFrame(w, textChunk(t, "lo **there**"))
	})
	s := newSession(t, c)

	var updates []string
	reply, err := s.SendChat(context.Background(), "hi", func(display string) {
		updates = append(updates, display)
	})
	require.NoError(t, err)
	assert.False(t, reply.Stopped)
	assert.Equal(t, "Hello **there**", reply.Text)
	assert.Equal(t, []string{"Hel", "Hello there"}, updates)

	assert.Equal(t, []types.Turn{
		{Role: types.RoleUser, Text: "hi"},
		{Role: types.RoleModel, Text: "Hello **there**"},
	}, s.History())

	_, err = s.SendChat(context.Background(), "how are you?", nil)
	require.NoError(t, err)
	assert.Len(t, s.History(), 4)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	contents, _ := bodies[1]["contents"].([]any)
	assert.Len(t, contents, 3, "second request carries prior turns plus the new text")
	_, hasSystem := bodies[1]["systemInstruction"]
	assert.True(t, hasSystem)
}

func TestSession_StopChat_CommitsPartialWithSuffix(t *testing.T) {
	release := make(chan struct{})
	c := newRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, textChunk(t, "Hel"))
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })
	s := newSession(t, c)

	var last string
	reply, err := s.SendChat(context.Background(), "hi", func(display string) {
		last = display
		s.StopChat()
	})
	require.NoError(t, err)
	assert.True(t, reply.Stopped)
	assert.Equal(t, "Hel"+StoppedSuffix, reply.Text)
	assert.Equal(t, "Hel"+StoppedSuffix, last)

	assert.Equal(t, []types.Turn{
		{Role: types.RoleUser, Text: "hi"},
		{Role: types.RoleModel, Text: "Hel" + StoppedSuffix},
	}, s.History())
}

func TestSession_ContextCancelBeforeResponse(t *testing.T) {
	release := make(chan struct{})
	c := newRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })
	s := newSession(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	reply, err := s.SendChat(ctx, "hi", nil)
	require.NoError(t, err)
	assert.True(t, reply.Stopped)
	assert.Equal(t, StoppedSuffix, reply.Text)
}

func TestSession_DeadlineIsAnErrorNotAStop(t *testing.T) {
	release := make(chan struct{})
	c := newRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, textChunk(t, "Hel"))
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })
	s := newSession(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	reply, err := s.SendChat(ctx, "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, reply)
	assert.False(t, reply.Stopped)
	assert.Equal(t, "Hel", reply.Text)
	assert.Equal(t, []types.Turn{
		{Role: types.RoleUser, Text: "hi"},
		{Role: types.RoleModel, Text: "Hel"},
	}, s.History())
}

func TestSession_NewerChatWaitsForStoppedCommit(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var bodies []map[string]any
	var calls atomic.Int32
	c := newRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if calls.Add(1) == 1 {
			writeFrame(w, textChunk(t, "first"))
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		writeFrame(w, textChunk(t, "second"))
	})
	t.Cleanup(func() { close(release) })
	s := newSession(t, c)

	started := make(chan struct{})
	var once sync.Once
	type result struct {
		reply *ChatReply
		err   error
	}
	firstDone := make(chan result, 1)
	go func() {
		reply, err := s.SendChat(context.Background(), "q1", func(string) {
			once.Do(func() { close(started) })
		})
		firstDone <- result{reply, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first chat never streamed")
	}

	second, err := s.SendChat(context.Background(), "q2", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", second.Text)

	first := <-firstDone
	require.NoError(t, first.err)
	assert.True(t, first.reply.Stopped)

	assert.Equal(t, []types.Turn{
		{Role: types.RoleUser, Text: "q1"},
		{Role: types.RoleModel, Text: "first" + StoppedSuffix},
		{Role: types.RoleUser, Text: "q2"},
		{Role: types.RoleModel, Text: "second"},
	}, s.History())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	contents, _ := bodies[1]["contents"].([]any)
	assert.Len(t, contents, 3, "second request carries the stopped answer")
}

func TestSession_ErrorMarkerCommitsPartial(t *testing.T) {
	c := newRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, textChunk(t, "Hel"))

		// Drop the connection mid-body.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("upstream writer cannot hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	})
	s := newSession(t, c)

	reply, err := s.SendChat(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrUpstreamUnavailable), "err=%v", err)
	require.NotNil(t, reply)
	assert.Equal(t, "Hel", reply.Text)

	assert.Equal(t, []types.Turn{
		{Role: types.RoleUser, Text: "hi"},
		{Role: types.RoleModel, Text: "Hel"},
	}, s.History())
}

func TestSession_RelayErrorBeforeStream(t *testing.T) {
	c := newRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"code":429,"message":"quota exceeded"}}`)
	})
	s := newSession(t, c)

	reply, err := s.SendChat(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Nil(t, reply)

	var e *core.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, core.ErrUpstreamUnavailable, e.Type)
	assert.Equal(t, http.StatusTooManyRequests, e.Status)
	assert.Contains(t, e.UpstreamBody, "quota exceeded")

	assert.Equal(t, []types.Turn{{Role: types.RoleUser, Text: "hi"}}, s.History())
}

func TestSession_ResetChat(t *testing.T) {
	c := newRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, textChunk(t, "ok"))
	})
	s := newSession(t, c)

	_, err := s.SendChat(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Len(t, s.History(), 2)

	s.ResetChat()
	assert.Empty(t, s.History())
}

func TestSession_EmptyTextRejected(t *testing.T) {
	s := newSession(t, NewClient("http://unused.invalid"))
	_, err := s.SendChat(context.Background(), "   ", nil)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrBadRequest))
	assert.Empty(t, s.History())
}

func TestSession_SuggestRepliesToLastAnswer(t *testing.T) {
	var mu sync.Mutex
	var suggestBody struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	c := newRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			w.Header().Set("Content-Type", "text/event-stream")
			writeFrame(w, textChunk(t, "Want to grab lunch?"))
			return
		}
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&suggestBody)
		mu.Unlock()
		_, _ = io.WriteString(w, textChunk(t, `[{"english":"Sure!","korean":"좋아요!"}]`))
	})
	s := newSession(t, c)

	_, err := s.SuggestReplies(context.Background())
	assert.True(t, core.IsType(err, core.ErrBadRequest), "no answer yet: %v", err)

	_, err = s.SendChat(context.Background(), "hi", nil)
	require.NoError(t, err)

	got, err := s.SuggestReplies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Suggestion{{English: "Sure!", Korean: "좋아요!"}}, got)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, suggestBody.Contents, 3)
	model, last := suggestBody.Contents[1], suggestBody.Contents[2]
	assert.Equal(t, "model", model.Role)
	assert.Equal(t, "Want to grab lunch?", model.Parts[0].Text)
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, suggestLastTurn, last.Parts[0].Text)
}
