package tutor

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/tutor-relay/pkg/core"
)

type fakeSpeaker struct {
	calls atomic.Int32
	gate  chan struct{} // when set, Speak waits for it
	data  string
	err   error
}

func (s *fakeSpeaker) Speak(ctx context.Context, text string) (*Speech, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	data := s.data
	if data == "" {
		data = base64.StdEncoding.EncodeToString([]byte(text))
	}
	return &Speech{Data: data, MIMEType: "audio/L16;codec=pcm;rate=24000"}, nil
}

type fakePlayback struct {
	done    chan error
	once    sync.Once
	stopped atomic.Bool
}

func newFakePlayback() *fakePlayback {
	return &fakePlayback{done: make(chan error, 1)}
}

func (p *fakePlayback) Stop() {
	p.stopped.Store(true)
	p.finish(nil)
}

func (p *fakePlayback) Done() <-chan error { return p.done }

func (p *fakePlayback) finish(err error) {
	p.once.Do(func() { p.done <- err })
}

type fakePlayer struct {
	mu    sync.Mutex
	plays []*fakePlayback
	wavs  [][]byte
	err   error
}

func (p *fakePlayer) Play(wav []byte) (Playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	pb := newFakePlayback()
	p.plays = append(p.plays, pb)
	p.wavs = append(p.wavs, wav)
	return pb, nil
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays)
}

func (p *fakePlayer) last() *fakePlayback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays[len(p.plays)-1]
}

type fakeMarker struct {
	mu      sync.Mutex
	playing map[ControlID]bool
}

func (m *fakeMarker) SetPlaying(control ControlID, playing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing == nil {
		m.playing = map[ControlID]bool{}
	}
	m.playing[control] = playing
}

func (m *fakeMarker) isPlaying(control ControlID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing[control]
}

func newTestController(t *testing.T, speaker Speaker, player Player, marker Marker) *PlaybackController {
	t.Helper()
	c, err := NewPlaybackController(PlaybackConfig{
		Speaker: speaker,
		Player:  player,
		Marker:  marker,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	return c
}

func waitIdle(t *testing.T, c *PlaybackController) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, active := c.Current()
		return !active
	}, time.Second, 5*time.Millisecond)
}

func TestPlaybackController_SameTextSynthesizesOnce(t *testing.T) {
	speaker := &fakeSpeaker{}
	player := &fakePlayer{}
	c := newTestController(t, speaker, player, nil)
	ctx := context.Background()

	require.NoError(t, c.RequestPlay(ctx, "Good morning", "msg-1"))
	player.last().finish(nil)
	waitIdle(t, c)

	require.NoError(t, c.RequestPlay(ctx, "Good morning", "msg-2"))

	assert.Equal(t, int32(1), speaker.calls.Load())
	assert.Equal(t, 2, player.count())
	assert.True(t, c.Cached("Good morning"))

	player.mu.Lock()
	defer player.mu.Unlock()
	assert.Equal(t, player.wavs[0], player.wavs[1])
}

func TestPlaybackController_ReclickGoesIdle(t *testing.T) {
	player := &fakePlayer{}
	marker := &fakeMarker{}
	c := newTestController(t, &fakeSpeaker{}, player, marker)
	ctx := context.Background()

	require.NoError(t, c.RequestPlay(ctx, "Hello", "btn"))
	current, active := c.Current()
	require.True(t, active)
	assert.Equal(t, ControlID("btn"), current)
	assert.True(t, marker.isPlaying("btn"))

	require.NoError(t, c.RequestPlay(ctx, "Hello", "btn"))

	_, active = c.Current()
	assert.False(t, active)
	assert.False(t, marker.isPlaying("btn"))
	assert.Equal(t, 1, player.count(), "re-click must not start a clip")
	assert.True(t, player.last().stopped.Load())
}

func TestPlaybackController_OtherControlPreempts(t *testing.T) {
	player := &fakePlayer{}
	marker := &fakeMarker{}
	c := newTestController(t, &fakeSpeaker{}, player, marker)
	ctx := context.Background()

	require.NoError(t, c.RequestPlay(ctx, "one", "a"))
	first := player.last()

	require.NoError(t, c.RequestPlay(ctx, "two", "b"))

	assert.True(t, first.stopped.Load())
	assert.False(t, marker.isPlaying("a"))
	assert.True(t, marker.isPlaying("b"))
	current, _ := c.Current()
	assert.Equal(t, ControlID("b"), current)

	// The stopped clip ending late must not clear the new one.
	time.Sleep(20 * time.Millisecond)
	current, active := c.Current()
	assert.True(t, active)
	assert.Equal(t, ControlID("b"), current)
}

func TestPlaybackController_EndReturnsToIdle(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "natural end"},
		{name: "player error", err: errors.New("device lost")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			player := &fakePlayer{}
			marker := &fakeMarker{}
			c := newTestController(t, &fakeSpeaker{}, player, marker)

			require.NoError(t, c.RequestPlay(context.Background(), "bye", "x"))
			player.last().finish(tt.err)

			waitIdle(t, c)
			assert.False(t, marker.isPlaying("x"))
		})
	}
}

func TestPlaybackController_PlayerStartFailure(t *testing.T) {
	player := &fakePlayer{err: errors.New("no audio device")}
	marker := &fakeMarker{}
	c := newTestController(t, &fakeSpeaker{}, player, marker)

	err := c.RequestPlay(context.Background(), "hi", "x")
	require.Error(t, err)

	_, active := c.Current()
	assert.False(t, active)
	assert.False(t, marker.isPlaying("x"))
}

func TestPlaybackController_InvalidAudioIsNotCached(t *testing.T) {
	speaker := &fakeSpeaker{data: "%%%"}
	player := &fakePlayer{}
	marker := &fakeMarker{}
	c := newTestController(t, speaker, player, marker)

	err := c.RequestPlay(context.Background(), "broken", "x")
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrInvalidAudioPayload))
	assert.False(t, c.Cached("broken"))
	assert.Zero(t, player.count())
	assert.False(t, marker.isPlaying("x"))

	_ = c.RequestPlay(context.Background(), "broken", "x")
	assert.Equal(t, int32(2), speaker.calls.Load())
}

func TestPlaybackController_ConcurrentRequestsShareSynthesis(t *testing.T) {
	speaker := &fakeSpeaker{gate: make(chan struct{})}
	player := &fakePlayer{}
	c := newTestController(t, speaker, player, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.RequestPlay(context.Background(), "same words", ControlID("c"+strconv.Itoa(i)))
		}(i)
	}
	require.Eventually(t, func() bool { return speaker.calls.Load() >= 1 }, time.Second, time.Millisecond)
	close(speaker.gate)
	wg.Wait()

	assert.Equal(t, int32(1), speaker.calls.Load())
	assert.GreaterOrEqual(t, player.count(), 1)
}

func TestPlaybackController_Stop(t *testing.T) {
	player := &fakePlayer{}
	c := newTestController(t, &fakeSpeaker{}, player, nil)

	require.NoError(t, c.RequestPlay(context.Background(), "hi", "x"))
	c.Stop()

	_, active := c.Current()
	assert.False(t, active)
	assert.True(t, player.last().stopped.Load())
}
