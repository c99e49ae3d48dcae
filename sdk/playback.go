package tutor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultAudioCacheSize bounds the number of cached clips.
const DefaultAudioCacheSize = 128

// ControlID identifies the UI control that asked for playback, e.g. a button
// next to a message.
type ControlID string

// Clip is a synthesized, playable WAV clip.
type Clip struct {
	Key        string
	WAV        []byte
	SampleRate int
}

// Player starts playing WAV bytes.
type Player interface {
	Play(wav []byte) (Playback, error)
}

// Playback is a clip in progress. Done yields once when it ends: nil at the
// natural end, otherwise the player error. Stop must be safe to call more
// than once.
type Playback interface {
	Stop()
	Done() <-chan error
}

// Marker shows or hides the playing state of a control. It is called with the
// controller locked and must not call back into it.
type Marker interface {
	SetPlaying(control ControlID, playing bool)
}

// Speaker synthesizes speech for text.
type Speaker interface {
	Speak(ctx context.Context, text string) (*Speech, error)
}

// PlaybackConfig configures a PlaybackController.
type PlaybackConfig struct {
	Speaker   Speaker
	Player    Player
	Marker    Marker // optional
	CacheSize int    // <= 0 means DefaultAudioCacheSize
	Logger    *slog.Logger
}

// PlaybackController plays at most one clip at a time and caches clips by
// exact text.
type PlaybackController struct {
	speaker Speaker
	player  Player
	marker  Marker
	logger  *slog.Logger

	cache *lru.Cache[string, *Clip]
	group singleflight.Group

	mu      sync.Mutex
	current ControlID
	playing Playback
	gen     uint64
}

func NewPlaybackController(cfg PlaybackConfig) (*PlaybackController, error) {
	if cfg.Speaker == nil || cfg.Player == nil {
		return nil, fmt.Errorf("playback: speaker and player are required")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultAudioCacheSize
	}
	cache, err := lru.New[string, *Clip](size)
	if err != nil {
		return nil, fmt.Errorf("playback: create clip cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaybackController{
		speaker: cfg.Speaker,
		player:  cfg.Player,
		marker:  cfg.Marker,
		logger:  logger,
		cache:   cache,
	}, nil
}

// RequestPlay plays the clip for text on behalf of control. Requesting the
// control that is already current stops it instead. Any other playing clip
// is stopped first. RequestPlay returns once the clip has started.
func (c *PlaybackController) RequestPlay(ctx context.Context, text string, control ControlID) error {
	c.mu.Lock()
	toggle := c.current != "" && c.current == control
	c.stopLocked()
	c.gen++
	gen := c.gen
	if toggle {
		c.mu.Unlock()
		return nil
	}
	c.current = control
	c.mark(control, true)
	c.mu.Unlock()

	clip, err := c.clip(ctx, text)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.clearLocked()
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// Superseded while synthesizing.
		return nil
	}
	pb, err := c.player.Play(clip.WAV)
	if err != nil {
		c.clearLocked()
		return fmt.Errorf("play clip: %w", err)
	}
	c.playing = pb
	go c.watch(gen, control, pb)
	return nil
}

// Stop stops any playing clip and returns to idle.
func (c *PlaybackController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.gen++
}

// Current returns the control being played and whether one is active.
func (c *PlaybackController) Current() (ControlID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current != ""
}

// Cached reports whether a clip for text is cached.
func (c *PlaybackController) Cached(text string) bool {
	return c.cache.Contains(text)
}

func (c *PlaybackController) watch(gen uint64, control ControlID, pb Playback) {
	err := <-pb.Done()

	c.mu.Lock()
	if c.gen == gen {
		c.clearLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("audio playback failed", "control", string(control), "error", err)
	}
}

// clip returns the cached clip for text, synthesizing it at most once.
func (c *PlaybackController) clip(ctx context.Context, text string) (*Clip, error) {
	if clip, ok := c.cache.Get(text); ok {
		return clip, nil
	}
	v, err, _ := c.group.Do(text, func() (any, error) {
		if clip, ok := c.cache.Get(text); ok {
			return clip, nil
		}
		speech, err := c.speaker.Speak(ctx, text)
		if err != nil {
			return nil, err
		}
		rate := SampleRateFromMIME(speech.MIMEType)
		wav, err := Synthesize(speech.Data, rate)
		if err != nil {
			return nil, err
		}
		clip := &Clip{Key: text, WAV: wav, SampleRate: rate}
		c.cache.Add(text, clip)
		return clip, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Clip), nil
}

func (c *PlaybackController) stopLocked() {
	if c.playing != nil {
		c.playing.Stop()
	}
	c.clearLocked()
}

func (c *PlaybackController) clearLocked() {
	if c.current != "" {
		c.mark(c.current, false)
	}
	c.current = ""
	c.playing = nil
}

func (c *PlaybackController) mark(control ControlID, playing bool) {
	if c.marker != nil {
		c.marker.SetPlaying(control, playing)
	}
}
