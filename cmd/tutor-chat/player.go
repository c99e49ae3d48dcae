package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	tutor "github.com/vango-go/tutor-relay/sdk"
)

// ffplayWAVPlayer plays WAV clips by piping them into ffplay.
type ffplayWAVPlayer struct {
	path string
}

func newFFplayWAVPlayer() (*ffplayWAVPlayer, error) {
	path, err := exec.LookPath("ffplay")
	if err != nil {
		return nil, errors.New("ffplay is required for audio playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	return &ffplayWAVPlayer{path: path}, nil
}

func (p *ffplayWAVPlayer) Play(wav []byte) (tutor.Playback, error) {
	cmd := exec.Command(p.path,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-i", "pipe:0",
	)
	cmd.Stdin = bytes.NewReader(wav)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}

	pb := &ffplayPlayback{cmd: cmd, done: make(chan error, 1)}
	go pb.wait()
	return pb, nil
}

type ffplayPlayback struct {
	cmd  *exec.Cmd
	done chan error

	mu      sync.Mutex
	stopped bool
}

func (p *ffplayPlayback) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		err = nil
	}
	p.done <- err
}

func (p *ffplayPlayback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *ffplayPlayback) Done() <-chan error {
	return p.done
}
