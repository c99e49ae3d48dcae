package tutor

import (
	"encoding/base64"
	"encoding/binary"
	"mime"
	"strconv"
	"strings"

	"github.com/vango-go/tutor-relay/pkg/core"
)

// Speech audio format: 16-bit little-endian mono PCM.
const (
	// DefaultSampleRate is used when the speech MIME type names no rate.
	DefaultSampleRate = 24000

	BitsPerSample = 16
	Channels      = 1
)

const wavHeaderSize = 44

// DecodeAudio decodes base64 PCM samples. Standard and URL-safe alphabets are
// accepted, with or without padding.
func DecodeAudio(b64 string) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return nil, core.NewInvalidAudioError("audio payload is empty", nil)
	}
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		pcm, err := enc.DecodeString(b64)
		if err == nil {
			return pcm, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, core.NewInvalidAudioError("audio payload is not valid base64", firstErr)
}

// Synthesize decodes base64 PCM and wraps it in a WAV container.
func Synthesize(b64 string, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, core.NewInvalidAudioError("sample rate must be > 0, got "+strconv.Itoa(sampleRate), nil)
	}
	pcm, err := DecodeAudio(b64)
	if err != nil {
		return nil, err
	}
	return PCMToWAV(pcm, sampleRate, BitsPerSample, Channels), nil
}

// PCMToWAV wraps raw PCM audio data with a 44-byte WAV header.
//
//	wav := tutor.PCMToWAV(pcm, 24000, 16, 1)
//	os.WriteFile("reply.wav", wav, 0644)
func PCMToWAV(pcmData []byte, sampleRate, bitsPerSample, channels int) []byte {
	dataLen := len(pcmData)
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, wavHeaderSize, wavHeaderSize+dataLen)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(bitsPerSample))

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))

	return append(out, pcmData...)
}

// SampleRateFromMIME reads the rate parameter of a speech MIME type such as
// "audio/L16;codec=pcm;rate=24000", falling back to DefaultSampleRate.
func SampleRateFromMIME(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return DefaultSampleRate
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return DefaultSampleRate
	}
	return rate
}
