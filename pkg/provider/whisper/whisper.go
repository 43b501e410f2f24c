// Package whisper provides a provider.Transcriber backed by a running
// whisper.cpp server (POST /inference, multipart/form-data).
//
// Raw 16-bit little-endian PCM ("audio/pcm" or "audio/L16") is wrapped in a
// WAV container before upload; every other format is forwarded unchanged and
// decoded by the server.
//
//	tr, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	out, err := tr.Transcribe(ctx, audio, "audio/wav", provider.TranscribeOptions{})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
)

const (
	// bitsPerSample is fixed at 16 for the PCM audio whisper.cpp expects.
	bitsPerSample = 16

	defaultSampleRate = 16000
	defaultTimeout    = 5 * time.Minute
)

var _ provider.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the server (e.g. "base.en").
// When empty the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithLanguage sets the default language hint (e.g. "en", "de").
func WithLanguage(lang string) Option {
	return func(t *Transcriber) {
		t.language = lang
	}
}

// WithTimeout overrides the HTTP timeout. Defaults to five minutes.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcriber) {
		if d > 0 {
			t.httpClient.Timeout = d
		}
	}
}

// Transcriber implements provider.Transcriber against a whisper.cpp server.
type Transcriber struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Transcriber for the whisper.cpp server at serverURL
// (e.g. "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

type inferenceResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Transcribe implements provider.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, mimeHint string, opts provider.TranscribeOptions) (*provider.Transcription, error) {
	const op = "whisper: transcribe"
	if len(audio) == 0 {
		return nil, aierr.InvalidInput(op, "audio must not be empty")
	}

	payload, filename := audio, "audio"+extensionFor(mimeHint)
	if rate, ok := pcmRate(mimeHint); ok {
		payload, filename = encodeWAV(audio, rate, 1), "audio.wav"
	}

	lang := opts.Language
	if lang == "" {
		lang = t.language
	}
	model := opts.Model
	if model == "" {
		model = t.model
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("%s: create form file: %w", op, err)
	}
	if _, err := fw.Write(payload); err != nil {
		return nil, fmt.Errorf("%s: write audio: %w", op, err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        lang,
		"model":           model,
		"prompt":          opts.Prompt,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("%s: write %s field: %w", op, k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%s: close multipart writer: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, aierr.FromContext(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, aierr.New(aierr.ErrUpstream, op, "server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, aierr.FromContext(op, err)
	}
	var result inferenceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, aierr.Wrap(aierr.ErrUpstream, op+": parse response", err)
	}

	out := &provider.Transcription{
		Text:        strings.TrimSpace(result.Text),
		DurationSec: result.Duration,
		Language:    result.Language,
	}
	if out.Language == "" {
		out.Language = lang
	}
	if out.DurationSec == 0 {
		out.DurationSec = wavDuration(payload)
	}
	return out, nil
}

// pcmRate reports whether mimeHint names raw PCM and returns its sample rate.
func pcmRate(mimeHint string) (int, bool) {
	mt, params, err := mime.ParseMediaType(mimeHint)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(mt) {
	case "audio/pcm", "audio/l16":
	default:
		return 0, false
	}
	if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
		return r, true
	}
	return defaultSampleRate, true
}

func extensionFor(mimeHint string) string {
	mt, _, _ := mime.ParseMediaType(mimeHint)
	switch strings.ToLower(mt) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/flac":
		return ".flac"
	case "audio/webm":
		return ".webm"
	default:
		return ".wav"
	}
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a RIFF/WAV
// container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// wavDuration returns the duration of a canonical 44-byte-header WAV payload
// in seconds, or 0 when the payload is not one.
func wavDuration(wav []byte) float64 {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return 0
	}
	byteRate := binary.LittleEndian.Uint32(wav[28:32])
	if byteRate == 0 {
		return 0
	}
	dataSize := binary.LittleEndian.Uint32(wav[40:44])
	return float64(dataSize) / float64(byteRate)
}
