// Package speech transcribes short voice messages through the Volcengine
// streaming recognizer.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the non-streaming-output recognizer, which is more accurate
// for whole clips.
const DefaultEndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"

const (
	resourceDuration   = "volc.bigasr.sauc.duration"
	resourceConcurrent = "volc.bigasr.sauc.concurrent"

	// 16kHz, 16bit, mono: 200ms of audio
	chunkSize = 6400
)

var (
	ErrUnintelligible = errors.New("no speech recognized")
	ErrUnavailable    = errors.New("speech recognition unavailable")
)

// Options configure the transcriber.
type Options struct {
	AppID       string
	AccessToken string
	Language    string
	Concurrent  bool
	Timeout     time.Duration
	// Endpoint overrides DefaultEndpoint.
	Endpoint string
	// ChunkInterval paces audio chunks; zero means 200ms, negative disables pacing.
	ChunkInterval time.Duration
}

// Transcriber turns audio clips into text.
type Transcriber struct {
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewTranscriber creates a transcriber.
func NewTranscriber(opts Options) *Transcriber {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ChunkInterval == 0 {
		opts.ChunkInterval = 200 * time.Millisecond
	}
	if opts.Language == "" {
		opts.Language = "en-US"
	}
	return &Transcriber{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.Timeout},
		logger: slog.Default().With("component", "speech"),
	}
}

// Enabled reports whether credentials are configured.
func (t *Transcriber) Enabled() bool {
	return strings.TrimSpace(t.opts.AppID) != "" && strings.TrimSpace(t.opts.AccessToken) != ""
}

type recognizeRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type recognizeResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
}

func (t *Transcriber) buildRequest(connectID, format string) recognizeRequest {
	var req recognizeRequest
	req.User.UID = connectID

	req.Audio.Format = format
	if req.Audio.Format == "" {
		req.Audio.Format = "wav"
	}
	req.Audio.Language = t.opts.Language
	req.Audio.Codec = "raw"
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1

	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

// Transcribe recognizes audio encoded as format (wav, pcm, ogg, mp3).
// ErrUnintelligible when nothing is recognized; ErrUnavailable on transport
// or service faults.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if !t.Enabled() {
		return "", fmt.Errorf("%w: credentials not configured", ErrUnavailable)
	}
	if len(audio) == 0 {
		return "", ErrUnintelligible
	}

	callCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	connectID := uuid.NewString()
	resourceID := resourceDuration
	if t.opts.Concurrent {
		resourceID = resourceConcurrent
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", t.opts.AppID)
	header.Set("X-Api-Access-Key", t.opts.AccessToken)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := t.dialer.DialContext(callCtx, t.opts.Endpoint, header)
	if err != nil {
		return "", t.fault(ctx, fmt.Errorf("dial recognizer: %w", err))
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			t.logger.Debug("recognizer connected", "logid", logid, "connect_id", connectID)
		}
	}

	// unblock the reader when the deadline passes
	stop := context.AfterFunc(callCtx, func() { conn.Close() })
	defer stop()

	payload, err := json.Marshal(t.buildRequest(connectID, format))
	if err != nil {
		return "", fmt.Errorf("marshal recognize request: %w", err)
	}
	compressed, err := gzipBytes(payload)
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, newFullClientRequest(compressed).Encode()); err != nil {
		return "", t.fault(ctx, fmt.Errorf("send recognize request: %w", err))
	}

	go func() {
		if err := t.sendAudio(callCtx, conn, audio); err != nil {
			t.logger.Debug("audio upload stopped", "error", err)
			conn.Close()
		}
	}()

	text, err := t.receive(conn)
	if err != nil {
		return "", t.fault(ctx, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrUnintelligible
	}
	return text, nil
}

// fault maps a call failure, returning caller cancellation as is.
func (t *Transcriber) fault(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (t *Transcriber) sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	// sequence 1 belongs to the full client request
	sequence := int32(2)
	for offset := 0; offset < len(audio); offset += chunkSize {
		end := offset + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		last := end == len(audio)

		chunk, err := gzipBytes(audio[offset:end])
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, newAudioRequest(chunk, sequence, last).Encode()); err != nil {
			return fmt.Errorf("send audio chunk: %w", err)
		}
		sequence++

		if last || t.opts.ChunkInterval < 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.opts.ChunkInterval):
		}
	}
	return nil
}

func (t *Transcriber) receive(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read recognizer response: %w", err)
		}

		frame, err := DecodeFrame(bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("decode recognizer frame: %w", err)
		}

		switch frame.Header.MessageType {
		case ErrorMessage:
			body, _ := payloadBytes(frame)
			return "", fmt.Errorf("%w: recognizer error %d: %s", ErrUnavailable, frame.ErrorCode, string(body))

		case FullServerResponse:
			body, err := payloadBytes(frame)
			if err != nil {
				return "", err
			}

			var resp recognizeResponse
			if len(body) > 0 {
				if err := json.Unmarshal(body, &resp); err != nil {
					t.logger.Warn("failed to unmarshal recognizer response", "error", err)
					continue
				}
			}
			if resp.Code != 0 && resp.Code != 20000000 {
				return "", fmt.Errorf("%w: recognizer code %d: %s", ErrUnavailable, resp.Code, resp.Message)
			}

			if candidate := resultText(resp); candidate != "" {
				text = candidate
			}
			if frame.IsLast() {
				return text, nil
			}
		}
	}
}

func resultText(resp recognizeResponse) string {
	if resp.Result.Text != "" {
		return resp.Result.Text
	}
	parts := make([]string, 0, len(resp.Result.Utterances))
	for _, u := range resp.Result.Utterances {
		if u.Text != "" {
			parts = append(parts, u.Text)
		}
	}
	return strings.Join(parts, " ")
}
