package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPEngine forwards windows to a faster-whisper style HTTP service. The
// request body is the JSON float32 sample array; decoding options travel as
// query parameters.
type HTTPEngine struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

var _ Engine = (*HTTPEngine)(nil)

type httpTranscription struct {
	Language string        `json:"language"`
	Duration float64       `json:"duration"`
	Segments []httpSegment `json:"segments"`
}

type httpSegment struct {
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	AvgLogprob       float64 `json:"avg_logprob"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// NewHTTPEngine validates endpoint and returns an engine posting to it.
func NewHTTPEngine(endpoint string, client *http.Client, logger *slog.Logger) (*HTTPEngine, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("engine: invalid url for http engine %q", endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEngine{
		url:    parsed.String(),
		client: client,
		log:    logger.With("component", "engine.http", "url", parsed.Redacted()),
	}, nil
}

// Transcribe implements the Engine interface.
func (e *HTTPEngine) Transcribe(ctx context.Context, samples []float32, opts Options, fn SegmentFunc) (Info, error) {
	info := Info{
		Language:  normaliseLanguage(opts.Language, "auto"),
		DurationS: durationS(len(samples)),
		Device:    "remote",
	}
	if len(samples) == 0 {
		if opts.OnInfo != nil {
			opts.OnInfo(info)
		}
		return info, nil
	}

	payload, err := json.Marshal(samples)
	if err != nil {
		return info, fmt.Errorf("engine: encode samples: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.requestURL(opts), bytes.NewReader(payload))
	if err != nil {
		return info, fmt.Errorf("engine: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return info, fmt.Errorf("engine: post window: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("engine: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return info, fmt.Errorf("engine: http status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var transcription httpTranscription
	if err := json.Unmarshal(body, &transcription); err != nil {
		return info, fmt.Errorf("engine: decode response: %w", err)
	}
	if transcription.Language != "" {
		info.Language = transcription.Language
	}
	if transcription.Duration > 0 {
		info.DurationS = transcription.Duration
	}
	if opts.OnInfo != nil {
		opts.OnInfo(info)
	}
	e.log.Debug("remote transcription", "segments", len(transcription.Segments), "language", info.Language)

	for _, seg := range transcription.Segments {
		text := cleanSegmentText(seg.Text)
		if text == "" {
			continue
		}
		ratio := seg.CompressionRatio
		if ratio == 0 {
			ratio = CompressionRatio(text)
		}
		if fn == nil {
			continue
		}
		if err := fn(Segment{
			Text:             text,
			StartMs:          int64(seg.Start * 1000),
			EndMs:            int64(seg.End * 1000),
			CompressionRatio: ratio,
			AvgLogprob:       seg.AvgLogprob,
		}); err != nil {
			return info, err
		}
	}
	return info, nil
}

func (e *HTTPEngine) requestURL(opts Options) string {
	q := url.Values{}
	q.Set("language", normaliseLanguage(opts.Language, "auto"))
	if opts.BeamSize > 0 {
		q.Set("beam_size", strconv.Itoa(opts.BeamSize))
	}
	q.Set("vad_filter", strconv.FormatBool(opts.VADFilter))
	if opts.VADFilter && opts.VADMinSilenceMs > 0 {
		q.Set("min_silence_duration_ms", strconv.Itoa(opts.VADMinSilenceMs))
	}
	q.Set("temperature", strconv.FormatFloat(float64(opts.Temperature), 'f', -1, 32))
	if opts.RepetitionPenalty > 0 {
		q.Set("repetition_penalty", strconv.FormatFloat(float64(opts.RepetitionPenalty), 'f', -1, 32))
	}
	if opts.NoRepeatNgramSize > 0 {
		q.Set("no_repeat_ngram_size", strconv.Itoa(opts.NoRepeatNgramSize))
	}
	if opts.InitialPrompt != "" {
		q.Set("initial_prompt", opts.InitialPrompt)
	}
	q.Set("condition_on_previous_text", strconv.FormatBool(opts.ConditionOnPreviousText))

	sep := "?"
	if strings.Contains(e.url, "?") {
		sep = "&"
	}
	return e.url + sep + q.Encode()
}

// Close implements the Engine interface.
func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
