package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/openwhisper/transcriber/internal/audio"
	"github.com/openwhisper/transcriber/internal/config"
	"github.com/openwhisper/transcriber/internal/session"
)

func newFileCommand(root *rootOptions) *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "file <audio.wav>",
		Short: "Transcribe a WAV file and store it as a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(os.Stderr)
			if err != nil {
				return err
			}
			if err := checkLanguage(language); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			path := args[0]
			run := a.runner.File(session.FileRequest{
				StartedAt: time.Now().UTC(),
				Path:      path,
				Filename:  filepath.Base(path),
				Language:  language,
			}, &printer{out: cmd.OutOrStdout()})

			stop := context.AfterFunc(ctx, run.Cancel)
			defer stop()
			res := run.Run(context.WithoutCancel(ctx))
			if res.Err != nil {
				return fmt.Errorf("session %d: %s", res.SessionID, session.MessageOf(res.Err))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "language hint (auto, fr, en, ...)")
	return cmd
}

func newStreamCommand(root *rootOptions) *cobra.Command {
	var (
		language string
		mode     string
		realtime bool
	)
	cmd := &cobra.Command{
		Use:   "stream <audio.wav>",
		Short: "Replay a WAV file through the live pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(os.Stderr)
			if err != nil {
				return err
			}
			if err := checkLanguage(language); err != nil {
				return err
			}
			clip, err := audio.DecodeWAVFile(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			source := audio.NewWAVSource(clip.Samples, audio.SampleRate, cfg.Audio.ChunkDurationMs, realtime)
			live := a.runner.Live(session.LiveRequest{
				Mode:     mode,
				Language: language,
				Source:   source,
			}, &printer{out: cmd.OutOrStdout()})

			stop := context.AfterFunc(ctx, live.Stop)
			defer stop()
			res := live.Run(context.WithoutCancel(ctx))
			if res.Err != nil {
				return fmt.Errorf("session %d: %s", res.SessionID, session.MessageOf(res.Err))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "language hint (auto, fr, en, ...)")
	cmd.Flags().StringVar(&mode, "mode", session.ModeTranscription, "session mode recorded with the transcript")
	cmd.Flags().BoolVar(&realtime, "realtime", true, "pace chunks at the speed of speech")
	return cmd
}

func checkLanguage(lang string) error {
	if lang == "" || lang == "auto" || config.IsSupportedLanguage(lang) {
		return nil
	}
	return fmt.Errorf("unsupported language %q", lang)
}

// printer renders session events for a terminal.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) Emit(ev session.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	switch ev.Type {
	case session.EventSessionStarted:
		_, err = fmt.Fprintf(p.out, "# session started (language %s)\n", ev.Language)
	case session.EventTranscriptDelta:
		_, err = fmt.Fprintf(p.out, "[%6.1fs] %s\n", float64(ev.ElapsedMs)/1000, ev.Delta)
	case session.EventProgress:
		if ev.Segment != nil {
			_, err = fmt.Fprintf(p.out, "[%5.1f%%] %s --> %s  %s\n", ev.Progress,
				clock(ev.Segment.StartMs), clock(ev.Segment.EndMs), ev.Segment.Text)
		}
	case session.EventError:
		_, err = fmt.Fprintf(p.out, "! %s (%s)\n", ev.Message, ev.Code)
	case session.EventSessionEnded:
		suffix := ""
		if ev.Cancelled {
			suffix = ", cancelled"
		}
		_, err = fmt.Fprintf(p.out, "# session ended after %.2fs%s\n", ev.DurationS, suffix)
	}
	return err
}

func clock(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%02d:%02d.%03d", int(d.Minutes()), int(d.Seconds())%60, ms%1000)
}
