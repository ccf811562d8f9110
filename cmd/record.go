package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/pagecapture/internal/audio"
	"github.com/audiolibrelab/pagecapture/internal/pager"
	"github.com/audiolibrelab/pagecapture/internal/play"
	"github.com/audiolibrelab/pagecapture/internal/recorder"
	"github.com/audiolibrelab/pagecapture/internal/service"
	"github.com/audiolibrelab/pagecapture/internal/sink"
)

var recordCmd = &cobra.Command{
	Use:   "record [name]",
	Short: "Record from the input device into a file",
	Long: `Record from the configured input device until Ctrl+C, the --duration
elapses, or the source file ends (file backend). Pages are appended to
<output.directory>/<name>.<ext>; the name defaults to the start time.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := play.DefaultName(time.Now())
		if len(args) == 1 {
			name = args[0]
		}
		duration, _ := cmd.Flags().GetDuration("duration")
		output, _ := cmd.Flags().GetString("output")
		if output != "" {
			cfg.Output.Directory = output
		}

		return runRecord(cmd.Context(), name, duration)
	},
}

func init() {
	recordCmd.Flags().DurationP("duration", "d", 0, "stop after this long (0 records until interrupted)")
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
}

func runRecord(parent context.Context, name string, duration time.Duration) error {
	factory, ok := audio.Probe(cfg.Device)
	if !ok {
		return recorder.ErrNotSupported
	}
	shared := audio.NewSharedContext(factory)
	defer shared.Reset()

	actx, err := shared.Get()
	if err != nil {
		return fmt.Errorf("failed to open audio device: %w", err)
	}
	opts := cfg.Recorder.WithDefaults()
	if opts.WavSampleRate == 0 {
		opts.WavSampleRate = actx.SampleRate()
	}

	path := play.RecordingPath(cfg, name)
	file, err := sink.NewFileSink(path, cfg.Output.Format, opts)
	if err != nil {
		return err
	}
	defer file.Close()

	failed := make(chan error, 1)
	rec, err := recorder.New(shared, opts, sink.Tee(file.Write, logPage), recorder.WithHooks(recorder.Hooks{
		OnStart: func() { slog.Info("Recording started - Press Ctrl+C to stop", "file", path) },
		OnError: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	}))
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	ctx, finish := context.WithCancel(ctx)
	defer finish()

	if err := rec.Start(ctx); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to start recording: %w", err)
	}

	fromFile := audio.ResolveBackend(cfg.Device) == audio.BackendTypeFile
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := audio.WaitEnd(gctx, rec.Stream()); err != nil {
			return nil
		}
		if fromFile {
			slog.Info("Source file ended")
			finish()
		}
		return nil
	})

	g.Go(func() error {
		select {
		case err := <-failed:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Stopping recording...")
		stopCtx, cancel := context.WithTimeout(context.Background(), service.StopTimeout)
		defer cancel()
		return rec.Stop(stopCtx)
	})

	err = g.Wait()
	if closeErr := file.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to write recording: %w", closeErr))
	}
	if err != nil {
		return err
	}

	session, _ := rec.Session()
	pages, bytes := file.Stats()
	slog.Info("Recording saved",
		"file", path,
		"duration", session.StoppedAt.Sub(session.StartedAt).Round(time.Millisecond),
		"frames", session.Frames,
		"pages", pages,
		"bytes", bytes)
	return nil
}

func logPage(p pager.Page) {
	slog.Debug("Page written", "index", p.Index, "chunks", len(p.Chunks), "bytes", p.Len())
}
