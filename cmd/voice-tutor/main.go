package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/user/voice-tutor/internal/audio"
	"github.com/user/voice-tutor/internal/config"
	"github.com/user/voice-tutor/internal/history"
	"github.com/user/voice-tutor/internal/playback"
	"github.com/user/voice-tutor/internal/session"
	"github.com/user/voice-tutor/internal/voices"
)

func main() {
	input := flag.String("input", "", "WAV file to stream as microphone input (16-bit mono PCM)")
	outDir := flag.String("out", "./responses", "directory for synthesized audio responses")
	voiceID := flag.String("voice", "", "voice to request (overrides VOICE_DEFAULT_ID)")
	listVoices := flag.Bool("list-voices", false, "print the available voices and exit")
	companionID := flag.String("companion", "default", "companion identifier for session history")
	companionName := flag.String("companion-name", "", "companion display name")
	subject := flag.String("subject", "", "lesson subject")
	topic := flag.String("topic", "", "lesson topic")
	style := flag.String("style", "", "conversation style")
	unitTitle := flag.String("unit-title", "", "unit title")
	unitContent := flag.String("unit-content", "", "unit content summary")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	setupLogging(cfg.LogLevel)

	log.Info().Msg("Starting voice tutor client")

	if *listVoices {
		printVoices(cfg)
		return
	}

	if *input == "" {
		log.Fatal().Msg("Missing required -input WAV file")
	}

	store, err := history.NewStore(cfg.HistoryDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history store")
	}

	engine := session.New(cfg, session.Info{
		CompanionID:   *companionID,
		CompanionName: *companionName,
		Subject:       *subject,
		Style:         *style,
		Topic:         *topic,
		UnitTitle:     *unitTitle,
		UnitContent:   *unitContent,
	}, store)

	// Capture pipeline: WAV file stands in for the microphone.
	capture := audio.NewCapture(audio.CaptureConfig{
		Constraints: audio.Constraints{
			SampleRate:       cfg.SampleRate,
			Channels:         audio.Channels,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		AnalyserWindow:    cfg.AnalyserWindow,
		Smoothing:         cfg.Smoothing,
		MinUtteranceBytes: cfg.MinUtteranceBytes,
	}, audio.NewWAVDevice(*input), engine.Flags(), engine.UtteranceSink())

	if cfg.UseClassifier {
		classifier, err := audio.NewWebRTCClassifier(cfg.ClassifierMode)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create speech classifier")
		}
		capture.SetClassifier(classifier)
	}
	engine.AttachCapture(capture)

	player, err := playback.NewFilePlayer(*outDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create playback directory")
	}
	engine.AttachPlayback(playback.NewSequencer(player, engine.PlaybackStarted, engine.PlaybackEnded))

	if *voiceID != "" {
		if err := engine.SetVoice(*voiceID); err != nil {
			log.Fatal().Err(err).Msg("Failed to select voice")
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := engine.Run(runCtx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Engine stopped with error")
		}
	}()

	if err := engine.Connect(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start call")
	}

	log.Info().Str("session_id", engine.SessionID()).Msg("Call starting. Press Ctrl+C to end.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Info().Msg("Ending call...")
	engine.Disconnect()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		for engine.Status() != session.StatusFinished {
			time.Sleep(100 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info().Int("messages", engine.Transcript().Len()).Msg("Call ended gracefully")
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing exit")
	}

	cancel()
	<-runDone
}

func printVoices(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	catalog := voices.NewCatalog(cfg.VoicesURL, cfg.ServerURL)
	for _, v := range catalog.Fetch(ctx) {
		fmt.Printf("%-10s %-24s %-6s %s\n", v.ID, v.DisplayName, v.Language, v.Description)
	}
}

func setupLogging(level string) {
	// Setup zerolog
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	// Set log level
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("level", level).Msg("Logging configured")
}
