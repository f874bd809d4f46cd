package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/runtime"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/transducer"
	"github.com/loqalabs/loqa-stt/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		audioPath  string
		tokensPath string
		text       string
		voice      string
		outPath    string
	)
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	transcribeCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	transcribeCmd.StringVar(&audioPath, "file", "", "Audio file to transcribe")
	vocabCmd := flag.NewFlagSet("vocab", flag.ExitOnError)
	vocabCmd.StringVar(&tokensPath, "file", "tokens.txt", "Path to vocabulary file")
	speakCmd := flag.NewFlagSet("speak", flag.ExitOnError)
	speakCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	speakCmd.StringVar(&text, "text", "", "Text to synthesize")
	speakCmd.StringVar(&voice, "voice", "", "Voice id (defaults to tts.voice)")
	speakCmd.StringVar(&outPath, "out", "tts-audio.wav", "Output WAV file")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'speak', 'vocab' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "transcribe":
		transcribeCmd.Parse(os.Args[2:])
		if audioPath == "" {
			fmt.Fprintln(os.Stderr, "-file is required")
			os.Exit(2)
		}
		if err := runTranscribe(configPath, audioPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "speak":
		speakCmd.Parse(os.Args[2:])
		if text == "" {
			fmt.Fprintln(os.Stderr, "-text is required")
			os.Exit(2)
		}
		if err := runSpeak(configPath, text, voice, outPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "vocab":
		vocabCmd.Parse(os.Args[2:])
		if err := runVocab(tokensPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runTranscribe pushes one file through the same session path the server
// uses and prints the reply the client would have received.
func runTranscribe(configPath, audioPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	pipeline, model, err := runtime.BuildPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer model.Close()

	session := stt.NewSession(uuid.NewString(), pipeline, nil, logger)
	defer session.Close()
	session.Accept(data)

	enc := json.NewEncoder(os.Stdout)
	res, flushErr := session.Flush(context.Background())
	if flushErr != nil {
		if err := enc.Encode(protocol.NewError(flushErr.Error())); err != nil {
			return err
		}
		return flushErr
	}
	return enc.Encode(protocol.NewFullSentence(res.Text, res.RTF))
}

// runSpeak renders text with the configured synthesizer, whether or not
// the server has tts enabled.
func runSpeak(configPath, text, voice, outPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc, err := tts.New(cfg.TTS, logger)
	if err != nil {
		return err
	}
	pcm, err := svc.Render(context.Background(), tts.SynthRequest{Text: text, Voice: voice})
	if err != nil {
		return err
	}
	data, err := audio.EncodeWAV(pcm.Samples, pcm.SampleRate)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Printf("wrote %s: %.2fs at %d Hz\n", outPath, pcm.Duration().Seconds(), pcm.SampleRate)
	return nil
}

func runVocab(path string) error {
	vocab, err := transducer.LoadVocabulary(path)
	if err != nil {
		return err
	}
	fmt.Printf("vocabulary valid: %d tokens, blank id %d\n", vocab.Len(), vocab.Blank())
	return nil
}
