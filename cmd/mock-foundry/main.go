package main

import (
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shpitdev/developer-enricher/pkg/mockfoundry"
)

func main() {
	addr := defaultString("MOCK_FOUNDRY_ADDR", ":8080")
	inputDir := defaultString("MOCK_FOUNDRY_INPUT_DIR", "/data/inputs")
	uploadDir := defaultString("MOCK_FOUNDRY_UPLOAD_DIR", "/data/uploads")
	token := defaultString("MOCK_FOUNDRY_TOKEN", "")

	fs := flag.NewFlagSet("mock-foundry", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&inputDir, "input-dir", inputDir, "Directory of seed files laid out as <rid>/<path>")
	fs.StringVar(&uploadDir, "upload-dir", uploadDir, "Directory to persist committed files")
	fs.StringVar(&token, "token", token, "Bearer token to require; empty accepts any request")
	_ = fs.Parse(os.Args[1:])

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	srv := mockfoundry.New(inputDir, uploadDir)
	srv.RequireBearerToken(token)

	logger.Info().
		Str("addr", addr).
		Str("input", inputDir).
		Str("upload", uploadDir).
		Bool("auth", token != "").
		Msg("mock-foundry listening")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		logger.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
