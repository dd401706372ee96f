package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/shpitdev/developer-enricher/pkg/mockmcp"
)

func main() {
	addr := defaultString("MOCK_MCP_ADDR", ":8090")
	fixturesPath := defaultString("MOCK_MCP_FIXTURES", "")
	framing := defaultString("MOCK_MCP_FRAMING", "sse")

	fs := flag.NewFlagSet("mock-mcp", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&fixturesPath, "fixtures", fixturesPath, `JSON file of {"<tool>": {"<org number>": <payload>}}`)
	fs.StringVar(&framing, "framing", framing, "Response framing: json or sse")
	_ = fs.Parse(os.Args[1:])

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	srv := mockmcp.New()
	switch strings.ToLower(strings.TrimSpace(framing)) {
	case "sse":
		srv.SetFraming(mockmcp.FramingSSE)
	case "json":
		srv.SetFraming(mockmcp.FramingJSON)
	default:
		logger.Error().Str("framing", framing).Msg("framing must be json or sse")
		os.Exit(2)
	}

	tools := 0
	if fixturesPath != "" {
		fixtures, err := loadFixtures(fixturesPath)
		if err != nil {
			logger.Error().Err(err).Msg("load fixtures")
			os.Exit(2)
		}
		srv.LoadFixtures(fixtures)
		tools = len(fixtures)
	}

	logger.Info().Str("addr", addr).Str("framing", framing).Int("tools", tools).Msg("mock-mcp listening")
	if err := fasthttp.ListenAndServe(addr, fasthttpadaptor.NewFastHTTPHandler(srv.Handler())); err != nil {
		logger.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
}

func loadFixtures(path string) (mockmcp.Fixtures, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f mockmcp.Fixtures
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
