// Command tlsprobe runs a workflow trace against a TLS or DTLS peer and
// prints one analysis report per probe. It is configured entirely through
// the environment (or a .env file); see session.LoadConfigFromEnv.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"tlsprobe/probe"
	"tlsprobe/record"
	"tlsprobe/session"
	"tlsprobe/shared"
	"tlsprobe/trace"
)

func main() {
	logger, err := shared.NewLoggerFromEnv("tlsprobe")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Error("tlsprobe failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(logger *shared.Logger) error {
	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	build, err := traceBuilder(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := probe.NewRunner(cfg, logger.Logger).Run(ctx, cfg.Probes, build)
	if err != nil && results == nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(results); encErr != nil {
		return fmt.Errorf("failed to write reports: %w", encErr)
	}
	return err
}

// traceBuilder loads TRACE_FILE when set, otherwise scripts a full handshake
// for the key exchange of the first configured suite.
func traceBuilder(cfg *session.Config) (probe.TraceBuilder, error) {
	if cfg.TraceFile != "" {
		data, err := os.ReadFile(cfg.TraceFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read trace file: %w", err)
		}
		// Validate once up front; every probe decodes its own copy.
		if _, err := trace.Load(data); err != nil {
			return nil, fmt.Errorf("invalid trace file %s: %w", cfg.TraceFile, err)
		}
		return func(int) (*trace.Trace, error) { return trace.Load(data) }, nil
	}

	kex := record.KeyExchangeRSA
	if suite, ok := record.SuiteByID(cfg.CipherSuites[0]); ok {
		kex = suite.KeyExchange
	}
	dtls := cfg.HighestVersion.IsDTLS()
	return func(int) (*trace.Trace, error) { return trace.Handshake(kex, dtls), nil }, nil
}
