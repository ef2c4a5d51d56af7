// Command xrdread opens a file through requestmanager.Manager against
// an xrdclient-backed redirector, issues one single-range read, and
// logs the result the way the teacher's client CLI does.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dertexaner/xrdreqmgr/internal/requestmanager"
	"github.com/dertexaner/xrdreqmgr/internal/xrdclient"
	"github.com/dertexaner/xrdreqmgr/internal/xrdcore"
)

func main() {
	var (
		redirectorAddr = flag.String("redirector", "localhost:1094", "Redirector address (host:port)")
		fileName       = flag.String("file", "/store/testfile.dat", "Remote file name to open")
		offset         = flag.Int64("offset", 0, "Byte offset for a single-range read")
		length         = flag.Int("length", 1<<20, "Byte length for a single-range read")
		insecure       = flag.Bool("insecure", true, "Skip TLS certificate verification")
		caFile         = flag.String("ca", "", "Path to CA certificate for the redirector/data servers")
		logLevelStr    = flag.String("loglevel", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	logLevel := parseLogLevel(*logLevelStr)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("xrdread starting", "redirector", *redirectorAddr, "file", *fileName, "offset", *offset, "length", *length)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tlsConf := &tls.Config{InsecureSkipVerify: *insecure}
	if *caFile != "" {
		loadCACertFromFile(tlsConf, *caFile, logger)
	}

	pool := xrdclient.NewConnectionPool(xrdclient.PoolConfig{TLSClientConfig: tlsConf, Logger: logger})
	defer pool.Close()

	client := xrdclient.NewClient(*redirectorAddr, pool, logger)

	params := xrdcore.OpenParams{Name: *fileName, Flags: 0, Perms: 0644}
	mgr, err := requestmanager.New(ctx, params, client, requestmanager.WithLogger(logger))
	if err != nil {
		logger.Error("open failed", "error", err)
		os.Exit(1)
	}
	defer mgr.Shutdown()

	req := &xrdcore.ClientRequest{
		Chunks: []xrdcore.IOChunk{{Offset: *offset, Size: *length}},
	}

	start := time.Now()
	future, err := mgr.Handle(ctx, req)
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		os.Exit(1)
	}

	n, err := future.Get(ctx)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("read cancelled")
			os.Exit(130)
		}
		logger.Error("read failed", "error", err)
		os.Exit(1)
	}

	active, inactive, disabled := mgr.Snapshot()
	logger.Info("read completed",
		"bytes", n,
		"elapsed", elapsed,
		"active_sources", strings.Join(active, ","),
		"inactive_sources", strings.Join(inactive, ","),
		"disabled_sources", strings.Join(disabled, ","),
	)
	fmt.Printf("read %d bytes in %s\n", n, elapsed)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadCACertFromFile(tlsConfig *tls.Config, caFile string, logger *slog.Logger) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		logger.Error("failed to read CA certificate file, proceeding without it", "ca_file", caFile, "error", err)
		return
	}
	if tlsConfig.RootCAs == nil {
		pool, errSys := x509.SystemCertPool()
		if errSys != nil {
			pool = x509.NewCertPool()
		}
		tlsConfig.RootCAs = pool
	}
	if ok := tlsConfig.RootCAs.AppendCertsFromPEM(caCert); !ok {
		logger.Error("failed to append CA certificate to pool", "ca_file", caFile)
	} else {
		logger.Info("loaded CA certificate", "ca_file", caFile)
	}
}
