package main

import (
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/ailicia-topchat/internal/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("devapi: .env", "err", err)
	}

	var (
		addr   string
		apiKey string
	)
	flag.StringVar(&addr, "addr", ":8787", "HTTP listen address")
	flag.StringVar(&apiKey, "api-key", os.Getenv("AILICIA_API_KEY"), "API key clients must present (empty accepts any)")
	flag.Parse()

	logging.Setup(logging.Options{Level: os.Getenv("AILICIA_LOG_LEVEL")})

	api := newDevAPI(apiKey)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("devapi: listening", "addr", addr, "auth", apiKey != "")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("devapi: serve", "err", err)
		os.Exit(1)
	}
}
