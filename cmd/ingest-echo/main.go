// ingest-echo is a local stand-in for the ingest sink. It checks the
// X-INGEST-KEY header, applies every body to an in-memory position book and
// serves the book on GET /positions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"brokerstream/logger"
	"brokerstream/models"
)

const maxIngestBody = 8 << 20

type server struct {
	key  string
	book *models.Book
	log  *logger.Log
}

func (s *server) ingest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.key != "" && r.Header.Get("X-INGEST-KEY") != s.key {
		logger.Increment("ingest_rejected")
		http.Error(w, `{"error":"invalid ingest key"}`, http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := s.book.Apply(body)
	if err != nil {
		s.log.WithComponent("ingest_echo").WithError(err).Warn("rejected ingest body")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger.Add("ingest_applied", n)
	s.log.WithComponent("ingest_echo").WithFields(logger.Fields{"applied": n, "bytes": len(body)}).Debug("ingest body applied")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"applied": n})
}

func (s *server) positions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.book.All())
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.ingest)
	mux.HandleFunc("/positions", s.positions)
	return mux
}

func main() {
	log := logger.GetLogger()
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	addr := flag.String("addr", ":8089", "listen address")
	key := flag.String("key", os.Getenv("INGEST_KEY"), "expected X-INGEST-KEY value (empty accepts any)")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	if err := log.Configure(*level, "text", "stdout", 0); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	s := &server{key: *key, book: models.NewBook(), log: log}
	srv := &http.Server{Addr: *addr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.WithFields(logger.Fields{"addr": *addr}).Info("ingest echo listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("ingest echo server failed")
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	log.WithFields(logger.Fields{"positions": len(s.book.All())}).Info("ingest echo stopped")
}
