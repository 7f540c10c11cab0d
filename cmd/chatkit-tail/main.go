package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatkit/pkg/config"
	"chatkit/pkg/keyval"
	"chatkit/pkg/logger"
	"chatkit/pkg/models"
	"chatkit/pkg/session"
	"chatkit/pkg/tracker"
)

// chatkit-tail opens a visitor session against a chat server and prints
// the message timeline as it evolves. It doubles as a smoke tool for the
// sync engine: page back with an initial history load, then tail deltas.
func main() {
	_ = godotenv.Load(".env")

	cfgPath := flag.String("config", "", "path to yaml config (env also works)")
	metricsAddr := flag.String("metrics", "", "expose prometheus metrics on this address (e.g. :9090)")
	pageID := flag.String("page-id", "", "initial page id credential")
	token := flag.String("token", "", "initial auth token credential")
	pageSize := flag.Int("page", 25, "messages per history page")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.InitWithLevel(cfg.Logging.Level)

	var kv keyval.Store
	if cfg.Storage.Path != "" {
		f, err := keyval.OpenFile(filepath.Join(cfg.Storage.Path, "session.json"))
		if err != nil {
			log.Fatalf("failed to open session store: %v", err)
		}
		kv = f
	} else {
		kv = keyval.NewMemory()
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics_server_failed", "addr", *metricsAddr, "error", err)
			}
		}()
	}

	fatal := make(chan string, 1)
	sess, err := session.New(cfg, kv, func(code string) { fatal <- code })
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}
	if *pageID != "" && *token != "" {
		sess.SetAuth(*pageID, *token)
	}

	sess.NewTracker(printer{}, func(t *tracker.Tracker) {
		t.LastMessages(*pageSize, func(page []models.Message) {
			for _, m := range page {
				printMessage("", m)
			}
		})
	})
	sess.Resume()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case code := <-fatal:
		log.Printf("session terminated by server: %s", code)
		os.Exit(1)
	case s := <-sig:
		log.Printf("received %s, shutting down", s)
	}
	sess.Destroy()
}

// printer renders tracker events to stdout. Callbacks arrive on the
// session executor, so plain Printf is safe.
type printer struct{}

func (printer) Added(m models.Message)      { printMessage("+", m) }
func (printer) Changed(_, m models.Message) { printMessage("~", m) }
func (printer) Removed(m models.Message)    { printMessage("-", m) }
func (printer) RemovedAll()                 { fmt.Println("--- local data cleared ---") }

func printMessage(prefix string, m models.Message) {
	ts := time.UnixMicro(m.TSMicros).Format("15:04:05")
	text := m.Text
	if m.Attachment != nil {
		text = fmt.Sprintf("[file %s]", m.Attachment.FileName)
	}
	if prefix == "" {
		fmt.Printf("%s %-12s %s\n", ts, m.Author, text)
		return
	}
	fmt.Printf("%s %s %-12s %s\n", prefix, ts, m.Author, text)
}
