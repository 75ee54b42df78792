// Command violationd runs the traffic-violation detection daemon: it hosts
// video-processing sessions fed by an external detector and serves tracked
// vehicles, live events and finalized violations over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/violation.report/internal/api"
	"github.com/banshee-data/violation.report/internal/db"
	"github.com/banshee-data/violation.report/internal/session"
	"github.com/banshee-data/violation.report/internal/units"
	"github.com/banshee-data/violation.report/internal/vision"
)

const DB_FILE = "violations.db"

var (
	listen       = flag.String("listen", ":8080", "Listen address")
	dbPath       = flag.String("db", DB_FILE, "Path to the violations database")
	evidenceDir  = flag.String("evidence-dir", "evidence", "Directory for evidence snapshots")
	displayUnits = flag.String("units", units.KMPH, "Display units for speeds ("+units.GetValidUnitsString()+")")
	diagLogs     = flag.Bool("diag", false, "Enable diagnostic logging")
	traceLogs    = flag.Bool("trace", false, "Enable per-frame trace logging")
)

func main() {
	flag.Parse()

	if !units.IsValid(*displayUnits) {
		log.Fatalf("invalid units %q, expected one of: %s", *displayUnits, units.GetValidUnitsString())
	}

	writers := vision.LogWriters{Ops: os.Stderr}
	if *diagLogs {
		writers.Diag = os.Stderr
	}
	if *traceLogs {
		writers.Trace = os.Stderr
	}
	vision.SetLogWriters(writers)

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	evidence, err := session.NewDirEvidenceSink(*evidenceDir)
	if err != nil {
		log.Fatalf("failed to prepare evidence directory: %v", err)
	}

	hub := api.NewHub()
	go hub.Run()

	// Plate reading is an external collaborator; the daemon starts without
	// one and sessions simply carry empty plates until it is wired in.
	manager := session.NewManager(nil, evidence,
		func(sessionID string) vision.PersistenceSink { return database.SinkFor(sessionID) },
		hub)

	server := api.NewServer(manager, database, hub, *displayUnits)
	httpServer := &http.Server{
		Addr:    *listen,
		Handler: server.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("listening on %s", *listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	fmt.Println("\nshutting down")

	// Stop every session; each one still flushes its pending violations.
	for _, st := range manager.List() {
		if st.Active {
			manager.Stop(st.ID)
		}
	}
	if err := manager.Wait(); err != nil {
		log.Printf("session shutdown: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
