package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tether/internal/config"
	"tether/internal/server"
)

func main() {
	cfg := config.LoadServer()

	db, err := server.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("[MAIN] open database: %v", err)
	}
	defer db.Close()
	if err := server.InitSchema(db); err != nil {
		log.Fatalf("[MAIN] init schema: %v", err)
	}

	store := server.NewStore(db)
	if err := store.CreateDefaultAdmin(cfg.AdminUser, cfg.AdminPass); err != nil {
		log.Fatalf("[MAIN] seed admin: %v", err)
	}
	if cfg.AdminPass == "" {
		log.Printf("[MAIN] ADMIN_PASS not set, no admin account seeded")
	}

	hub := server.NewHub()
	srv := server.NewServer(store, hub, server.Org{
		ID:           cfg.OrgID,
		Name:         cfg.OrgName,
		ContactEmail: cfg.OrgEmail,
		SupportPhone: cfg.OrgPhone,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[MAIN] policy store listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[MAIN] serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("[MAIN] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("[MAIN] shutdown: %v", err)
	}
}
