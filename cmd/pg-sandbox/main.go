package main

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/internal/gateway/sandbox"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
)

func main() {
	port := getenv("PORT", "8090")
	logger, err := logging.New("pg-sandbox", getenv("LOG_LEVEL", "info"))
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	pg := sandbox.New(logger)
	pg.SetFailpoints(sandbox.Failpoints{
		Confirm: getenv("SANDBOX_CONFIRM", sandbox.ModeOff),
		Cancel:  getenv("SANDBOX_CANCEL", sandbox.ModeOff),
	})

	srv := &http.Server{Addr: ":" + port, Handler: pg.Handler(), ReadHeaderTimeout: 5 * time.Second}
	logger.Info("pg sandbox listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal("pg sandbox stopped", zap.Error(err))
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
