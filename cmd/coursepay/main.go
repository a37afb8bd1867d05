package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/iurnickita/coursepay/internal/auth"
	"github.com/iurnickita/coursepay/internal/config"
	"github.com/iurnickita/coursepay/internal/enrollment"
	"github.com/iurnickita/coursepay/internal/handler"
	"github.com/iurnickita/coursepay/internal/logger"
	"github.com/iurnickita/coursepay/internal/notify"
	"github.com/iurnickita/coursepay/internal/service"
	"github.com/iurnickita/coursepay/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := store.NewStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.Store.DBDsn == "" {
		zaplog.Warn("DATABASE_URI is not set, using in-memory store")
	}

	notify := notify.NewNotify(notify.NewSender(cfg.Notify, zaplog), zaplog)
	enroller := enrollment.NewEnrollment(cfg.Enrollment, store, notify, zaplog)

	// восстановление зависших зачислений
	if cfg.Enrollment.RecoverySchedule != "" {
		recovery, err := enrollment.StartRecovery(enroller, cfg.Enrollment.RecoverySchedule, zaplog)
		if err != nil {
			return err
		}
		defer func() { <-recovery.Stop().Done() }()
	}

	service, err := service.NewService(cfg.Service, store, enroller, notify, zaplog)
	if err != nil {
		return err
	}
	auth := auth.NewAuth(cfg.Handler.JWTSecret)

	zaplog.Info("coursepay starting", zap.String("addr", cfg.Handler.ServerAddr))
	return handler.Serve(ctx, cfg.Handler, auth, service, zaplog)
}
