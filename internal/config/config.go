package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	enrollmentConfig "github.com/iurnickita/coursepay/internal/enrollment/config"
	handlerConfig "github.com/iurnickita/coursepay/internal/handler/config"
	loggerConfig "github.com/iurnickita/coursepay/internal/logger/config"
	notifyConfig "github.com/iurnickita/coursepay/internal/notify/config"
	serviceConfig "github.com/iurnickita/coursepay/internal/service/config"
	storeConfig "github.com/iurnickita/coursepay/internal/store/config"
)

type Config struct {
	Handler    handlerConfig.Config
	Service    serviceConfig.Config
	Store      storeConfig.Config
	Logger     loggerConfig.Config
	Notify     notifyConfig.Config
	Enrollment enrollmentConfig.Config
}

// GetConfig читает .env, флаги и переменные окружения.
// Окружение имеет приоритет над флагами.
func GetConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return parse(os.Args[1:], os.LookupEnv)
}

func parse(args []string, lookupEnv func(string) (string, bool)) (Config, error) {
	var cfg Config

	fl := flag.NewFlagSet("coursepay", flag.ContinueOnError)
	fl.StringVar(&cfg.Handler.ServerAddr, "a", "localhost:8080", "address and port to run server")
	fl.StringVar(&cfg.Handler.JWTSecret, "j", "", "secret used to check user tokens")
	fl.DurationVar(&cfg.Handler.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	fl.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	fl.StringVar(&cfg.Store.DBDsn, "d", "", "database connection string, empty for in-memory store")
	maxConns := fl.Int("db-max-conns", 10, "database pool size")
	fl.StringVar(&cfg.Service.GatewayAddr, "g", "https://api.razorpay.com", "payment gateway address")
	fl.StringVar(&cfg.Service.GatewayKeyID, "gateway-key-id", "", "payment gateway key id")
	fl.StringVar(&cfg.Service.GatewayKeySecret, "gateway-key-secret", "", "payment gateway key secret")
	fl.DurationVar(&cfg.Service.GatewayTimeout, "gateway-timeout", 10*time.Second, "payment gateway request timeout")
	fl.StringVar(&cfg.Service.Currency, "currency", "INR", "order currency")
	fl.IntVar(&cfg.Enrollment.Concurrency, "enroll-concurrency", 4, "courses enrolled in parallel")
	fl.IntVar(&cfg.Enrollment.MaxTries, "enroll-max-tries", 5, "tries per enrollment attempt")
	fl.DurationVar(&cfg.Enrollment.StallAfter, "enroll-stall-after", 5*time.Minute, "age of an unfinished attempt before recovery picks it up")
	fl.StringVar(&cfg.Enrollment.RecoverySchedule, "recovery-schedule", "@every 1m", "cron schedule of enrollment recovery, empty to disable")
	fl.StringVar(&cfg.Notify.From, "mail-from", "", "sender address")
	fl.StringVar(&cfg.Notify.FromName, "mail-from-name", "Courses", "sender name")
	fl.StringVar(&cfg.Notify.SMTPHost, "smtp-host", "", "SMTP host")
	fl.StringVar(&cfg.Notify.SMTPPort, "smtp-port", "587", "SMTP port")
	fl.StringVar(&cfg.Notify.SMTPUser, "smtp-user", "", "SMTP user")
	fl.StringVar(&cfg.Notify.SMTPPassword, "smtp-password", "", "SMTP password")
	fl.StringVar(&cfg.Notify.SendGridAPIKey, "sendgrid-api-key", "", "SendGrid API key")
	if err := fl.Parse(args); err != nil {
		return Config{}, err
	}

	env := envReader{lookup: lookupEnv}
	env.str("RUN_ADDRESS", &cfg.Handler.ServerAddr)
	env.str("JWT_SECRET", &cfg.Handler.JWTSecret)
	env.str("LOG_LEVEL", &cfg.Logger.LogLevel)
	env.str("DATABASE_URI", &cfg.Store.DBDsn)
	env.integer("DATABASE_MAX_CONNS", maxConns)
	env.str("GATEWAY_ADDRESS", &cfg.Service.GatewayAddr)
	env.str("GATEWAY_KEY_ID", &cfg.Service.GatewayKeyID)
	env.str("GATEWAY_KEY_SECRET", &cfg.Service.GatewayKeySecret)
	env.duration("GATEWAY_TIMEOUT", &cfg.Service.GatewayTimeout)
	env.str("CURRENCY", &cfg.Service.Currency)
	env.integer("ENROLL_CONCURRENCY", &cfg.Enrollment.Concurrency)
	env.str("RECOVERY_SCHEDULE", &cfg.Enrollment.RecoverySchedule)
	env.str("MAIL_FROM", &cfg.Notify.From)
	env.str("SMTP_HOST", &cfg.Notify.SMTPHost)
	env.str("SMTP_PORT", &cfg.Notify.SMTPPort)
	env.str("SMTP_USER", &cfg.Notify.SMTPUser)
	env.str("SMTP_PASSWORD", &cfg.Notify.SMTPPassword)
	env.str("SENDGRID_API_KEY", &cfg.Notify.SendGridAPIKey)
	if env.err != nil {
		return Config{}, env.err
	}
	cfg.Store.MaxConns = int32(*maxConns)

	if cfg.Handler.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if cfg.Service.GatewayKeySecret == "" {
		return Config{}, errors.New("GATEWAY_KEY_SECRET is required")
	}
	return cfg, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}
