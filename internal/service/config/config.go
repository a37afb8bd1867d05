package config

import "time"

type Config struct {
	GatewayAddr      string
	GatewayKeyID     string
	GatewayKeySecret string // ключ подписи колбэков тоже
	GatewayTimeout   time.Duration
	Currency         string
}
