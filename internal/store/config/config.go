package config

type Config struct {
	// Пустая строка - хранилище в памяти
	DBDsn    string
	MaxConns int32
}
