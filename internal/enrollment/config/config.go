package config

import "time"

type Config struct {
	// Сколько курсов зачисляются параллельно
	Concurrency int
	// Попыток на одну запись саги, включая первую
	MaxTries int
	// Через сколько незавершенная попытка считается зависшей
	StallAfter time.Duration
	// Расписание cron для восстановления, пусто - выключено
	RecoverySchedule string
}
