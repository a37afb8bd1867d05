package config

type Config struct {
	From     string
	FromName string

	// SendGrid имеет приоритет над SMTP
	SendGridAPIKey string

	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
}
