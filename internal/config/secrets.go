package config

import (
	"net/url"
	"regexp"
)

const redacted = "***"

// dsnPassword matches the password entry of a key=value Postgres DSN.
var dsnPassword = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)

// RedactedConfig returns a copy of cfg that is safe to log at startup.
//
// Masked fields:
//
//	postgres.dsn            only the password, shown as xxxxx in URL form
//	postgres.password
//	redis.password
//	s3.access_key
//	s3.secret_key
//	server.api_key
//	notify.telegram_token
//	notify.discord_webhook_url  the webhook token is part of the URL path
//
// Slices are copied so the result can be mutated freely.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Postgres.DSN = redactDSN(cfg.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	return out
}

// redactDSN masks the password in a URL or key=value DSN.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		return u.Redacted()
	}
	return dsnPassword.ReplaceAllString(dsn, "${1}"+redacted)
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
