package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Server
	out.Server = cfg.Server
	redact(&out.Server.AuthToken)

	// Swarm
	out.Swarm = cfg.Swarm
	redact(&out.Swarm.UplinkToken)

	// LLM
	out.LLM = cfg.LLM
	redact(&out.LLM.APIKey)

	// Accounts
	out.Accounts = cfg.Accounts
	redact(&out.Accounts.VaultPassphrase)

	// Bus
	out.Bus = cfg.Bus
	redact(&out.Bus.Password)

	// Store
	out.Store = cfg.Store
	redact(&out.Store.DSN)
	redact(&out.Store.Password)

	// Archive
	out.Archive = cfg.Archive
	redact(&out.Archive.AccessKey)
	redact(&out.Archive.SecretKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.SlackWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Accounts.Entries != nil {
		out.Accounts.Entries = make([]AccountEntry, len(cfg.Accounts.Entries))
		for i, e := range cfg.Accounts.Entries {
			redact(&e.Password)
			if e.Tags != nil {
				tags := make([]string, len(e.Tags))
				copy(tags, e.Tags)
				e.Tags = tags
			}
			out.Accounts.Entries[i] = e
		}
	}
	if cfg.Bots != nil {
		out.Bots = make([]BotConfig, len(cfg.Bots))
		for i, b := range cfg.Bots {
			if b.Params != nil {
				params := make(map[string]string, len(b.Params))
				for k, v := range b.Params {
					params[k] = v
				}
				b.Params = params
			}
			out.Bots[i] = b
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
