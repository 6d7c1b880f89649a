package main

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/config"
)

const minJWTSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets anyone read and write every room",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && len(cfg.JWTSecret) < minJWTSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxRelayMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_RELAY_MESSAGE_BYTES is very large (SDP blobs are a few KiB; increases per-message allocation risk)",
			"warning_code", "relay_message_bytes_large",
			"max_relay_message_bytes", cfg.MaxRelayMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURNREST.Enabled() {
		for _, server := range cfg.ICEServers {
			if config.HasTURNURL(server) && strings.TrimSpace(server.Username) != "" {
				logger.Warn("startup security warning: static TURN credentials are handed to every /ice caller (prefer TURN_REST_SHARED_SECRET)",
					"warning_code", "static_turn_credentials",
					"mode", cfg.Mode,
				)
				break
			}
		}
	}
}
