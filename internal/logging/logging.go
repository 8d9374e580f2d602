// Package logging builds the daemon's zap logger from the config's
// log_env/default_log_level settings.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style zap logger, with its level derived from
// defaultLevel ("debug"|"info"|"warn"|"error") and its encoding switched
// to console output when env is "dev", matching the two profiles the
// daemon's config commonly names.
func New(env, defaultLevel string) (*zap.Logger, error) {
	level, err := parseLevel(defaultLevel)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if strings.EqualFold(env, "dev") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build zap logger: %w", err)
	}
	return log, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging: invalid default_log_level %q: %w", s, err)
	}
	return lvl, nil
}
