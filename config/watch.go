package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ParseLevel maps a config string onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// WatchLevel re-applies log.level when the config file changes so operators
// can raise verbosity without a restart. Other keys stay fixed for the
// process lifetime. No-op when no config file is in use.
func WatchLevel(v *viper.Viper, level *slog.LevelVar, log *slog.Logger) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		lvl, err := ParseLevel(v.GetString("log.level"))
		if err != nil {
			log.Warn("config reload rejected", "error", err)
			return
		}
		if lvl != level.Level() {
			level.Set(lvl)
			log.Info("log level changed", "level", lvl.String(), "file", e.Name)
		}
	})
	v.WatchConfig()
}
