package main

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// config holds the transfer parameters resolved from an INI file with
// command-line flags applied on top. Flag values win whenever the flag was
// explicitly set.
type config struct {
	Device    string
	Baud      int
	FilePath  string
	RedisAddr string
	RedisPass string
	RedisDB   int
}

// loadConfig reads path (an INI file under a [transfer] section) into a
// config with package defaults for anything the file omits.
func loadConfig(path string) (config, error) {
	cfg := config{Baud: 115200, RedisDB: 0}
	if path == "" {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return config{}, fmt.Errorf("xmodemctl: load config %s: %w", path, err)
	}

	section := f.Section("transfer")
	cfg.Device = section.Key("device").MustString(cfg.Device)
	cfg.Baud = section.Key("baud").MustInt(cfg.Baud)
	cfg.FilePath = section.Key("file").MustString(cfg.FilePath)

	redis := f.Section("redis")
	cfg.RedisAddr = redis.Key("addr").MustString(cfg.RedisAddr)
	cfg.RedisPass = redis.Key("password").MustString(cfg.RedisPass)
	cfg.RedisDB = redis.Key("db").MustInt(cfg.RedisDB)

	return cfg, nil
}

// applyFlagOverrides overwrites cfg fields with any flag explicitly set on
// the command line (as reported by flag.Visit), leaving config-file values
// in place otherwise. explicit holds the flag's final string form so both
// string and int flags can be merged through one map.
func applyFlagOverrides(cfg config, explicit map[string]string) config {
	if v, ok := explicit["device"]; ok {
		cfg.Device = v
	}
	if v, ok := explicit["baud"]; ok {
		fmt.Sscanf(v, "%d", &cfg.Baud)
	}
	if v, ok := explicit["file"]; ok {
		cfg.FilePath = v
	}
	if v, ok := explicit["redis-addr"]; ok {
		cfg.RedisAddr = v
	}
	if v, ok := explicit["redis-pass"]; ok {
		cfg.RedisPass = v
	}
	if v, ok := explicit["redis-db"]; ok {
		fmt.Sscanf(v, "%d", &cfg.RedisDB)
	}
	return cfg
}
