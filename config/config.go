package config

import (
	"encoding/json"
	"log"
	"os"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr        string  `json:"listenAddr" env:"LISTEN_ADDR"`
	DatabaseURL       string  `json:"databaseURL" env:"DATABASE_URL"`
	SQLitePath        string  `json:"sqlitePath" env:"SQLITE_PATH"`
	MaxRooms          int     `json:"maxRooms" env:"MAX_ROOMS"`
	MaxClientsPerRoom int     `json:"maxClientsPerRoom" env:"MAX_CLIENTS_PER_ROOM"`
	DefaultGridSize   float64 `json:"defaultGridSize" env:"DEFAULT_GRID_SIZE"`
	// MoveDebounceMS coalesces rapid token drag updates into one store write
	// per token, keeping the latest position. 0 persists every move
	// immediately.
	MoveDebounceMS int `json:"moveDebounceMs" env:"MOVE_DEBOUNCE_MS"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":3000",
		MaxRooms:          20,
		MaxClientsPerRoom: 10,
		DefaultGridSize:   50,
	}
}

// Load reads a JSON config file at path and overlays environment variables on
// top of it. If the file is missing or invalid, it logs a warning and starts
// from DefaultConfig(). Partial JSON is merged with defaults; env vars win
// over both.
func Load(path string) Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("warning: could not read config file %q: %v — using defaults", path, err)
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		log.Printf("warning: invalid JSON in config file %q: %v — using defaults", path, err)
		cfg = DefaultConfig()
	}

	if err := env.Parse(&cfg); err != nil {
		log.Printf("warning: could not parse environment overrides: %v", err)
	}

	return cfg
}
