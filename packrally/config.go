package packrally

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/packrally/packrally/packrally/database"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type Config struct {
	Log     LogConfig         `toml:"log"`
	DB      database.DBConfig `toml:"db"`
	Nats    NatsConfig        `toml:"nats"`
	Sweeper SweeperConfig     `toml:"sweeper"`
}

type LogConfig struct {
	Level slog.Level `toml:"level"`
}

type NatsConfig struct {
	URL string `toml:"url"`
}

type SweeperConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
	GraceMinutes    int `toml:"grace_minutes"`
}
