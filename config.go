package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the backend. Values come from an
// optional YAML file, then a .env file, then the process environment; the
// environment always wins so deployments can override without editing
// files.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	S3       S3Config       `yaml:"s3"`
	JWT      JWTConfig      `yaml:"jwt"`
	Geocoder GeocoderConfig `yaml:"geocoder"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables Redis presence
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type S3Config struct {
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"` // empty disables photo upload
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
	PublicURL string `yaml:"public_url"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type GeocoderConfig struct {
	BaseURL string `yaml:"base_url"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// loadConfig reads the YAML file at path (missing file is fine), loads a
// .env file if one exists, and applies environment overrides.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr: ":8080",
			CORSOrigins: []string{
				"http://localhost:5173", "http://127.0.0.1:5173",
				"http://localhost:3001", "http://127.0.0.1:3001",
			},
		},
		Geocoder: GeocoderConfig{BaseURL: "https://nominatim.openstreetmap.org"},
		Log:      LogConfig{Level: "info"},
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	// .env is optional and only fills variables not already exported.
	_ = godotenv.Load()

	applyEnv(&cfg.Server.Addr, "SERVER_ADDR")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.CORSOrigins = origins
	}
	applyEnv(&cfg.Database.URL, "DATABASE_URL")
	applyEnv(&cfg.Redis.Addr, "REDIS_ADDR")
	applyEnv(&cfg.Redis.Password, "REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	applyEnv(&cfg.S3.Region, "S3_REGION")
	applyEnv(&cfg.S3.Bucket, "S3_BUCKET")
	applyEnv(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	applyEnv(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	applyEnv(&cfg.S3.Endpoint, "S3_ENDPOINT")
	applyEnv(&cfg.S3.PublicURL, "S3_PUBLIC_URL")
	applyEnv(&cfg.JWT.Secret, "JWT_SECRET")
	applyEnv(&cfg.Geocoder.BaseURL, "GEOCODER_BASE_URL")
	applyEnv(&cfg.Log.Level, "LOG_LEVEL")

	return cfg, nil
}

func applyEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
