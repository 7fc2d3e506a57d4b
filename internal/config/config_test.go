package config

import (
	"testing"
	"time"
)

func validLocalConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "doorbell"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocalConfig()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "issuer"
	c.Auth.JWTAudience = "aud"
	c.Conference.BaseURL = "https://meet.example"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocalConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Conference.BaseURL == "" {
		t.Fatalf("expected conference base url default")
	}
	if c.Sweep.RingTimeout != 90*time.Second || c.Sweep.Interval != 15*time.Second {
		t.Fatalf("expected sweep defaults, got %+v", c.Sweep)
	}
}

func TestValidate_SweepTimeoutMustExceedInterval(t *testing.T) {
	c := validLocalConfig()
	c.Sweep.Interval = 2 * time.Minute
	c.Sweep.RingTimeout = time.Minute
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for ring timeout below sweep interval")
	}
}
