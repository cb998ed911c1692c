package main

import (
	"testing"

	"depotflow/backend/internal/config"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: "short"}); err == nil {
		t.Fatalf("expected weak auth secret to be rejected")
	}
	if err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, BootstrapOwnerPassword: "abc"}); err == nil {
		t.Fatalf("expected short bootstrap password to be rejected")
	}
}

func TestValidateSecurityConfigRequiresOriginInProduction(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, AppEnv: "production", AllowedOrigin: "*"})
	if err == nil {
		t.Fatalf("expected wildcard origin to be rejected in production")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:             strongSecret,
		AppEnv:                 "production",
		AllowedOrigin:          "https://depot.example.com",
		BootstrapOwnerPassword: "long-enough-pass",
	})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}
