package config

import (
	"testing"
	"time"
)

func validLocal() Config {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "concierge"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Vapi:  VapiConfig{APIKey: "k", PhoneNumberID: "pn"},
	}
	c.ApplyDefaults()
	return c
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = ""
	c.Calls.LiveCallsEnabled = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestApplyDefaults_LocalDefaultsSSLMode(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestApplyDefaults_CallTimings(t *testing.T) {
	c := validLocal()
	if c.Calls.CachePollInterval != 2*time.Second || c.Calls.CacheTimeout != 90*time.Second {
		t.Fatalf("unexpected cache timings: %+v", c.Calls)
	}
	if c.Calls.PollInterval != 5*time.Second || c.Calls.Timeout != 10*time.Minute {
		t.Fatalf("unexpected vendor poll timings: %+v", c.Calls)
	}
	if c.Calls.MaxConcurrent != 5 {
		t.Fatalf("expected default max concurrent 5, got %d", c.Calls.MaxConcurrent)
	}
}

func TestValidate_StrictWorkflowRequiresURL(t *testing.T) {
	c := validLocal()
	c.Workflow.Strict = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for strict workflow without KESTRA_URL")
	}
}

func TestValidate_CallbackURLMustBeAbsolute(t *testing.T) {
	c := validLocal()
	c.Webhook.CallbackBaseURL = "not-a-url"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for relative callback url")
	}
	c.Webhook.CallbackBaseURL = "https://concierge.example.com/"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Webhook.CallbackURL(); got != "https://concierge.example.com/webhooks/vapi" {
		t.Fatalf("unexpected callback url %q", got)
	}
}

func TestLoad_ParsesEnv(t *testing.T) {
	env := map[string]string{
		"APP_ENV":                  "dev",
		"APP_PORT":                 "9000",
		"DB_HOST":                  "db",
		"DB_PORT":                  "5432",
		"DB_USER":                  "u",
		"DB_NAME":                  "n",
		"REDIS_HOST":               "redis",
		"REDIS_PORT":               "6379",
		"JWT_SECRET":               "s",
		"VAPI_API_KEY":             "k",
		"VAPI_PHONE_NUMBER_ID":     "pn",
		"CALLS_TEST_PHONE_NUMBERS": "+15550000001, +15550000002",
		"KESTRA_STRICT":            "false",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", c.App.Port)
	}
	if len(c.Calls.TestPhoneNumbers) != 2 || c.Calls.TestPhoneNumbers[1] != "+15550000002" {
		t.Fatalf("unexpected test numbers: %v", c.Calls.TestPhoneNumbers)
	}
	if c.Workflow.Enabled() {
		t.Fatalf("expected workflow disabled without KESTRA_URL")
	}
}

func TestLoad_ReportsBadInteger(t *testing.T) {
	t.Setenv("APP_PORT", "eighty")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}
