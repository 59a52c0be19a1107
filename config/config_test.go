package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBDsn == "" {
		t.Error("DBDsn default missing")
	}
	if cfg.JobMaxAttempts != 5 {
		t.Errorf("JobMaxAttempts = %d, want 5", cfg.JobMaxAttempts)
	}
	if cfg.JobLeaseTimeout != 5*time.Minute {
		t.Errorf("JobLeaseTimeout = %v, want 5m", cfg.JobLeaseTimeout)
	}
	if cfg.GracePeriod != 72*time.Hour {
		t.Errorf("GracePeriod = %v, want 72h", cfg.GracePeriod)
	}
	if cfg.CancelGrace != 7*24*time.Hour {
		t.Errorf("CancelGrace = %v, want 168h", cfg.CancelGrace)
	}
	if len(cfg.DeliveryChannels) != 1 || cfg.DeliveryChannels[0] != "web_notify" {
		t.Errorf("DeliveryChannels = %v, want [web_notify]", cfg.DeliveryChannels)
	}
	if cfg.WatchURLTTL != time.Hour {
		t.Errorf("WatchURLTTL = %v, want 1h", cfg.WatchURLTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JOB_MAX_ATTEMPTS", "3")
	t.Setenv("JOB_LEASE_TIMEOUT", "2m")
	t.Setenv("DELIVERY_CHANNELS", "web_notify, email , ")
	t.Setenv("BILLING_GRACE_PERIOD", "24h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JobMaxAttempts != 3 {
		t.Errorf("JobMaxAttempts = %d, want 3", cfg.JobMaxAttempts)
	}
	if cfg.JobLeaseTimeout != 2*time.Minute {
		t.Errorf("JobLeaseTimeout = %v, want 2m", cfg.JobLeaseTimeout)
	}
	if len(cfg.DeliveryChannels) != 2 || cfg.DeliveryChannels[1] != "email" {
		t.Errorf("DeliveryChannels = %v, want [web_notify email]", cfg.DeliveryChannels)
	}
	if cfg.GracePeriod != 24*time.Hour {
		t.Errorf("GracePeriod = %v, want 24h", cfg.GracePeriod)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("JOB_MAX_ATTEMPTS", "-2")
	t.Setenv("JOB_POLL_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JobMaxAttempts != 5 {
		t.Errorf("JobMaxAttempts = %d, want default 5", cfg.JobMaxAttempts)
	}
	if cfg.JobPollInterval != 5*time.Second {
		t.Errorf("JobPollInterval = %v, want default 5s", cfg.JobPollInterval)
	}
}

func TestValidateBillingReady(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateBillingReady(); err == nil {
		t.Error("empty provider config should not be billing-ready")
	}
	cfg.ProviderBaseURL = "https://pay.example.com"
	cfg.ProviderAPIKey = "sk_test"
	if err := cfg.ValidateBillingReady(); err != nil {
		t.Errorf("configured provider rejected: %v", err)
	}
}
