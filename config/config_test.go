package config

import "testing"

func TestLoadAppliesDefaultsWithNoFlags(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerPort != "8888" {
		t.Fatalf("expected default server_port 8888, got %q", cfg.ServerPort)
	}
	if cfg.Room.DesyncedTimeoutSeconds != 120 {
		t.Fatalf("expected default desynced_timeout_seconds 120, got %d", cfg.Room.DesyncedTimeoutSeconds)
	}
	if cfg.Room.ClientPollIntervalSeconds != 60 {
		t.Fatalf("expected default client_poll_interval_seconds 60, got %d", cfg.Room.ClientPollIntervalSeconds)
	}
	if cfg.Room.InactivitySeconds != 10 {
		t.Fatalf("expected default room_inactivity_seconds 10, got %d", cfg.Room.InactivitySeconds)
	}
	if cfg.Room.SaveDebounceMS != 500 {
		t.Fatalf("expected default save_debounce_ms 500, got %d", cfg.Room.SaveDebounceMS)
	}
	if cfg.Room.ConnectionAttempts != 10 {
		t.Fatalf("expected default connection_attempts 10, got %d", cfg.Room.ConnectionAttempts)
	}
	if cfg.Outputs.ExternalizeThreshold != 64*1024 {
		t.Fatalf("expected default externalize threshold 65536, got %d", cfg.Outputs.ExternalizeThreshold)
	}
	if cfg.Session.Backend != "memory" {
		t.Fatalf("expected default session backend memory, got %q", cfg.Session.Backend)
	}
}

func TestLoadRespectsEnvironmentOverride(t *testing.T) {
	t.Setenv("CRDTCOLLAB_SERVER_PORT", "9999")
	t.Setenv("CRDTCOLLAB_SESSION_BACKEND", "postgres")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerPort != "9999" {
		t.Fatalf("expected env override for server_port, got %q", cfg.ServerPort)
	}
	if cfg.Session.Backend != "postgres" {
		t.Fatalf("expected env override for session.backend, got %q", cfg.Session.Backend)
	}
}

func TestRoomConfigDurationConversions(t *testing.T) {
	rc := RoomConfig{
		DesyncedTimeoutSeconds:    5,
		ClientPollIntervalSeconds: 3,
		InactivitySeconds:         2,
		SaveDebounceMS:            250,
	}
	if rc.DesyncedTimeout().Seconds() != 5 {
		t.Fatalf("unexpected DesyncedTimeout: %v", rc.DesyncedTimeout())
	}
	if rc.ClientPollInterval().Seconds() != 3 {
		t.Fatalf("unexpected ClientPollInterval: %v", rc.ClientPollInterval())
	}
	if rc.InactivityCheckInterval().Seconds() != 2 {
		t.Fatalf("unexpected InactivityCheckInterval: %v", rc.InactivityCheckInterval())
	}
	if rc.SaveDebounce().Milliseconds() != 250 {
		t.Fatalf("unexpected SaveDebounce: %v", rc.SaveDebounce())
	}
}
