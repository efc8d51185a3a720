package main

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadSettingsDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Role != RoleAll || s.Store != "memory" || s.Broker != "memory" {
		t.Fatalf("unexpected defaults %+v", s)
	}
	if s.PollInterval != 500*time.Millisecond || s.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected defaults %+v", s)
	}
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("NOTIFLY_ROLE", "worker")
	t.Setenv("NOTIFLY_STORE", "postgres")
	t.Setenv("NOTIFLY_PG_URL", "postgres://localhost/notifly")
	t.Setenv("NOTIFLY_BROKER", "kafka")
	t.Setenv("NOTIFLY_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("NOTIFLY_LOG_LEVEL", "debug")

	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.KafkaBrokers) != 2 || s.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", s.KafkaBrokers)
	}
	if s.LogLevel != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", s.LogLevel)
	}
	if !s.runs(RoleWorker) || s.runs(RoleAPI) {
		t.Fatal("worker role should run only the worker")
	}
}

func TestValidateRejectsSplitRolesOnMemory(t *testing.T) {
	s := Settings{Role: RoleRelay, Store: "memory", Broker: "memory", RateLimitRPM: 10}
	err := s.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "shared store") || !strings.Contains(err.Error(), "shared broker") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestValidateRequiresConnectionDetails(t *testing.T) {
	s := Settings{Role: RoleAll, Store: "postgres", Broker: "amqp", RateLimitRPM: 10}
	err := s.Validate()
	if err == nil || !strings.Contains(err.Error(), "NOTIFLY_PG_URL") || !strings.Contains(err.Error(), "NOTIFLY_AMQP_URL") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestMongoDSN(t *testing.T) {
	cases := []struct{ uri, db, want string }{
		{"mongodb://localhost:27017", "notifly", "mongodb://localhost:27017/notifly"},
		{"mongodb://localhost:27017/?replicaSet=rs0", "notifly", "mongodb://localhost:27017/notifly?replicaSet=rs0"},
		{"mongodb://localhost:27017/dead", "notifly", "mongodb://localhost:27017/dead"},
	}
	for _, tc := range cases {
		got, err := Settings{MongoURI: tc.uri, MongoDB: tc.db}.mongoDSN()
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Fatalf("mongoDSN(%q, %q) = %q, want %q", tc.uri, tc.db, got, tc.want)
		}
	}
}
