package config

import (
	"strings"
	"testing"
)

const sampleYAML = `
openrail:
  broker_addr: datafeeds.example.net:61618
  username: filecreds
  password: filecreds
  topics:
    - TRAIN_MVT_ALL_TOC
  durable: true
  client_id: traintime-1
database:
  backend: sqlite
  sqlite_path: /tmp/traintime.db
nats:
  enabled: true
  subject: trains.live
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Ingest.MaxMessages != 1000 || cfg.Ingest.MaxSeconds != 20 {
		t.Errorf("ingest defaults = %d/%d, want 1000/20",
			cfg.Ingest.MaxMessages, cfg.Ingest.MaxSeconds)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Log.Mode != "prod" {
		t.Errorf("log mode = %q, want prod", cfg.Log.Mode)
	}
	if cfg.Database.Postgres.Port != 5432 {
		t.Errorf("postgres port = %d, want 5432", cfg.Database.Postgres.Port)
	}
}

func TestParseRejectsMissingBroker(t *testing.T) {
	yml := strings.Replace(sampleYAML,
		"broker_addr: datafeeds.example.net:61618", "broker_addr: \"\"", 1)
	if _, err := Parse([]byte(yml)); err == nil {
		t.Fatal("config without broker_addr gave nil error")
	}
}

func TestParseRejectsTooManyTopics(t *testing.T) {
	yml := strings.Replace(sampleYAML,
		"  topics:\n    - TRAIN_MVT_ALL_TOC",
		"  topics:\n    - A\n    - B\n    - C", 1)
	if _, err := Parse([]byte(yml)); err == nil {
		t.Fatal("config with three topics gave nil error")
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("TRAINTIME_FEED_USERNAME", "envuser")
	t.Setenv("TRAINTIME_FEED_PASSWORD", "envpass")

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.OpenRail.Username != "envuser" || cfg.OpenRail.Password != "envpass" {
		t.Errorf("credentials = %q/%q, want env overrides",
			cfg.OpenRail.Username, cfg.OpenRail.Password)
	}
}

func TestReceiverMapping(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	rc := cfg.Receiver()
	if rc.BrokerAddr != "datafeeds.example.net:61618" {
		t.Errorf("broker = %q", rc.BrokerAddr)
	}
	if !rc.Durable || rc.ClientID != "traintime-1" {
		t.Errorf("durable/client = %v/%q, want true/traintime-1", rc.Durable, rc.ClientID)
	}
	if len(rc.Topics) != 1 || rc.Topics[0] != "TRAIN_MVT_ALL_TOC" {
		t.Errorf("topics = %v", rc.Topics)
	}
}
