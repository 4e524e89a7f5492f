package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.BossUserID = "42"
	cfg.Postgres.DSN = "postgres://localhost/taskpilot"
	return cfg
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	// JSON5: comments and trailing commas are fine.
	os.WriteFile(path, []byte(`{
		// local dev settings
		timezone: "Asia/Saigon",
		telegram: { token: "file-token", boss_user_id: "42" },
		server: { port: 9000 },
	}`), 0o644)

	t.Setenv("TASKPILOT_TELEGRAM_TOKEN", "env-token")
	t.Setenv("TASKPILOT_POSTGRES_DSN", "postgres://db/taskpilot")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("env should beat file, got %q", cfg.Telegram.Token)
	}
	if cfg.Server.Port != 9000 || cfg.Timezone != "Asia/Saigon" {
		t.Errorf("file values lost: port=%d tz=%s", cfg.Server.Port, cfg.Timezone)
	}
	if cfg.Postgres.DSN != "postgres://db/taskpilot" {
		t.Errorf("dsn = %q", cfg.Postgres.DSN)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 || cfg.Review.Threshold != 70 {
		t.Errorf("defaults missing: %+v", cfg.Server)
	}
}

func TestValidateReportsAllMissing(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("want error for empty config")
	}
	for _, want := range []string{"telegram token", "boss user id", "postgres dsn"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidateBadTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Timezone = "Mars/Olympus"
	if err := cfg.Validate(); err == nil {
		t.Error("want error for unknown timezone")
	}
}

func TestEncryptionKeyBytes(t *testing.T) {
	cfg := validConfig()

	cfg.EncryptionKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
	if b, err := cfg.EncryptionKeyBytes(); err != nil || len(b) != 32 {
		t.Errorf("base64 key: %v, %d bytes", err, len(b))
	}

	cfg.EncryptionKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	if b, err := cfg.EncryptionKeyBytes(); err != nil || len(b) != 32 {
		t.Errorf("hex key: %v, %d bytes", err, len(b))
	}

	cfg.EncryptionKey = "too-short"
	if _, err := cfg.EncryptionKeyBytes(); err == nil {
		t.Error("want error for undecodable key")
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject a bad key")
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := validConfig()
	cfg.Server.AdminSecret = "s3cret"

	masked := cfg.MaskedCopy()
	if masked.Telegram.Token != "***" || masked.Server.AdminSecret != "***" {
		t.Errorf("secrets visible: %+v", masked)
	}
	if cfg.Telegram.Token == "***" {
		t.Error("original mutated")
	}
	if masked.Telegram.BossUserID != "42" {
		t.Error("non-secret masked")
	}
}
