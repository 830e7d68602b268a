package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profilesync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
follow_rank:
  facebook:
    photo_tags_minimum: 3
networks:
  facebook:
    consumer_key: app-id
    consumer_secret: app-secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("http.port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Database.Driver != DriverMemory {
		t.Errorf("database.driver = %q", cfg.Database.Driver)
	}
	fb := cfg.FollowRank.Facebook
	if fb.PhotoTagsMinimum != 3 {
		t.Errorf("photo_tags_minimum = %d, want 3", fb.PhotoTagsMinimum)
	}
	if fb.PhotoAnnotationsWindow != 90 || fb.StatusAnnotationsWindow != 30 {
		t.Errorf("windows = %d/%d, want 90/30", fb.PhotoAnnotationsWindow, fb.StatusAnnotationsWindow)
	}
	if fb.NetworkAffinityCoefficient != 1 {
		t.Errorf("network_affinity_coefficient = %v, want 1", fb.NetworkAffinityCoefficient)
	}
	if cfg.Syncer.ExtTimeout != 5*time.Second {
		t.Errorf("syncer.ext_timeout = %v, want 5s", cfg.Syncer.ExtTimeout)
	}
	if cfg.Networks.Facebook.ConsumerKey != "app-id" || cfg.Networks.Facebook.ConsumerSecret != "app-secret" {
		t.Errorf("facebook credentials = %+v", cfg.Networks.Facebook.AppCredentials)
	}
	if !strings.HasPrefix(cfg.Networks.Twitter.BaseURL, "https://api.twitter.com") {
		t.Errorf("twitter base url = %q", cfg.Networks.Twitter.BaseURL)
	}
	if cfg.Schedule.ExpiryWindow != 7*24*time.Hour {
		t.Errorf("schedule.expiry_window = %v", cfg.Schedule.ExpiryWindow)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: memory\n")
	t.Setenv("SYNCER_EXT_TIMEOUT", "2s")
	t.Setenv("JOBS_WORKERS", "9")
	t.Setenv("NETWORKS_INSTAGRAM_SECURE_CONSUMER_KEY", "secure-id")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Syncer.ExtTimeout != 2*time.Second {
		t.Errorf("ext_timeout = %v, want 2s", cfg.Syncer.ExtTimeout)
	}
	if cfg.Jobs.Workers != 9 {
		t.Errorf("jobs.workers = %d, want 9", cfg.Jobs.Workers)
	}
	if cfg.Networks.Instagram.Secure.ConsumerKey != "secure-id" {
		t.Errorf("instagram secure key = %q", cfg.Networks.Instagram.Secure.ConsumerKey)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown driver":       "database:\n  driver: sqlite\n",
		"postgres without url": "database:\n  driver: postgres\n  url: \"\"\n",
		"short auth secret":    "database:\n  driver: memory\nauth:\n  secret: short\n",
		"negative coefficient": "database:\n  driver: memory\nfollow_rank:\n  facebook:\n    photo_tags_coefficient: -1\n",
		"bad port":             "database:\n  driver: memory\nhttp:\n  port: 70000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}
