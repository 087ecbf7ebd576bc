package config

import (
	"strings"
	"testing"
)

func TestValidateHatScale(t *testing.T) {
	for _, scale := range []float64{0.1, 1.0, 5.0} {
		if err := ValidateHatScale(scale); err != nil {
			t.Fatalf("expected scale %g to be valid, got %v", scale, err)
		}
	}
	for _, scale := range []float64{0, -1, 0.05, 5.1} {
		if err := ValidateHatScale(scale); err == nil {
			t.Fatalf("expected scale %g to be rejected", scale)
		}
	}
}

func TestValidateURLSafety(t *testing.T) {
	limits := Load().Limits

	valid := []string{
		"https://example.com/photo.jpg",
		"http://images.example.org/team.png",
	}
	for _, u := range valid {
		if err := limits.ValidateURLSafety(u); err != nil {
			t.Fatalf("expected %s to be allowed, got %v", u, err)
		}
	}

	blocked := []string{
		"http://localhost/img.png",
		"http://127.0.0.1:8000/img.png",
		"https://169.254.169.254/latest/meta-data",
		"http://192.168.1.5/photo.jpg",
		"ftp://example.com/photo.jpg",
		"https://" + strings.Repeat("a", 3000) + ".com/x.png",
	}
	for _, u := range blocked {
		if err := limits.ValidateURLSafety(u); err == nil {
			t.Fatalf("expected %s to be rejected", u)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Limits.MaxFileSizeBytes() != 10<<20 {
		t.Fatalf("expected 10 MiB default, got %d", cfg.Limits.MaxFileSizeBytes())
	}
	if cfg.Limits.MaxFaces != 10 {
		t.Fatalf("expected default max faces 10, got %d", cfg.Limits.MaxFaces)
	}
	if cfg.API.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %s", cfg.API.Addr)
	}
	if cfg.Queue.RedisClientOpt().Addr != cfg.Queue.RedisAddr {
		t.Fatal("expected redis client opt to carry the configured address")
	}
}
