package config

import (
	"strings"
	"testing"
	"time"

	"github.com/example/ridepool/internal/ride"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.PoolBufferKm != 0.5 || cfg.DispatchRadiusKm != 6 || cfg.PresenceTTL != 45*time.Second || cfg.SearchTimeout != 90*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	rc := cfg.RideConfig()
	if rc.Consent != ride.ConsentAny || rc.OTP.Length != 4 || rc.OTP.MaxAttempts != 5 || rc.OTP.TTL != 5*time.Minute {
		t.Fatalf("unexpected ride config %+v", rc)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("CONSENT_POLICY", "Unanimous")
	t.Setenv("OTP_LENGTH", "6")
	t.Setenv("OSRM_ENDPOINT", "http://osrm:5000/")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.RideConfig().Consent != ride.ConsentUnanimous || cfg.OTPLength != 6 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.OSRMEndpoint != "http://osrm:5000" {
		t.Fatalf("endpoint = %q", cfg.OSRMEndpoint)
	}
}

func TestLoadServerConfigCollectsAllErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("POOL_BUFFER_KM", "wide")
	t.Setenv("CONSENT_POLICY", "majority")
	t.Setenv("MATCHER_TOP_N", "0")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "POOL_BUFFER_KM", "CONSENT_POLICY", "MATCHER_TOP_N"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("CONSUMER_RETRY_ATTEMPTS", "0")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected retry attempts error")
	}
	t.Setenv("CONSUMER_RETRY_ATTEMPTS", "4")
	cfg, err := LoadConsumerConfig()
	if err != nil || cfg.RetryAttempts != 4 || cfg.KafkaTopic != "positions" {
		t.Fatalf("cfg = %+v, err = %v", cfg, err)
	}
}
