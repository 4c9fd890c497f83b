package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("BROKER_SOURCES_LISTEN", ":7001")
	os.Setenv("BROKER_LISTENERS_LISTEN", ":7002")
	os.Setenv("BROKER_DEBUG", "true")
	os.Setenv("BROKER_HUB_BUFFER", "64")
	os.Setenv("BROKER_LOG_METRICS_INTERVAL", "5s")
	os.Setenv("BROKER_SERIAL_READ_TIMEOUT", "100ms")
	t.Cleanup(func() {
		os.Unsetenv("BROKER_SOURCES_LISTEN")
		os.Unsetenv("BROKER_LISTENERS_LISTEN")
		os.Unsetenv("BROKER_DEBUG")
		os.Unsetenv("BROKER_HUB_BUFFER")
		os.Unsetenv("BROKER_LOG_METRICS_INTERVAL")
		os.Unsetenv("BROKER_SERIAL_READ_TIMEOUT")
	})
	set := map[string]struct{}{}
	if err := applyEnvOverrides(base, set); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.sourcesAddr != ":7001" || base.listenersAddr != ":7002" {
		t.Fatalf("expected address overrides, got %s / %s", base.sourcesAddr, base.listenersAddr)
	}
	if !base.debug {
		t.Fatalf("expected debug true")
	}
	if base.hubBuffer != 64 {
		t.Fatalf("expected hubBuffer 64, got %d", base.hubBuffer)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	// Applied env fields join the set so the file layer cannot override them.
	for _, k := range []string{"sources-listen", "listeners-listen", "debug", "hub-buffer"} {
		if _, ok := set[k]; !ok {
			t.Fatalf("env-applied field %q not recorded in set", k)
		}
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := baseConfig()
	os.Setenv("BROKER_SOURCES_LISTEN", ":7001")
	t.Cleanup(func() { os.Unsetenv("BROKER_SOURCES_LISTEN") })
	if err := applyEnvOverrides(base, map[string]struct{}{"sources-listen": {}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.sourcesAddr != ":8888" {
		t.Fatalf("flag-set field overridden by env: %s", base.sourcesAddr)
	}
}

func TestApplyEnvOverrides_BadValue(t *testing.T) {
	base := baseConfig()
	os.Setenv("BROKER_HUB_BUFFER", "notanumber")
	t.Cleanup(func() { os.Unsetenv("BROKER_HUB_BUFFER") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for invalid BROKER_HUB_BUFFER")
	}
	if base.hubBuffer != 512 {
		t.Fatalf("invalid env value must not change the field, got %d", base.hubBuffer)
	}
}
