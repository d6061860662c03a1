package config

import (
	"testing"
	"time"
)

func TestStrictGetters(t *testing.T) {
	t.Setenv("PIPETRAIN_TEST_INT", "12")
	t.Setenv("PIPETRAIN_TEST_BAD", "twelve")
	t.Setenv("PIPETRAIN_TEST_BOOL", "yes")
	t.Setenv("PIPETRAIN_TEST_DUR", "250ms")

	if v, err := Int("PIPETRAIN_TEST_INT", 0); err != nil || v != 12 {
		t.Fatalf("Int = %d, %v", v, err)
	}
	if _, err := Int("PIPETRAIN_TEST_BAD", 0); err == nil {
		t.Fatal("expected error for malformed int")
	}
	if v, err := Uint64("PIPETRAIN_TEST_MISSING", 7); err != nil || v != 7 {
		t.Fatalf("Uint64 fallback = %d, %v", v, err)
	}
	if v, err := Bool("PIPETRAIN_TEST_BOOL", false); err != nil || !v {
		t.Fatalf("Bool = %v, %v", v, err)
	}
	if v, err := Duration("PIPETRAIN_TEST_DUR", 0); err != nil || v != 250*time.Millisecond {
		t.Fatalf("Duration = %v, %v", v, err)
	}
	if got := ParseIntEnv("PIPETRAIN_TEST_BAD", 3); got != 3 {
		t.Fatalf("ParseIntEnv fallback = %d", got)
	}
}
