package telemetry

import (
	"context"
	"testing"
)

type fakeSettings struct {
	values map[string]string
}

func (f *fakeSettings) GetSetting(ctx context.Context, key string) (string, error) {
	return f.values[key], nil
}

func (f *fakeSettings) SetSetting(ctx context.Context, key, value string) error {
	f.values[key] = value
	return nil
}

func TestNewDisabledByEnv(t *testing.T) {
	t.Setenv("KEYFORGE_TELEMETRY", "0")
	if tr := New(context.Background(), nil, nil); tr != nil {
		t.Fatal("expected nil tracker with KEYFORGE_TELEMETRY=0")
	}
}

func TestNewDisabledBySetting(t *testing.T) {
	settings := &fakeSettings{values: map[string]string{"telemetry.enabled": "false"}}
	if tr := New(context.Background(), settings, nil); tr != nil {
		t.Fatal("expected nil tracker when disabled in settings")
	}
}

func TestInstanceIDPersists(t *testing.T) {
	settings := &fakeSettings{values: map[string]string{}}
	ctx := context.Background()

	first := resolveInstanceID(ctx, settings)
	if first == "" {
		t.Fatal("no instance ID generated")
	}
	second := resolveInstanceID(ctx, settings)
	if second != first {
		t.Errorf("instance ID changed between calls: %q then %q", first, second)
	}
}

func TestNilTrackerIsSafe(t *testing.T) {
	var tr *Tracker
	tr.Start()
	tr.Shutdown()
}
