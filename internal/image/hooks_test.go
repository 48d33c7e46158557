package image

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestHookReceivesFrameJSONPath(t *testing.T) {
	dir := t.TempDir()
	jsonCopy := filepath.Join(dir, "data.json")
	envDump := filepath.Join(dir, "env.txt")

	script := filepath.Join(dir, "post.sh")
	body := "#!/bin/sh\n" +
		"cp \"$DATA_JSON\" \"" + jsonCopy + "\"\n" +
		"env > \"" + envDump + "\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	h := NewHooks("", script, 5*time.Second, 33.0, -84.0, 300, zap.NewNop())
	f := &Frame{
		Seq:         7,
		CapturedAt:  time.Date(2024, 3, 15, 2, 0, 0, 0, time.UTC),
		ExposureSec: 5,
		Gain:        100,
		Binning:     1,
		SQM:         19.5,
		Stars:       42,
	}
	h.RunPostSave(context.Background(), f, []float32{-4.5}, []float32{f.SQM, float32(f.Stars)}, "/tmp/frame.jpg")

	data, err := os.ReadFile(jsonCopy)
	if err != nil {
		t.Fatalf("script never saw a readable DATA_JSON file: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("DATA_JSON content is not JSON: %v", err)
	}
	if len(decoded) == 0 {
		t.Error("DATA_JSON decoded to an empty object")
	}

	dump, err := os.ReadFile(envDump)
	if err != nil {
		t.Fatal(err)
	}
	env := string(dump)
	for _, want := range []string{
		"EXPOSURE=5", "GAIN=100", "NIGHT=0",
		"SENSOR_TEMP_0=-4.5", "SENSOR_USER_0=19.50", "SENSOR_USER_1=42.00",
		"IMAGE_PATH=/tmp/frame.jpg",
	} {
		if !strings.Contains(env, want) {
			t.Errorf("hook environment missing %q", want)
		}
	}
}

func TestMissingHookScriptIsSkipped(t *testing.T) {
	h := NewHooks(filepath.Join(t.TempDir(), "absent.sh"), "", time.Second, 0, 0, 0, zap.NewNop())
	// Must neither block nor error.
	h.RunPreSave(context.Background(), &Frame{}, nil, nil)
}
