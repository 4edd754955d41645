package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smazurov/camfeed/internal/params"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cmd = CreateParamsCmd()
	if args[0] == "snapshot" {
		cmd = CreateSnapshotCmd()
	}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	// a config file that does not exist keeps logging at its defaults
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.toml")}, args[1:]...))
	err := cmd.Execute()
	return out.String(), err
}

func TestNewCameraManager(t *testing.T) {
	tests := []struct {
		backend string
		n       int
		wantErr bool
	}{
		{"sim", 3, false},
		{"", 0, false},
		{"pylon", 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			mgr, err := NewCameraManager(tt.backend, tt.n)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			devices, err := mgr.EnumerateDevices(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			want := max(tt.n, 1)
			if len(devices) != want {
				t.Errorf("%d devices, want %d", len(devices), want)
			}
		})
	}
}

func TestSnapshotWritesJPEG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.jpg")
	out, err := run(t, "snapshot", "--out", path, "--width", "64", "--sim-devices", "2", "--device", "1")
	if err != nil {
		t.Fatalf("snapshot: %v\n%s", err, out)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Errorf("output is not a JPEG (%d bytes)", len(data))
	}
	if !strings.Contains(out, "64x48") || !strings.Contains(out, "SIM0002") {
		t.Errorf("summary = %q", out)
	}
}

func TestSnapshotInvalidDevice(t *testing.T) {
	if _, err := run(t, "snapshot", "--out", filepath.Join(t.TempDir(), "x.jpg"), "--device", "4"); err == nil {
		t.Error("snapshot of a missing device succeeded")
	}
}

func TestParamsCommand(t *testing.T) {
	t.Run("table of common parameters", func(t *testing.T) {
		out, err := run(t, "params")
		if err != nil {
			t.Fatal(err)
		}
		for _, want := range []string{"NAME", "ExposureTime", "PixelFormat", "BayerRG8"} {
			if !strings.Contains(out, want) {
				t.Errorf("output lacks %q:\n%s", want, out)
			}
		}
	})

	t.Run("set clamps and reports", func(t *testing.T) {
		out, err := run(t, "params", "--json", "ExposureTime=5", "Gain=2.346", "BlackLevel")
		if err != nil {
			t.Fatal(err)
		}
		var descs []params.Description
		if err := json.Unmarshal([]byte(out), &descs); err != nil {
			t.Fatalf("output %q: %v", out, err)
		}
		want := map[string]any{"ExposureTime": 20.0, "Gain": 2.35}
		if len(descs) != 3 {
			t.Fatalf("got %d descriptions, want 3", len(descs))
		}
		for _, d := range descs {
			if w, ok := want[d.Name]; ok && d.Value != w {
				t.Errorf("%s = %v, want %v", d.Name, d.Value, w)
			}
		}
	})

	t.Run("unavailable entry", func(t *testing.T) {
		if _, err := run(t, "params", "PixelFormat=BayerGR8"); err == nil {
			t.Error("setting an unavailable entry succeeded")
		}
	})

	t.Run("unknown node", func(t *testing.T) {
		if _, err := run(t, "params", "NoSuchNode"); err == nil {
			t.Error("describing an unknown node succeeded")
		}
	})
}
