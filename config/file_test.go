package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `
dir: /tmp/milk
keyword_capacity: 20
bank_size: 4
wait_slice_ms: 5
streams:
  - name: dm00disp
    type: f32
    size: [50, 50]
    zero_init: true
  - name: cam
    type: u16
    size: [320, 256]
    keywords: 80
    symcode: 0
monitor:
  interval_ms: 250
bridge:
  listen: ":4000"
  streams: [cam]
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if f.Dir != "/tmp/milk" || len(f.Streams) != 2 {
		t.Fatalf("unexpected config %+v", f)
	}
	cam := f.Streams[1]
	if cam.Keywords == nil || *cam.Keywords != 80 || cam.Symcode == nil || *cam.Symcode != 0 {
		t.Fatalf("unexpected stream %+v", cam)
	}
	if f.Streams[0].Reuse != nil {
		t.Fatal("reuse should be unset")
	}
}

func TestApply(t *testing.T) {
	saved := []any{KeywordCapacity, BankSize, WaitSlice, MonitorInterval, BridgeAddr}
	defer func() {
		KeywordCapacity = saved[0].(int)
		BankSize = saved[1].(int)
		WaitSlice = saved[2].(time.Duration)
		MonitorInterval = saved[3].(time.Duration)
		BridgeAddr = saved[4].(string)
	}()
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	f.Apply()
	if KeywordCapacity != 20 || BankSize != 4 || WaitSlice != 5*time.Millisecond {
		t.Fatal("defaults not applied")
	}
	if MonitorInterval != 250*time.Millisecond || BridgeAddr != ":4000" {
		t.Fatal("monitor/bridge not applied")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"missing name": "streams:\n  - type: f32\n    size: [1]\n",
		"duplicate":    "streams:\n  - {name: a, type: f32, size: [1]}\n  - {name: a, type: f32, size: [1]}\n",
		"no size":      "streams:\n  - {name: a, type: f32}\n",
		"too many":     "streams:\n  - {name: a, type: f32, size: [1,2,3,4]}\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadAndDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imstream.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if Dir("/explicit", f) != "/explicit" {
		t.Fatal("explicit dir must win")
	}
	if Dir("", f) != "/tmp/milk" {
		t.Fatal("config dir must win over env")
	}
	t.Setenv(DirEnv, "/from/env")
	if Dir("", nil) != "/from/env" {
		t.Fatal("env dir not used")
	}
	t.Setenv(DirEnv, "")
	if Dir("", nil) != DefaultDir {
		t.Fatal("default dir not used")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatal("expected read error, got", err)
	}
}
