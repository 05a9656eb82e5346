package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codecompete/internal/judge/autoscale"
	"codecompete/internal/judge/model"

	"github.com/segmentio/kafka-go"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "judge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
database:
  dsn: "u:p@tcp(db:3306)/cc"
redis:
  addr: "redis:6379"
minio:
  bucket: "submissions"
executor:
  baseURL: "http://piston:2000"
`

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Server.IdleTimeout != defaultIdleTimeout {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Source.Bucket != "submissions" {
		t.Fatalf("source bucket should fall back to minio bucket, got %q", cfg.Source.Bucket)
	}
	if cfg.Queue.MaxDeliveries != 3 || cfg.Queue.VisibilityTimeout != defaultVisibilityTimeout {
		t.Fatalf("unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Redis.PoolSize == 0 {
		t.Fatalf("redis defaults not applied")
	}
	if len(cfg.Languages) != len(model.SupportedLanguages()) {
		t.Fatalf("expected every language configured, got %d", len(cfg.Languages))
	}
	for _, section := range cfg.Languages {
		if section.Scaling.Min != 1 || section.Scaling.Max != 5 {
			t.Fatalf("%s: unexpected policy %+v", section.Name, section.Scaling)
		}
		want := autoscale.Capacity{MemoryMiB: 1024, CPUUnits: 512}
		if section.language() == model.LanguageJava {
			want = autoscale.Capacity{MemoryMiB: 2048, CPUUnits: 1024}
		}
		if section.Capacity != want {
			t.Fatalf("%s: unexpected capacity %+v", section.Name, section.Capacity)
		}
	}
}

func TestLoadAppConfigLanguages(t *testing.T) {
	body := minimalConfig + `
languages:
  - name: " Java "
    scaling:
      min: 2
      max: 8
      steps:
        - {threshold: 10, delta: 3}
  - name: python
queue:
  visibilityTimeout: 3m
`
	cfg, err := loadAppConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Languages) != 2 {
		t.Fatalf("expected 2 languages, got %d", len(cfg.Languages))
	}
	java := cfg.Languages[0]
	if java.language() != model.LanguageJava || java.Scaling.Max != 8 || java.Scaling.Steps[0].Delta != 3 {
		t.Fatalf("unexpected java section %+v", java)
	}
	if cfg.Queue.VisibilityTimeout != 3*time.Minute {
		t.Fatalf("unexpected visibility %s", cfg.Queue.VisibilityTimeout)
	}
}

func TestLoadAppConfigRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing dsn", "executor: {baseURL: x}\nminio: {bucket: b}\nredis: {addr: r}\n", "database dsn"},
		{"missing executor", minimalConfig[:strings.Index(minimalConfig, "executor:")], "executor baseURL"},
		{"unknown language", minimalConfig + "languages:\n  - name: ruby\n", "not supported"},
		{"duplicate language", minimalConfig + "languages:\n  - name: java\n  - name: JAVA\n", "configured twice"},
		{"bad policy", minimalConfig + "languages:\n  - name: java\n    scaling: {min: 3, max: 1}\n", "language java"},
		{"heartbeat too slow", minimalConfig + "queue:\n  visibilityTimeout: 10s\n  heartbeatInterval: 20s\n", "heartbeatInterval"},
	}
	for _, tc := range cases {
		_, err := loadAppConfig(writeConfig(t, tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLocalModeSkipsDatabase(t *testing.T) {
	body := "local: {enabled: true}\nminio: {bucket: b}\nexecutor: {baseURL: x}\n"
	cfg, err := loadAppConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Local.Enabled || cfg.Database.DSN != "" {
		t.Fatalf("unexpected local config %+v", cfg.Local)
	}
}

func TestLoadQuestions(t *testing.T) {
	path := writeConfig(t, `
questions:
  - id: q1
    timeLimitMs: 1000
    memoryLimitMb: 64
    testCases:
      - {number: 1, input: "1\n", expectedOutput: "1\n"}
      - {number: 2, input: "2\n", expectedOutput: "2\n", hidden: true}
`)
	questions, err := loadQuestions(path)
	if err != nil {
		t.Fatalf("load questions: %v", err)
	}
	if len(questions) != 1 || len(questions[0].TestCases) != 2 || !questions[0].TestCases[1].Hidden {
		t.Fatalf("unexpected questions %+v", questions)
	}

	bad := writeConfig(t, "questions:\n  - id: q2\n    timeLimitMs: 1000\n    memoryLimitMb: 64\n")
	if _, err := loadQuestions(bad); err == nil {
		t.Fatalf("expected a question without test cases to be rejected")
	}
}

func TestParseCompression(t *testing.T) {
	if parseCompression("ZSTD") != kafka.Zstd || parseCompression("") != kafka.Compression(0) {
		t.Fatalf("unexpected compression mapping")
	}
}
