package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const testRules = `version: "t1"
block_threshold: 0.8
default_baseline: 0.2
dangerous:
  - name: no-reboot
    programs: [reboot]
`

func writeRules(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, testRules)

	rules, err := LoadRuleFile(path)
	if err != nil {
		t.Fatal(err)
	}
	v := NewValidator(rules, 0)

	var from, to string
	w := NewWatcher(path, v, func(o, n string) error {
		from, to = o, n
		return nil
	})

	if w.Reload() {
		t.Error("reload of unchanged file reported a change")
	}

	writeRules(t, path, strings.Replace(testRules, "[reboot]", "[reboot, halt]", 1))
	if !w.Reload() {
		t.Fatal("expected reload to install new rules")
	}
	if from != rules.Version() || to != v.Version() || from == to {
		t.Errorf("onReload(%q, %q), validator at %q", from, to, v.Version())
	}
	got, _ := v.Validate("halt", Context{})
	if got.Allowed() {
		t.Error("new rule not applied")
	}

	before := v.Version()
	writeRules(t, path, "version: [broken")
	if w.Reload() {
		t.Error("broken file should not reload")
	}
	if v.Version() != before {
		t.Errorf("version changed to %q after broken reload", v.Version())
	}
}

func TestWatcherKeepsRulesWhenReloadRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, testRules)

	rules, err := LoadRuleFile(path)
	if err != nil {
		t.Fatal(err)
	}
	v := NewValidator(rules, 0)

	fail := true
	var calls int
	w := NewWatcher(path, v, func(o, n string) error {
		calls++
		if v.Version() != o {
			t.Errorf("hook ran after swap: validator at %q, old %q", v.Version(), o)
		}
		if fail {
			return errors.New("audit log unavailable")
		}
		return nil
	})

	writeRules(t, path, strings.Replace(testRules, "[reboot]", "[reboot, halt]", 1))
	if w.Reload() {
		t.Fatal("reload succeeded although the hook failed")
	}
	if v.Version() != rules.Version() {
		t.Errorf("version = %q, want %q", v.Version(), rules.Version())
	}
	if got, _ := v.Validate("halt", Context{}); !got.Allowed() {
		t.Error("refused rules were applied")
	}

	fail = false
	if !w.Reload() {
		t.Fatal("retry did not reload")
	}
	if got, _ := v.Validate("halt", Context{}); got.Allowed() {
		t.Error("new rule not applied after retry")
	}
	if calls != 2 {
		t.Errorf("hook calls = %d, want 2", calls)
	}
}

func TestWatcherRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, testRules)

	rules, err := LoadRuleFile(path)
	if err != nil {
		t.Fatal(err)
	}
	v := NewValidator(rules, 0)

	var (
		mu      sync.Mutex
		reloads int
	)
	w := NewWatcher(path, v, func(string, string) error {
		mu.Lock()
		reloads++
		mu.Unlock()
		return nil
	})
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeRules(t, path, strings.Replace(testRules, `"t1"`, `"t2"`, 1))

	deadline := time.Now().Add(5 * time.Second)
	for !strings.HasPrefix(v.Version(), "t2@") {
		if time.Now().After(deadline) {
			t.Fatalf("rules not reloaded, version %q", v.Version())
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if reloads < 1 {
		t.Errorf("reloads = %d", reloads)
	}
}
