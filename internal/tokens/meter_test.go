package tokens

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestMeter(t *testing.T) *Meter {
	t.Helper()
	return NewMeter("ws", filepath.Join(t.TempDir(), "usage.jsonl"))
}

func TestLogAndAggregate(t *testing.T) {
	m := newTestMeter(t)

	entries := []Entry{
		{InvocationType: InvocationUser, SessionKey: "telegram:1", InputTokens: 100, OutputTokens: 50, LLMCalls: 1},
		{InvocationType: InvocationUser, SessionKey: "telegram:2", InputTokens: 10, OutputTokens: 5, LLMCalls: 1},
		{InvocationType: InvocationSubagent, SessionKey: "telegram:1", InputTokens: 200, OutputTokens: 100, LLMCalls: 3},
	}
	for _, e := range entries {
		if err := m.Log(e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := m.All()
	if err != nil {
		t.Fatal(err)
	}
	if all.Invocations != 3 || all.TotalTokens != 465 || all.LLMCalls != 5 {
		t.Errorf("all = %+v", all)
	}

	sess, err := m.BySession("telegram:1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Invocations != 2 || sess.TotalTokens != 450 {
		t.Errorf("session totals = %+v", sess)
	}
}

func TestTodayExcludesOldEntries(t *testing.T) {
	m := newTestMeter(t)

	if err := m.Log(Entry{TS: time.Now().UTC().Add(-48 * time.Hour), InputTokens: 999}); err != nil {
		t.Fatal(err)
	}
	if err := m.Log(Entry{InputTokens: 1}); err != nil {
		t.Fatal(err)
	}

	today, err := m.Today()
	if err != nil {
		t.Fatal(err)
	}
	if today.Invocations != 1 || today.InputTokens != 1 {
		t.Errorf("today = %+v", today)
	}
}

func TestTotalTokensDerived(t *testing.T) {
	m := newTestMeter(t)
	if err := m.Log(Entry{InputTokens: 7, OutputTokens: 3}); err != nil {
		t.Fatal(err)
	}
	all, _ := m.All()
	if all.TotalTokens != 10 {
		t.Errorf("total = %d", all.TotalTokens)
	}
}

func TestConcurrentAppendsProduceWholeLines(t *testing.T) {
	m := newTestMeter(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Log(Entry{InvocationType: InvocationUser, InputTokens: 1, LLMCalls: 1})
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(m.path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines", len(lines))
	}

	all, _ := m.All()
	if all.Invocations != 20 {
		t.Errorf("aggregated %d invocations", all.Invocations)
	}
}

func TestAggregateSkipsTornLines(t *testing.T) {
	m := newTestMeter(t)
	m.Log(Entry{InputTokens: 5})
	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{\"ts\": \"torn")
	f.Close()

	all, err := m.All()
	if err != nil {
		t.Fatal(err)
	}
	if all.Invocations != 1 {
		t.Errorf("invocations = %d", all.Invocations)
	}
}
