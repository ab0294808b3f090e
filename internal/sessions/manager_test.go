package sessions

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

var convPattern = regexp.MustCompile(`^conv_\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}-\d{6}$`)

func TestThreadIDFormat(t *testing.T) {
	m := NewManager("")
	tid := m.ThreadID("telegram:1")

	if !strings.HasPrefix(tid, "telegram:1:conv_") {
		t.Fatalf("thread id = %q", tid)
	}
	conv := strings.TrimPrefix(tid, "telegram:1:")
	if !convPattern.MatchString(conv) {
		t.Errorf("conversation id %q does not match pattern", conv)
	}
}

func TestThreadIDIdempotent(t *testing.T) {
	m := NewManager("")
	a := m.ThreadID("telegram:1")
	b := m.ThreadID("telegram:1")
	if a != b {
		t.Errorf("thread id changed without rotation: %q vs %q", a, b)
	}
}

func TestRotationNeverReusesIDs(t *testing.T) {
	m := NewManager("")
	seen := map[string]bool{}

	m.ThreadID("telegram:1")
	for i := 0; i < 100; i++ {
		tid := m.ThreadID("telegram:1")
		if seen[tid] {
			t.Fatalf("thread id %q reused at rotation %d", tid, i)
		}
		seen[tid] = true
		m.NewConversation("telegram:1")
	}
}

func TestRotationIDsAreSortable(t *testing.T) {
	m := NewManager("")
	m.ThreadID("telegram:1")

	var prev string
	for i := 0; i < 10; i++ {
		st := m.GetState("telegram:1")
		if prev != "" && st.ConversationID <= prev {
			t.Fatalf("conversation ids not monotone: %q then %q", prev, st.ConversationID)
		}
		prev = st.ConversationID
		m.NewConversation("telegram:1")
	}
}

func TestNewConversationReturnsOldID(t *testing.T) {
	m := NewManager("")
	m.ThreadID("telegram:1")
	before := m.GetState("telegram:1").ConversationID

	old := m.NewConversation("telegram:1")
	if old != before {
		t.Errorf("returned %q, want %q", old, before)
	}
	if cur := m.GetState("telegram:1").ConversationID; cur == before {
		t.Error("conversation id did not rotate")
	}
}

func TestRotationResetsMessageCount(t *testing.T) {
	m := NewManager("")
	m.ThreadID("telegram:1")
	m.Increment("telegram:1")
	m.Increment("telegram:1")
	if n := m.GetState("telegram:1").MessageCount; n != 2 {
		t.Fatalf("count = %d", n)
	}

	m.NewConversation("telegram:1")
	if n := m.GetState("telegram:1").MessageCount; n != 0 {
		t.Errorf("count after rotation = %d", n)
	}
}

func TestGetStateUnknownSession(t *testing.T) {
	m := NewManager("")
	if st := m.GetState("telegram:unknown"); st != nil {
		t.Errorf("got %+v, want nil", st)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m1 := NewManager(dir)
	tid := m1.ThreadID("telegram:1")
	m1.Increment("telegram:1")

	m2 := NewManager(dir)
	if got := m2.ThreadID("telegram:1"); got != tid {
		t.Errorf("reloaded thread id %q, want %q", got, tid)
	}
	if n := m2.GetState("telegram:1").MessageCount; n != 1 {
		t.Errorf("reloaded count = %d", n)
	}
}

func TestMonotonicAcrossReload(t *testing.T) {
	dir := t.TempDir()

	m1 := NewManager(dir)
	m1.ThreadID("telegram:1")
	first := m1.GetState("telegram:1").ConversationID

	m2 := NewManager(dir)
	m2.NewConversation("telegram:1")
	second := m2.GetState("telegram:1").ConversationID
	if second <= first {
		t.Errorf("rotation after reload produced %q, not after %q", second, first)
	}
}

func TestArchiveConversation(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	m.ThreadID("telegram:1")
	old := m.NewConversation("telegram:1")

	if err := m.ArchiveConversation("telegram:1", old, "a summary", "compact"); err != nil {
		t.Fatal(err)
	}
}

func TestConversationTimeRoundTrip(t *testing.T) {
	m := NewManager("")
	m.now = func() time.Time {
		return time.Date(2026, 8, 26, 9, 15, 30, 42117000, time.UTC)
	}
	m.ThreadID("telegram:1")
	id := m.GetState("telegram:1").ConversationID
	if id != "conv_2026-08-26T09-15-30-042117" {
		t.Fatalf("id = %q", id)
	}
	ts, ok := parseConversationTime(id)
	if !ok || !ts.Equal(time.Date(2026, 8, 26, 9, 15, 30, 42117000, time.UTC)) {
		t.Errorf("parsed %v ok=%v", ts, ok)
	}
}
