package transcript

import (
	"testing"
	"time"
)

func TestBuffer_HydrateThenAppendOrder(t *testing.T) {
	b := NewBuffer("s1")
	if b.Loaded() {
		t.Fatalf("new buffer must not report loaded")
	}
	b.Hydrate([]Message{
		{ID: "m1", Content: "hi", Sender: SenderUser},
		{ID: "m2", Content: "hello!", Sender: SenderBot},
	})
	if !b.Loaded() {
		t.Fatalf("buffer should report loaded after hydrate")
	}
	b.AppendLocal("how can I help?", time.Unix(100, 0))
	b.AppendRemote("m3", "my order is late", time.Unix(101, 0))

	got := b.Snapshot()
	if len(got) != 4 {
		t.Fatalf("len=%d, want 4", len(got))
	}
	wantContent := []string{"hi", "hello!", "how can I help?", "my order is late"}
	for i, w := range wantContent {
		if got[i].Content != w {
			t.Fatalf("messages[%d] = %q, want %q", i, got[i].Content, w)
		}
	}
}

func TestBuffer_AppendLocalIsHumanAuthoredBot(t *testing.T) {
	b := NewBuffer("s1")
	b.Hydrate(nil)
	msg := b.AppendLocal("typed by operator", time.Unix(100, 0))
	if msg.Sender != SenderBot || !msg.HumanAuthored {
		t.Fatalf("local append = %+v, want human-authored bot message", msg)
	}
	if msg.ID == "" {
		t.Fatalf("local append must carry a generated ID")
	}
}

func TestBuffer_AppendRemoteGeneratesIDWhenAbsent(t *testing.T) {
	b := NewBuffer("s1")
	b.Hydrate(nil)
	msg := b.AppendRemote("", "hi", time.Unix(100, 0))
	if msg.ID == "" {
		t.Fatalf("remote append without server ID must generate one")
	}
	if msg.Sender != SenderUser || msg.HumanAuthored {
		t.Fatalf("remote append = %+v, want consumer message", msg)
	}
}

func TestBuffer_HydratePreservesRacedAppends(t *testing.T) {
	b := NewBuffer("s1")
	b.AppendRemote("m9", "raced ahead", time.Unix(100, 0))
	b.Hydrate([]Message{{ID: "m1", Content: "history"}})
	got := b.Snapshot()
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m9" {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestBuffer_SnapshotIsACopy(t *testing.T) {
	b := NewBuffer("s1")
	b.Hydrate([]Message{{ID: "m1", Content: "hi"}})
	snap := b.Snapshot()
	snap[0].Content = "mutated"
	if b.Snapshot()[0].Content != "hi" {
		t.Fatalf("snapshot aliases buffer storage")
	}
}
