package bus

import "testing"

func TestPublishToTopic(t *testing.T) {
	b := New[string]()

	var got []string
	cancel := b.Subscribe("team-1", func(s string) { got = append(got, s) })
	defer cancel()

	b.Publish("team-1", "a")
	b.Publish("team-2", "b")

	if len(got) != 1 || got[0] != "a" {
		t.Errorf("got %v, want [a]", got)
	}
}

func TestGlobalSubscriberSeesAll(t *testing.T) {
	b := New[int]()

	var got []int
	cancel := b.Subscribe(TopicAll, func(n int) { got = append(got, n) })
	defer cancel()

	b.Publish("team-1", 1)
	b.Publish("team-2", 2)

	if len(got) != 2 {
		t.Errorf("global subscriber got %v, want both events", got)
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	b := New[int]()

	count := 0
	cancel := b.Subscribe("team-1", func(int) { count++ })

	b.Publish("team-1", 1)
	cancel()
	b.Publish("team-1", 2)

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if b.Subscribers("team-1") != 0 {
		t.Error("expected zero subscribers after cancel")
	}
}

func TestCancelTwiceIsSafe(t *testing.T) {
	b := New[int]()
	cancel := b.Subscribe("team-1", func(int) {})
	cancel()
	cancel()
}

func TestDropTopic(t *testing.T) {
	b := New[int]()

	count := 0
	_ = b.Subscribe("team-1", func(int) { count++ })
	_ = b.Subscribe("team-1", func(int) { count++ })

	b.DropTopic("team-1")
	b.Publish("team-1", 1)

	if count != 0 {
		t.Errorf("count = %d, want 0 after DropTopic", count)
	}
}
