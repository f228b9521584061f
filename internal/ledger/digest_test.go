package ledger

import "testing"

func sample() EventContent {
	return EventContent{
		BatchID:    "TOM-789123",
		Seq:        1,
		Kind:       "transferred",
		ActorID:    "farmer-1",
		Location:   "Pune",
		Payload:    `{"to_actor":"dist-1"}`,
		TS:         "2024-01-01T00:00:00Z",
		PrevDigest: Sentinel,
	}
}

func TestDigestDeterministic(t *testing.T) {
	a := Digest(sample())
	b := Digest(sample())
	if a != b {
		t.Fatalf("digest not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestDigestSensitiveToEveryField(t *testing.T) {
	base := Digest(sample())
	mutations := []func(*EventContent){
		func(c *EventContent) { c.BatchID = "TOM-789124" },
		func(c *EventContent) { c.Seq = 2 },
		func(c *EventContent) { c.Kind = "received" },
		func(c *EventContent) { c.ActorID = "dist-1" },
		func(c *EventContent) { c.Location = "Mumbai" },
		func(c *EventContent) { c.Payload = `{"to_actor":"dist-2"}` },
		func(c *EventContent) { c.TS = "2024-01-01T00:00:01Z" },
		func(c *EventContent) { c.PrevDigest = Digest(sample()) },
	}
	for i, mutate := range mutations {
		c := sample()
		mutate(&c)
		if Digest(c) == base {
			t.Fatalf("mutation %d did not change digest", i)
		}
	}
}

func TestSentinelShape(t *testing.T) {
	if len(Sentinel) != 64 {
		t.Fatalf("sentinel must match digest width, got %d", len(Sentinel))
	}
}
