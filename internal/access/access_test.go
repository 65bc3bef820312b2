package access

import "testing"

func TestBusPassThroughWhenDisabled(t *testing.T) {
	b := NewBus(nil)
	if b.Enabled() {
		t.Fatal("expected disabled bus")
	}
	if err := b.CheckCreateParticipant(nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := b.CheckLocalWriterMatch(nil, "T", nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRuleCacheAllows(t *testing.T) {
	c := &RuleCache{
		Rules: []DomainRule{
			{
				DomainIDMin: 0, DomainIDMax: 100,
				Topics: []TopicRule{
					{TopicExpr: "Square*", Publish: true, Subscribe: true, Action: RuleAllow},
					{TopicExpr: "Secret", Publish: true, Subscribe: false, Action: RuleAllow, PartitionExpr: []string{"red"}},
				},
				DefaultAction: RuleDeny,
			},
		},
	}
	if !c.Allows(0, "SquareCirc", nil, true) {
		t.Fatal("expected SquareCirc publish to be allowed via wildcard")
	}
	if c.Allows(0, "Other", nil, true) {
		t.Fatal("expected Other to fall through to deny default")
	}
	if !c.Allows(0, "Secret", []string{"red"}, true) {
		t.Fatal("expected Secret/red publish to be allowed")
	}
	if c.Allows(0, "Secret", []string{"red"}, false) {
		t.Fatal("expected Secret subscribe to be denied (Subscribe:false)")
	}
	if c.Allows(0, "Secret", []string{"blue"}, true) {
		t.Fatal("expected Secret/blue publish to fail partition match")
	}
}

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "anything", true},
		{"Foo*", "FooBar", true},
		{"Foo*", "Bar", false},
		{"*Bar", "FooBar", true},
		{"Exact", "Exact", true},
		{"Exact", "NotExact", false},
	}
	for _, c := range cases {
		if got := globMatch(c.pattern, c.s); got != c.want {
			t.Errorf("globMatch(%q,%q) = %v, want %v", c.pattern, c.s, got, c.want)
		}
	}
}
