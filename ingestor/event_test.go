package ingestor

import "testing"

func TestClassifyFlags(t *testing.T) {
	tests := []struct {
		name     string
		value    int
		expected Category
	}{
		{name: "none", value: 0, expected: CategoryNone},
		{name: "syn", value: 0x02, expected: CategorySYN},
		{name: "syn ack", value: 0x12, expected: CategorySYNACK},
		{name: "fin ack", value: 0x11, expected: CategoryFINACK},
		{name: "psh ack", value: 0x18, expected: CategoryPSHACK},
		{name: "rst ack", value: 0x14, expected: CategoryRSTACK},
		{name: "ack", value: 0x10, expected: CategoryACK},
		{name: "rst", value: 0x04, expected: CategoryRST},
		{name: "sorted names", value: 0x19, expected: "ACK+FIN+PSH"},
		{name: "ecn bits", value: 0xC2, expected: "CWR+ECE+SYN"},
		{name: "out of vocabulary", value: 0x100, expected: "OTHER_256"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyFlags(tt.value); got != tt.expected {
				t.Errorf("ClassifyFlags(%#x) = %q, expected %q", tt.value, got, tt.expected)
			}
		})
	}
}

func TestClassifyRawFlags(t *testing.T) {
	tests := []struct {
		raw      string
		flags    uint8
		expected Category
	}{
		{raw: "18", flags: 0x12, expected: CategorySYNACK},
		{raw: "16.0", flags: 0x10, expected: CategoryACK},
		{raw: "", flags: 0, expected: CategoryInvalid},
		{raw: "syn", flags: 0, expected: CategoryInvalid},
		{raw: "NaN", flags: 0, expected: CategoryInvalid},
		{raw: "255", flags: 0xff, expected: "ACK+CWR+ECE+FIN+PSH+RST+SYN+URG"},
		{raw: "256", flags: 0, expected: CategoryInvalid},
		{raw: "274.0", flags: 0, expected: CategoryInvalid},
		{raw: "-2", flags: 0, expected: CategoryInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			flags, cat := ClassifyRawFlags(tt.raw)
			if flags != tt.flags || cat != tt.expected {
				t.Errorf("ClassifyRawFlags(%q) = (%#x, %q), expected (%#x, %q)", tt.raw, flags, cat, tt.flags, tt.expected)
			}
		})
	}
}

func TestPhaseOf(t *testing.T) {
	tests := []struct {
		category Category
		expected Phase
	}{
		{CategorySYN, PhaseEstablishment},
		{CategorySYNACK, PhaseEstablishment},
		{CategoryACK, PhaseDataTransfer},
		{CategoryPSHACK, PhaseDataTransfer},
		{"ACK+URG", PhaseDataTransfer},
		{CategoryFIN, PhaseClosing},
		{CategoryFINACK, PhaseClosing},
		{CategoryRST, PhaseClosing},
		{CategoryRSTACK, PhaseClosing},
		{"ACK+FIN+PSH", PhaseClosing},
		{CategoryNone, PhaseNone},
		{CategoryInvalid, PhaseNone},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			if got := PhaseOf(tt.category); got != tt.expected {
				t.Errorf("PhaseOf(%q) = %v, expected %v", tt.category, got, tt.expected)
			}
		})
	}
}

func TestParsePhase(t *testing.T) {
	for _, p := range Phases {
		got, ok := ParsePhase(p.String())
		if !ok || got != p {
			t.Errorf("ParsePhase(%q) = (%v, %v), expected %v", p.String(), got, ok, p)
		}
	}
	if _, ok := ParsePhase("teardown"); ok {
		t.Error("expected unknown phase to be rejected")
	}
}
