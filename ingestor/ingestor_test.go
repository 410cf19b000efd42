package ingestor

import (
	"testing"

	lj "github.com/elastic/go-lumber/lj"
)

func validFields() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":              float64(1_700_000_000_000_000),
		"src_ip":                 "10.0.0.1",
		"dst_ip":                 "10.0.0.2",
		"src_port":               float64(5000),
		"dst_port":               "80",
		"flags":                  float64(0x12),
		"length":                 float64(60),
		"flow_close_type":        "graceful",
		"establishment_complete": true,
	}
}

func TestEventFromFields(t *testing.T) {
	var evt Event
	if err := EventFromFields(validFields(), nil, &evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Timestamp != 1_700_000_000_000_000 {
		t.Errorf("expected timestamp 1700000000000000, got %d", evt.Timestamp)
	}
	if evt.Src != "10.0.0.1" || evt.Dst != "10.0.0.2" {
		t.Errorf("unexpected endpoints %s -> %s", evt.Src, evt.Dst)
	}
	if evt.SrcPort != 5000 || evt.DstPort != 80 {
		t.Errorf("unexpected ports %d -> %d", evt.SrcPort, evt.DstPort)
	}
	if evt.Category != CategorySYNACK {
		t.Errorf("expected SYN+ACK, got %s", evt.Category)
	}
	if evt.Length != 60 {
		t.Errorf("expected length 60, got %d", evt.Length)
	}
	if evt.CloseType != CloseGraceful || !evt.Established {
		t.Errorf("flow metadata not copied: %+v", evt)
	}
}

func TestEventFromFields_Errors(t *testing.T) {
	tests := []struct {
		name   string
		remove string
	}{
		{name: "missing timestamp", remove: "timestamp"},
		{name: "missing source", remove: "src_ip"},
		{name: "missing destination", remove: "dst_ip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := validFields()
			delete(fields, tt.remove)
			var evt Event
			if err := EventFromFields(fields, nil, &evt); err == nil {
				t.Errorf("expected error when %s is missing", tt.remove)
			}
		})
	}
}

func TestEventFromFields_FlagTypeWins(t *testing.T) {
	fields := validFields()
	fields["flag_type"] = "RST"
	var evt Event
	if err := EventFromFields(fields, nil, &evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Category != CategoryRST {
		t.Errorf("expected precomputed RST, got %s", evt.Category)
	}
}

func TestEventFromFields_MappedIDs(t *testing.T) {
	fields := validFields()
	fields["src_ip"] = float64(17)
	fields["dst_ip"] = float64(99)
	ipMap := IPMap{17: "192.168.1.17"}

	var evt Event
	if err := EventFromFields(fields, ipMap, &evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Src != "192.168.1.17" {
		t.Errorf("expected mapped source, got %s", evt.Src)
	}
	if evt.Dst != "99" {
		t.Errorf("expected unmapped id to stay decimal, got %s", evt.Dst)
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"True", "true", "1", "1.0", " yes "} {
		if !ParseBool(s) {
			t.Errorf("ParseBool(%q) should be true", s)
		}
	}
	for _, s := range []string{"False", "0", "", "nope"} {
		if ParseBool(s) {
			t.Errorf("ParseBool(%q) should be false", s)
		}
	}
}

func makeBatch(events ...interface{}) *lj.Batch {
	return &lj.Batch{
		Events: events,
	}
}

func TestReadBatch_EmptyChannel(t *testing.T) {
	ing := &TCPIngestor{
		events: make(chan *lj.Batch),
	}
	got, err := ing.ReadBatch()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestReadBatch_ClosedChannel(t *testing.T) {
	ing := &TCPIngestor{
		events: make(chan *lj.Batch),
	}
	close(ing.events)
	got, err := ing.ReadBatch()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestReadBatch_MultipleBatches(t *testing.T) {
	ing := &TCPIngestor{
		events: make(chan *lj.Batch, 2),
	}
	second := validFields()
	second["src_ip"] = "10.0.0.3"
	ing.events <- makeBatch(validFields())
	ing.events <- makeBatch(second)

	got, err := ing.ReadBatch()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Src != "10.0.0.1" || got[1].Src != "10.0.0.3" {
		t.Errorf("unexpected sources: %s, %s", got[0].Src, got[1].Src)
	}
}

func TestReadBatch_SkipsInvalidEvents(t *testing.T) {
	ing := &TCPIngestor{
		events: make(chan *lj.Batch, 1),
	}
	ing.events <- makeBatch(map[string]interface{}{}, validFields(), "not a map", 123, nil)
	got, err := ing.ReadBatch()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 valid result, got %d", len(got))
	}
}

func TestIsClosed_NoServer(t *testing.T) {
	ing := &TCPIngestor{events: make(chan *lj.Batch)}
	if !ing.IsClosed() {
		t.Error("ingestor without server should report closed")
	}
}
