package testutil

import (
	"fmt"
	"os"
	"strings"
	"testing"
)

// EventHeader is the CSV header written by GenerateTestEventFile
const EventHeader = "timestamp,src_ip,dst_ip,src_port,dst_port,flags,flag_type,seq_num,ack_num,length,protocol," +
	"flow_id,flow_state,flow_close_type,establishment_complete,data_transfer_started,closing_started,flow_invalid_reason"

// BaseTimestamp is the timestamp of the first generated event, in µs
const BaseTimestamp int64 = 1_700_000_000_000_000

// EventsPerFlow is the number of packets in one generated connection
const EventsPerFlow = 8

type packet struct {
	fromClient bool
	flags      int
	length     int
}

// a complete connection: handshake, two data segments, graceful close
var conversation = [EventsPerFlow]packet{
	{true, 2, 0},      // SYN
	{false, 18, 0},    // SYN+ACK
	{true, 16, 0},     // ACK
	{true, 24, 512},   // PSH+ACK
	{false, 24, 1460}, // PSH+ACK
	{true, 16, 0},     // ACK
	{true, 17, 0},     // FIN+ACK
	{false, 16, 0},    // ACK
}

// GenerateTestEventFile creates a temporary CSV event file with numLines
// TCP packets, 1ms apart, grouped into connections of EventsPerFlow
// packets between 20 clients and 3 servers. Every tenth connection is
// reset instead of closed.
// Returns the file path and a cleanup function.
func GenerateTestEventFile(t testing.TB, numLines int) (string, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_events_*.csv")
	if err != nil {
		t.Fatalf("Failed to create temp event file: %v", err)
	}

	var content strings.Builder
	content.WriteString(EventHeader)
	content.WriteString("\n")
	for i := 0; i < numLines; i++ {
		content.WriteString(EventLine(i))
		content.WriteString("\n")
	}

	if _, err := tmpFile.WriteString(content.String()); err != nil {
		t.Fatalf("Failed to write to temp event file: %v", err)
	}
	tmpFile.Close()

	cleanup := func() {
		os.Remove(tmpFile.Name())
	}
	return tmpFile.Name(), cleanup
}

// EventLine renders the i-th generated packet as a CSV line.
func EventLine(i int) string {
	flow := i / EventsPerFlow
	step := i % EventsPerFlow
	p := conversation[step]

	client := fmt.Sprintf("10.1.%d.%d", flow%20/10, flow%20+1)
	server := fmt.Sprintf("192.168.0.%d", flow%3+1)
	clientPort := 40000 + flow%20000
	serverPort := 443

	closeType := "graceful"
	if flow%10 == 9 {
		closeType = "abortive"
		if step == 6 {
			p.flags = 4 // RST
		}
	}

	src, dst, sport, dport := client, server, clientPort, serverPort
	if !p.fromClient {
		src, dst, sport, dport = server, client, serverPort, clientPort
	}

	return fmt.Sprintf("%d,%s,%s,%d,%d,%d,,%d,%d,%d,6,flow-%d,closed,%s,true,%t,%t,",
		BaseTimestamp+int64(i)*1000,
		src, dst, sport, dport,
		p.flags,
		1000+step, 2000+step, p.length,
		flow, closeType,
		step >= 3, step >= 6,
	)
}

// TempFilePath returns a cross-platform temporary file path
// with the given pattern. Does not create the file.
func TempFilePath(t testing.TB, pattern string) string {
	t.Helper()

	tmpFile, err := os.CreateTemp("", pattern)
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	path := tmpFile.Name()
	tmpFile.Close()
	os.Remove(path) // Remove immediately, just need the path

	return path
}
