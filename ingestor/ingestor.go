package ingestor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	lj "github.com/elastic/go-lumber/lj"
	srv2 "github.com/elastic/go-lumber/server/v2"

	"github.com/timearcs/timearcs/flowkey"
)

// --- TCP Ingestor using go-lumber v2 ---

// TCPIngestor receives event batches from a lumberjack v2 shipper. Every
// lumberjack event is a JSON object with the same field names as the CSV
// columns (timestamp, src_ip, dst_ip, src_port, dst_port, flags, ...).
type TCPIngestor struct {
	listener    net.Listener
	readTimeout time.Duration // for server
	events      chan *lj.Batch
	server      *srv2.Server
	ipMap       IPMap
}

func NewTCPIngestor(addr string, readTimeout time.Duration, ipMap IPMap) (*TCPIngestor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &TCPIngestor{
		listener:    ln,
		readTimeout: readTimeout,
		events:      make(chan *lj.Batch, 1000),
		ipMap:       ipMap,
	}, nil
}

// Addr returns the listener address.
func (ing *TCPIngestor) Addr() net.Addr {
	return ing.listener.Addr()
}

// Accept starts the lumberjack v2 Server.
func (ing *TCPIngestor) Accept() error {
	srv, err := srv2.NewWithListener(
		ing.listener,
		srv2.Timeout(ing.readTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create lumberjack server: %w", err)
	}
	ing.server = srv

	// Pull batches off ReceiveChan and ack them.
	go func() {
		for batch := range ing.server.ReceiveChan() {
			ing.events <- batch
			batch.ACK()
		}
		close(ing.events)
	}()

	return nil
}

// EventFromFields builds an Event from a decoded field map. timestamp,
// src_ip and dst_ip are required; everything else is optional.
func EventFromFields(fields map[string]interface{}, ipMap IPMap, out *Event) error {
	ts, ok := fieldInt(fields["timestamp"])
	if !ok {
		return errors.New("missing or invalid timestamp")
	}
	out.Timestamp = ts

	src, ok := fieldString(fields["src_ip"])
	if !ok || src == "" {
		return errors.New("missing src_ip")
	}
	dst, ok := fieldString(fields["dst_ip"])
	if !ok || dst == "" {
		return errors.New("missing dst_ip")
	}
	out.Src = ipMap.Resolve(src)
	out.Dst = ipMap.Resolve(dst)

	if s, ok := fieldString(fields["src_port"]); ok {
		out.SrcPort = flowkey.CoercePort(s)
	}
	if s, ok := fieldString(fields["dst_port"]); ok {
		out.DstPort = flowkey.CoercePort(s)
	}

	if s, ok := fieldString(fields["flags"]); ok {
		out.Flags, out.Category = ClassifyRawFlags(s)
	} else {
		out.Category = CategoryInvalid
	}
	if s, ok := fieldString(fields["flag_type"]); ok && s != "" {
		out.Category = Category(s)
	}

	if v, ok := fieldInt(fields["seq_num"]); ok {
		out.Seq = uint32(v)
	}
	if v, ok := fieldInt(fields["ack_num"]); ok {
		out.Ack = uint32(v)
	}
	if v, ok := fieldInt(fields["length"]); ok && v > 0 {
		out.Length = uint32(v)
	}

	out.FlowID, _ = fieldString(fields["flow_id"])
	out.FlowState, _ = fieldString(fields["flow_state"])
	out.CloseType, _ = fieldString(fields["flow_close_type"])
	out.InvalidReason, _ = fieldString(fields["flow_invalid_reason"])
	out.Established = fieldBool(fields["establishment_complete"])
	out.DataStarted = fieldBool(fields["data_transfer_started"])
	out.ClosingStarted = fieldBool(fields["closing_started"])

	return nil
}

func fieldString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return strings.TrimSpace(x), true
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return fmt.Sprint(x), true
	}
}

func fieldInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case int:
		return int64(x), true
	case int64:
		return x, true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		f, err := x.Float64()
		return int64(f), err == nil
	case string:
		return ParseInt(x)
	default:
		return 0, false
	}
}

func fieldBool(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return ParseBool(x)
	case float64:
		return x != 0
	default:
		return false
	}
}

// ParseInt parses an integer field, accepting float renderings such as "12.0".
func ParseInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// ParseBool accepts the spellings written by pandas and JSON exporters.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "t", "1.0":
		return true
	default:
		return false
	}
}

// ReadBatch drains all batches received so far without blocking.
func (ing *TCPIngestor) ReadBatch() ([]Event, error) {
	var out []Event

	for {
		select {
		case batch, ok := <-ing.events:
			if !ok {
				return out, nil
			}
			for _, evt := range batch.Events {
				if m, ok := evt.(map[string]interface{}); ok {
					var entry Event
					if err := EventFromFields(m, ing.ipMap, &entry); err == nil {
						out = append(out, entry)
					}
				}
			}
		default:
			// Channel is empty, return what we have
			return out, nil
		}
	}
}

func (ing *TCPIngestor) IsClosed() bool {
	if ing.server == nil {
		return true
	}
	select {
	case batch, ok := <-ing.events:
		if !ok {
			return true
		}
		// Put the batch back to avoid losing data
		ing.events <- batch
		return false
	default:
		return false
	}
}

// Close shuts down the server and listener.
func (ing *TCPIngestor) Close() error {
	if ing.server != nil {
		ing.server.Close()
	}
	return ing.listener.Close()
}
