package eventparser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/timearcs/timearcs/flowkey"
	"github.com/timearcs/timearcs/ingestor"
)

// fieldKind identifies which Event field a CSV column feeds
type fieldKind int

const (
	fieldSkip fieldKind = iota
	fieldTimestamp
	fieldSrc
	fieldDst
	fieldSrcPort
	fieldDstPort
	fieldFlags
	fieldFlagType
	fieldSeq
	fieldAck
	fieldLength
	fieldProtocol
	fieldFlowID
	fieldFlowState
	fieldCloseType
	fieldEstablished
	fieldDataStarted
	fieldClosingStarted
	fieldInvalidReason
)

var columnKinds = map[string]fieldKind{
	"timestamp":              fieldTimestamp,
	"src_ip":                 fieldSrc,
	"dst_ip":                 fieldDst,
	"src_port":               fieldSrcPort,
	"dst_port":               fieldDstPort,
	"flags":                  fieldFlags,
	"flag_type":              fieldFlagType,
	"seq_num":                fieldSeq,
	"ack_num":                fieldAck,
	"length":                 fieldLength,
	"protocol":               fieldProtocol,
	"flow_id":                fieldFlowID,
	"flow_state":             fieldFlowState,
	"flow_close_type":        fieldCloseType,
	"establishment_complete": fieldEstablished,
	"data_transfer_started":  fieldDataStarted,
	"closing_started":        fieldClosingStarted,
	"flow_invalid_reason":    fieldInvalidReason,
}

// DefaultHeader is the column layout written by the flow classifier
const DefaultHeader = "timestamp,src_ip,dst_ip,src_port,dst_port,flags,flag_type,seq_num,ack_num,length,protocol," +
	"flow_id,flow_state,flow_close_type,establishment_complete,data_transfer_started,closing_started,flow_invalid_reason"

// ErrSkipped marks a line that is well formed but filtered out (non-TCP)
var ErrSkipped = errors.New("line filtered")

// CompiledHeader maps column positions to Event fields
type CompiledHeader struct {
	kinds       []fieldKind
	hasFlagType bool
}

// CompileHeader turns a CSV header line into field extractors. Unknown
// columns are skipped; timestamp, src_ip and dst_ip are required and may
// appear only once.
func CompileHeader(header string) (*CompiledHeader, error) {
	header = strings.TrimPrefix(strings.TrimSpace(header), "\ufeff")
	if header == "" {
		return nil, errors.New("empty header")
	}

	names := splitFields(header, nil)
	ch := &CompiledHeader{kinds: make([]fieldKind, len(names))}
	seen := make(map[fieldKind]bool)
	for i, name := range names {
		kind := columnKinds[strings.ToLower(strings.TrimSpace(name))]
		if kind != fieldSkip {
			if seen[kind] {
				return nil, fmt.Errorf("duplicate column %q", name)
			}
			seen[kind] = true
		}
		if kind == fieldFlagType {
			ch.hasFlagType = true
		}
		ch.kinds[i] = kind
	}

	var missing []string
	for _, req := range []string{"timestamp", "src_ip", "dst_ip"} {
		if !seen[columnKinds[req]] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return ch, nil
}

// splitFields splits one CSV record. Double quoted fields may contain commas;
// doubled quotes inside them are unescaped.
func splitFields(line string, dst []string) []string {
	dst = dst[:0]
	for {
		if len(line) > 0 && line[0] == '"' {
			var b strings.Builder
			i := 1
			for i < len(line) {
				if line[i] == '"' {
					if i+1 < len(line) && line[i+1] == '"' {
						b.WriteByte('"')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteByte(line[i])
				i++
			}
			dst = append(dst, b.String())
			line = line[i:]
			comma := strings.IndexByte(line, ',')
			if comma < 0 {
				return dst
			}
			line = line[comma+1:]
			continue
		}

		comma := strings.IndexByte(line, ',')
		if comma < 0 {
			return append(dst, line)
		}
		dst = append(dst, line[:comma])
		line = line[comma+1:]
	}
}

// ParseLine parses one data line into evt. fields is scratch space reused
// between calls.
func (ch *CompiledHeader) ParseLine(line string, ipMap ingestor.IPMap, fields []string, evt *ingestor.Event) ([]string, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return fields, errors.New("empty line")
	}
	fields = splitFields(line, fields)

	var (
		haveTS, haveSrc, haveDst bool
		rawFlags                 string
		haveFlags                bool
	)
	*evt = ingestor.Event{}

	for i, raw := range fields {
		if i >= len(ch.kinds) {
			break
		}
		raw = strings.TrimSpace(raw)
		switch ch.kinds[i] {
		case fieldTimestamp:
			ts, ok := ingestor.ParseInt(raw)
			if !ok {
				return fields, fmt.Errorf("invalid timestamp %q", raw)
			}
			evt.Timestamp, haveTS = ts, true
		case fieldSrc:
			evt.Src = ipMap.Resolve(raw)
			haveSrc = evt.Src != ""
		case fieldDst:
			evt.Dst = ipMap.Resolve(raw)
			haveDst = evt.Dst != ""
		case fieldSrcPort:
			evt.SrcPort = flowkey.CoercePort(raw)
		case fieldDstPort:
			evt.DstPort = flowkey.CoercePort(raw)
		case fieldFlags:
			rawFlags, haveFlags = raw, true
		case fieldFlagType:
			evt.Category = ingestor.Category(raw)
		case fieldSeq:
			if v, ok := ingestor.ParseInt(raw); ok {
				evt.Seq = uint32(v)
			}
		case fieldAck:
			if v, ok := ingestor.ParseInt(raw); ok {
				evt.Ack = uint32(v)
			}
		case fieldLength:
			if v, ok := ingestor.ParseInt(raw); ok && v > 0 {
				evt.Length = uint32(v)
			}
		case fieldProtocol:
			if !isTCP(raw) {
				return fields, ErrSkipped
			}
		case fieldFlowID:
			evt.FlowID = raw
		case fieldFlowState:
			evt.FlowState = raw
		case fieldCloseType:
			evt.CloseType = raw
		case fieldEstablished:
			evt.Established = ingestor.ParseBool(raw)
		case fieldDataStarted:
			evt.DataStarted = ingestor.ParseBool(raw)
		case fieldClosingStarted:
			evt.ClosingStarted = ingestor.ParseBool(raw)
		case fieldInvalidReason:
			evt.InvalidReason = raw
		}
	}

	if !haveTS || !haveSrc || !haveDst {
		return fields, errors.New("missing required field")
	}

	if haveFlags {
		flags, category := ingestor.ClassifyRawFlags(rawFlags)
		evt.Flags = flags
		if evt.Category == "" {
			evt.Category = category
		}
	} else if evt.Category == "" {
		evt.Category = ingestor.CategoryInvalid
	}
	return fields, nil
}

// isTCP accepts protocol number 6 in any rendering, the name, or an empty cell
func isTCP(raw string) bool {
	if raw == "" || strings.EqualFold(raw, "tcp") {
		return true
	}
	v, ok := ingestor.ParseInt(raw)
	return ok && v == 6
}

// Options tune a parse run
type Options struct {
	IPMap      ingestor.IPMap
	MaxRecords int // data lines to read, 0 = all
	Workers    int // 0 = min(NumCPU, 8)
	ChunkLines int // lines per parse task, 0 = 8192
}

// Stats reports what a parse run dropped
type Stats struct {
	Lines     int
	Malformed int
	NonTCP    int
}

type chunk struct {
	firstLine int
	lines     []string
	events    []ingestor.Event
	malformed int
	nonTCP    int
}

// ParseFile parses a .csv or .csv.gz event file
func ParseFile(ctx context.Context, path string, opts Options) ([]ingestor.Event, Stats, error) {
	r, err := ingestor.OpenEventFile(path)
	if err != nil {
		return nil, Stats{}, err
	}
	defer r.Close()

	events, stats, err := ParseReader(ctx, r, opts)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return events, stats, nil
}

// ParseReader reads the header, then parses data lines in parallel chunks.
// Output order matches input order.
func ParseReader(ctx context.Context, r io.Reader, opts Options) ([]ingestor.Event, Stats, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
		// For CSV parsing, fewer workers often perform better due to memory bandwidth
		if workers > 8 {
			workers = 8
		}
	}
	chunkLines := opts.ChunkLines
	if chunkLines <= 0 {
		chunkLines = 8192
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256*1024), 2*1024*1024) // 2MB max, 256KB initial

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, Stats{}, err
		}
		return nil, Stats{}, errors.New("empty input: no header line")
	}
	header, err := CompileHeader(scanner.Text())
	if err != nil {
		return nil, Stats{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var (
		chunks  []*chunk
		current = &chunk{firstLine: 1}
		lineNo  int
	)
	submit := func(c *chunk) {
		chunks = append(chunks, c)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			header.parseChunk(c, opts.IPMap)
			return nil
		})
	}

	for scanner.Scan() {
		if opts.MaxRecords > 0 && lineNo >= opts.MaxRecords {
			break
		}
		lineNo++
		current.lines = append(current.lines, scanner.Text())
		if len(current.lines) >= chunkLines {
			submit(current)
			current = &chunk{firstLine: lineNo + 1}
		}
		if lineNo%chunkLines == 0 && gctx.Err() != nil {
			break
		}
	}
	if len(current.lines) > 0 {
		submit(current)
	}

	if err := g.Wait(); err != nil {
		return nil, Stats{}, err
	}
	if err := scanner.Err(); err != nil {
		return nil, Stats{}, err
	}

	stats := Stats{Lines: lineNo}
	total := 0
	for _, c := range chunks {
		total += len(c.events)
		stats.Malformed += c.malformed
		stats.NonTCP += c.nonTCP
	}
	events := make([]ingestor.Event, 0, total)
	for _, c := range chunks {
		events = append(events, c.events...)
	}
	return events, stats, nil
}

func (ch *CompiledHeader) parseChunk(c *chunk, ipMap ingestor.IPMap) {
	c.events = make([]ingestor.Event, 0, len(c.lines))
	fields := make([]string, 0, len(ch.kinds))
	var evt ingestor.Event
	var err error
	for i, line := range c.lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields, err = ch.ParseLine(line, ipMap, fields, &evt)
		switch {
		case errors.Is(err, ErrSkipped):
			c.nonTCP++
		case err != nil:
			c.malformed++
		default:
			evt.Payload = int64(c.firstLine + i)
			c.events = append(c.events, evt)
		}
	}
	c.lines = nil
}
