package ingestor

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Event is one captured, directional packet between two endpoints.
// Events are immutable once ingested.
type Event struct {
	Timestamp int64 // native time unit (microseconds unless configured otherwise)
	Src       string
	Dst       string
	SrcPort   uint16
	DstPort   uint16
	Flags     uint8
	Category  Category
	Seq       uint32
	Ack       uint32
	Length    uint32

	// Flow metadata produced by an offline classifier, consumed as-is
	FlowID         string
	FlowState      string
	CloseType      string
	InvalidReason  string
	Established    bool
	DataStarted    bool
	ClosingStarted bool

	// Payload is an opaque reference back to the source record (row or packet number)
	Payload int64
}

// Category is the readable name of a TCP flag combination.
type Category string

const (
	CategoryNone    Category = "NONE"
	CategoryInvalid Category = "INVALID"
	CategorySYN     Category = "SYN"
	CategorySYNACK  Category = "SYN+ACK"
	CategoryACK     Category = "ACK"
	CategoryPSHACK  Category = "PSH+ACK"
	CategoryFIN     Category = "FIN"
	CategoryFINACK  Category = "FIN+ACK"
	CategoryRST     Category = "RST"
	CategoryRSTACK  Category = "RST+ACK"
)

// TCP flag bits
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
	FlagECE uint8 = 0x40
	FlagCWR uint8 = 0x80
)

var flagNames = []struct {
	name string
	bit  uint8
}{
	{"FIN", FlagFIN}, {"SYN", FlagSYN}, {"RST", FlagRST}, {"PSH", FlagPSH},
	{"ACK", FlagACK}, {"URG", FlagURG}, {"ECE", FlagECE}, {"CWR", FlagCWR},
}

var namedCombinations = map[int]Category{
	int(FlagSYN | FlagACK): CategorySYNACK,
	int(FlagFIN | FlagACK): CategoryFINACK,
	int(FlagPSH | FlagACK): CategoryPSHACK,
	int(FlagRST | FlagACK): CategoryRSTACK,
}

// ClassifyFlags names a flag value. The common handshake and teardown
// combinations are named directly, anything else becomes the sorted set
// of flag names joined with "+".
func ClassifyFlags(v int) Category {
	if c, ok := namedCombinations[v]; ok {
		return c
	}
	if v == 0 {
		return CategoryNone
	}

	var names []string
	for _, f := range flagNames {
		if v&int(f.bit) != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return Category("OTHER_" + strconv.Itoa(v))
	}
	sort.Strings(names)
	return Category(strings.Join(names, "+"))
}

// ClassifyRawFlags classifies an unparsed flags field. Empty, non-numeric
// and out of range values are INVALID.
func ClassifyRawFlags(raw string) (uint8, Category) {
	raw = strings.TrimSpace(raw)
	v, err := strconv.Atoi(raw)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, CategoryInvalid
		}
		v = int(f)
	}
	if v < 0 || v > math.MaxUint8 {
		return 0, CategoryInvalid
	}
	return uint8(v), ClassifyFlags(v)
}

// Phase is the part of a TCP connection lifecycle a category belongs to.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseEstablishment
	PhaseDataTransfer
	PhaseClosing
)

// Phases lists the three toggleable phases.
var Phases = []Phase{PhaseEstablishment, PhaseDataTransfer, PhaseClosing}

func (p Phase) String() string {
	switch p {
	case PhaseEstablishment:
		return "establishment"
	case PhaseDataTransfer:
		return "dataTransfer"
	case PhaseClosing:
		return "closing"
	default:
		return "none"
	}
}

func ParsePhase(s string) (Phase, bool) {
	switch strings.ToLower(s) {
	case "establishment", "handshake":
		return PhaseEstablishment, true
	case "datatransfer", "data-transfer", "data_transfer", "data":
		return PhaseDataTransfer, true
	case "closing", "close":
		return PhaseClosing, true
	default:
		return PhaseNone, false
	}
}

// PhaseOf maps a category to its lifecycle phase. NONE and INVALID have no
// phase.
func PhaseOf(c Category) Phase {
	switch c {
	case CategoryNone, CategoryInvalid, "":
		return PhaseNone
	case CategorySYN, CategorySYNACK:
		return PhaseEstablishment
	}
	for _, part := range strings.Split(string(c), "+") {
		if part == "FIN" || part == "RST" {
			return PhaseClosing
		}
	}
	return PhaseDataTransfer
}

// Close types and invalid reasons written by the flow classifier
const (
	CloseGraceful = "graceful"
	CloseAbortive = "abortive"
	CloseInvalid  = "invalid"
	CloseOpen     = "open"

	ReasonInvalidSynAck      = "invalid_synack"
	ReasonInvalidAck         = "invalid_ack"
	ReasonRSTDuringHandshake = "rst_during_handshake"
	ReasonIncompleteNoSyn    = "incomplete_no_syn"
	ReasonIncompleteNoSynAck = "incomplete_no_synack"
	ReasonIncompleteNoAck    = "incomplete_no_ack"
)

var CloseTypes = []string{CloseGraceful, CloseAbortive, CloseInvalid, CloseOpen}

var InvalidReasons = []string{
	ReasonInvalidSynAck, ReasonInvalidAck, ReasonRSTDuringHandshake,
	ReasonIncompleteNoSyn, ReasonIncompleteNoSynAck, ReasonIncompleteNoAck,
}
