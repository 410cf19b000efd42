package ingestor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/klauspost/compress/gzip"
)

// Input formats
const (
	FormatCSV  = "csv"
	FormatPcap = "pcap"
)

// IPMap maps integer endpoint ids back to their addresses.
type IPMap map[int64]string

// LoadIPMap reads a JSON object of address -> id pairs and returns the
// reverse mapping.
func LoadIPMap(path string) (IPMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ip map: %w", err)
	}
	var forward map[string]int64
	if err := json.Unmarshal(data, &forward); err != nil {
		return nil, fmt.Errorf("failed to parse ip map %s: %w", path, err)
	}
	m := make(IPMap, len(forward))
	for addr, id := range forward {
		m[id] = addr
	}
	return m, nil
}

// Resolve turns a raw endpoint field into an endpoint id. Integer ids are
// looked up in the map and keep their decimal form when unmapped.
func (m IPMap) Resolve(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, ".:") && !looksNumeric(raw) {
		return raw
	}
	id, ok := ParseInt(raw)
	if !ok {
		return raw
	}
	if addr, ok := m[id]; ok {
		return addr
	}
	return strconv.FormatInt(id, 10)
}

// looksNumeric reports whether raw is a float rendering of an integer id
// ("17.0") rather than a dotted address.
func looksNumeric(raw string) bool {
	if strings.Count(raw, ".") != 1 || strings.Contains(raw, ":") {
		return false
	}
	_, err := strconv.ParseFloat(raw, 64)
	return err == nil
}

// DetectFormat returns the explicit format, or derives it from the file name.
func DetectFormat(path, format string) (string, error) {
	switch strings.ToLower(format) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatPcap:
		return FormatPcap, nil
	case "":
	default:
		return "", fmt.Errorf("unsupported input format %q", format)
	}

	name := strings.ToLower(strings.TrimSuffix(path, filepath.Ext(path)))
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".gz" {
		ext = filepath.Ext(name)
	}
	switch ext {
	case ".pcap", ".cap":
		return FormatPcap, nil
	default:
		return FormatCSV, nil
	}
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	gzErr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return gzErr
}

// OpenEventFile opens an input file, transparently decompressing .gz files.
func OpenEventFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

// ReadPcapFile reads TCP/IPv4 packets from a classic pcap file.
func ReadPcapFile(path string, maxRecords int) ([]Event, error) {
	r, err := OpenEventFile(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadPcap(r, maxRecords)
}

// ReadPcap decodes packets with gopacket and keeps TCP over IPv4. Timestamps
// are microseconds since the epoch. maxRecords <= 0 means no limit.
func ReadPcap(r io.Reader, maxRecords int) ([]Event, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}

	var (
		events []Event
		eth    layers.Ethernet
		ip4    layers.IPv4
		tcp    layers.TCP
		pay    gopacket.Payload
	)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip4, &tcp, &pay)
	if pr.LinkType() == layers.LinkTypeRaw || pr.LinkType() == layers.LinkTypeIPv4 {
		parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &ip4, &tcp, &pay)
	}
	parser.IgnoreUnsupported = true
	decoded := make([]gopacket.LayerType, 0, 4)

	var packetNum int64
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return events, fmt.Errorf("failed to read packet %d: %w", packetNum, err)
		}
		packetNum++

		if err := parser.DecodeLayers(data, &decoded); err != nil {
			continue
		}
		var sawIP, sawTCP bool
		for _, lt := range decoded {
			switch lt {
			case layers.LayerTypeIPv4:
				sawIP = true
			case layers.LayerTypeTCP:
				sawTCP = true
			}
		}
		if !sawIP || !sawTCP {
			continue
		}

		flags := tcpFlags(&tcp)
		events = append(events, Event{
			Timestamp: ci.Timestamp.UnixMicro(),
			Src:       ip4.SrcIP.String(),
			Dst:       ip4.DstIP.String(),
			SrcPort:   uint16(tcp.SrcPort),
			DstPort:   uint16(tcp.DstPort),
			Flags:     flags,
			Category:  ClassifyFlags(int(flags)),
			Seq:       tcp.Seq,
			Ack:       tcp.Ack,
			Length:    uint32(len(tcp.Payload)),
			Payload:   packetNum,
		})
		if maxRecords > 0 && len(events) >= maxRecords {
			break
		}
	}
	return events, nil
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	set := func(on bool, bit uint8) {
		if on {
			f |= bit
		}
	}
	set(tcp.FIN, FlagFIN)
	set(tcp.SYN, FlagSYN)
	set(tcp.RST, FlagRST)
	set(tcp.PSH, FlagPSH)
	set(tcp.ACK, FlagACK)
	set(tcp.URG, FlagURG)
	set(tcp.ECE, FlagECE)
	set(tcp.CWR, FlagCWR)
	return f
}
