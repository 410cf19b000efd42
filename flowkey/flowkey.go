package flowkey

import (
	"hash/fnv"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/timearcs/timearcs/pools"
)

// CoercePort converts a raw port field into a port number.
// Missing, non-numeric or out of range values become 0.
func CoercePort(raw string) uint16 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if v < 0 || v > math.MaxUint16 {
			return 0
		}
		return uint16(v)
	}
	// pandas exports integer columns with NaN as floats ("443.0")
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || f < 0 || f > math.MaxUint16 {
		return 0
	}
	return uint16(f)
}

// direction renders one "addr:port-addr:port" direction string.
func direction(b *strings.Builder, fromAddr string, fromPort uint16, toAddr string, toPort uint16) string {
	b.Reset()
	b.WriteString(fromAddr)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(fromPort)))
	b.WriteByte('-')
	b.WriteString(toAddr)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(toPort)))
	return b.String()
}

// ConnectionKey returns the direction independent identity of a connection.
// Both directions are rendered as "srcAddr:srcPort-dstAddr:dstPort" and the
// lexicographically smaller one is returned, so
// ConnectionKey(a, pa, b, pb) == ConnectionKey(b, pb, a, pa).
func ConnectionKey(srcAddr string, srcPort uint16, dstAddr string, dstPort uint16) string {
	builder := pools.Pools.GetKeyBuilder()
	forward := direction(builder, srcAddr, srcPort, dstAddr, dstPort)
	pools.Pools.ReturnKeyBuilder(builder)

	builder = pools.Pools.GetKeyBuilder()
	reverse := direction(builder, dstAddr, dstPort, srcAddr, srcPort)
	pools.Pools.ReturnKeyBuilder(builder)

	if reverse < forward {
		return reverse
	}
	return forward
}

// ConnectionKeyRaw is ConnectionKey for unparsed port fields.
func ConnectionKeyRaw(srcAddr, srcPort, dstAddr, dstPort string) string {
	return ConnectionKey(srcAddr, CoercePort(srcPort), dstAddr, CoercePort(dstPort))
}

// PairKey identifies an endpoint pair regardless of direction and ports.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "<->" + b
}

// PairHash is a numeric PairKey. Two IPv4 endpoints are packed losslessly
// into the high and low 32 bits; anything else is hashed with FNV-1a.
func PairHash(a, b string) uint64 {
	if b < a {
		a, b = b, a
	}
	ipA, ipB := net.ParseIP(a).To4(), net.ParseIP(b).To4()
	if ipA != nil && ipB != nil {
		return uint64(IPToUint32(ipA))<<32 | uint64(IPToUint32(ipB))
	}
	h := fnv.New64a()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	return h.Sum64()
}

// IPToUint32 converts a net.IP to uint32 representation
// Uses BigEndian encoding for consistent network byte order
func IPToUint32(ip net.IP) uint32 {
	ipv4 := ip.To4()
	if ipv4 == nil {
		return 0
	}
	return uint32(ipv4[0])<<24 | uint32(ipv4[1])<<16 | uint32(ipv4[2])<<8 | uint32(ipv4[3])
}
