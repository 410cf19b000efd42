package ingestor

// SortByTimestamp performs a stable in-place LSD radix sort of events by
// Timestamp. Events with equal timestamps keep their input order.
// Byte positions where every key agrees are skipped, so narrow capture
// windows usually need only three or four passes.
func SortByTimestamp(events []Event) {
	n := len(events)
	if n <= 1 {
		return
	}

	// For very small slices, insertion sort is faster
	if n <= 64 {
		insertionSortEvents(events)
		return
	}

	keys := make([]uint64, n)
	for i := range events {
		keys[i] = sortKey(events[i].Timestamp)
	}

	scratchKeys := make([]uint64, n)
	scratch := make([]Event, n)
	src, dst := events, scratch
	srcKeys, dstKeys := keys, scratchKeys

	for shift := uint(0); shift < 64; shift += 8 {
		var counts [256]int
		for _, k := range srcKeys {
			counts[(k>>shift)&0xFF]++
		}
		if counts[(srcKeys[0]>>shift)&0xFF] == n {
			continue
		}

		total := 0
		for i := range counts {
			c := counts[i]
			counts[i] = total
			total += c
		}
		for i, k := range srcKeys {
			b := (k >> shift) & 0xFF
			dst[counts[b]] = src[i]
			dstKeys[counts[b]] = k
			counts[b]++
		}
		src, dst = dst, src
		srcKeys, dstKeys = dstKeys, srcKeys
	}

	if &src[0] != &events[0] {
		copy(events, src)
	}
}

// sortKey flips the sign bit so negative timestamps order before positive ones.
func sortKey(ts int64) uint64 {
	return uint64(ts) ^ (1 << 63)
}

func insertionSortEvents(events []Event) {
	for i := 1; i < len(events); i++ {
		e := events[i]
		j := i - 1
		for j >= 0 && events[j].Timestamp > e.Timestamp {
			events[j+1] = events[j]
			j--
		}
		events[j+1] = e
	}
}

// IsSortedByTimestamp reports whether events are in non-decreasing timestamp order.
func IsSortedByTimestamp(events []Event) bool {
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp < events[i-1].Timestamp {
			return false
		}
	}
	return true
}
