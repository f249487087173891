package bitcodec

// huffCode is one entry of the fixed 32-symbol table: symbol k (the
// bit-length of a row delta, 0-31) maps to a canonical prefix code of
// length 3-12 bits. The table is normative — round-trip behavior
// depends on these exact values, not on any notion of optimality.
type huffCode struct {
	length uint
	code   uint32
}

// huffTable is indexed by symbol k. Lengths are non-decreasing in k: small
// deltas (the common case after prediction) get the shortest codes.
var huffTable = [32]huffCode{
	{3, 0x000}, {4, 0x002}, {5, 0x006}, {5, 0x007},
	{6, 0x010}, {6, 0x011}, {7, 0x024}, {7, 0x025},
	{7, 0x026}, {7, 0x027}, {8, 0x050}, {8, 0x051},
	{8, 0x052}, {8, 0x053}, {9, 0x0A8}, {9, 0x0A9},
	{9, 0x0AA}, {9, 0x0AB}, {9, 0x0AC}, {9, 0x0AD},
	{9, 0x0AE}, {9, 0x0AF}, {10, 0x160}, {10, 0x161},
	{10, 0x162}, {10, 0x163}, {10, 0x164}, {10, 0x165},
	{10, 0x166}, {10, 0x167}, {11, 0x2D0}, {12, 0x5A2},
}

const revHufBits = 12
const revHufSize = 1 << revHufBits

// revHuf[prefix] gives the symbol whose code is a prefix of the 12-bit
// value prefix, populated once at init from huffTable.
var revHuf [revHufSize]int8

func init() {
	for k := range revHuf {
		revHuf[k] = -1
	}
	for sym, hc := range huffTable {
		// Every 12-bit pattern whose top hc.length bits equal hc.code
		// decodes to this symbol.
		pad := revHufBits - hc.length
		base := hc.code << pad
		for i := uint32(0); i < (1 << pad); i++ {
			revHuf[base|i] = int8(sym)
		}
	}
}

// encodeSymbol writes the Huffman code for symbol k (0-31).
func encodeSymbol(w bitWriter, k uint) error {
	hc := huffTable[k]
	return w.WriteBits(hc.code, hc.length)
}

// decodeSymbol reads one Huffman-coded symbol by peeking up to 12 bits and
// consuming exactly as many as the matched code's length.
func decodeSymbol(r bitPeeker) (uint, error) {
	prefix, n, err := r.PeekBits(revHufBits)
	if err != nil {
		return 0, err
	}
	// A short read at end-of-stream still decodes correctly as long as
	// the pad bits beyond n are irrelevant to the matched code's length;
	// the peeker zero-fills missing bits, which only ever ambiguates
	// trailing flush padding, not a mid-stream decode.
	_ = n
	sym := revHuf[prefix]
	if sym < 0 {
		return 0, errCorruptSymbol
	}
	if err := r.Discard(huffTable[sym].length); err != nil {
		return 0, err
	}
	return uint(sym), nil
}
