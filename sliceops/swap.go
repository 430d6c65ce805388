package sliceops

// SwapBuf returns a reversed copy of in.
func SwapBuf(in []byte) []byte {
	a := make([]byte, 0, len(in))
	a = append(a, in...)
	for i := len(a)/2 - 1; i >= 0; i-- {
		opp := len(a) - 1 - i
		a[i], a[opp] = a[opp], a[i]
	}

	return a
}

// SwapWords returns a copy of in[off:off+4] with its two 16-bit halves
// exchanged: [b0 b1 b2 b3] becomes [b2 b3 b0 b1]. It returns nil if the
// window runs past the end of in.
func SwapWords(in []byte, off int) []byte {
	if off < 0 || off+4 > len(in) {
		return nil
	}

	return []byte{in[off+2], in[off+3], in[off], in[off+1]}
}
