package frame

// NACK bitmap: ceil(total/8) raw bytes, little-endian bit order within each
// byte. Bit i of byte k set means sequence k*8+i+1 is missing. Both
// endpoints must agree on this ordering; it is pinned by a conformance test.

// MissingBitmap encodes the set of missing sequences 1..total given the
// sequences already received.
func MissingBitmap(total int, received func(seq int) bool) []byte {
	bitmap := make([]byte, (total+7)/8)
	for seq := 1; seq <= total; seq++ {
		if !received(seq) {
			i := seq - 1
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	return bitmap
}

// BitmapSequences decodes a bitmap into the ascending list of missing
// sequence numbers. Bits beyond total are ignored.
func BitmapSequences(bitmap []byte, total int) []int {
	var missing []int
	for seq := 1; seq <= total; seq++ {
		i := seq - 1
		if i/8 >= len(bitmap) {
			break
		}
		if bitmap[i/8]&(1<<(i%8)) != 0 {
			missing = append(missing, seq)
		}
	}
	return missing
}
