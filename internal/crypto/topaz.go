package crypto

// TopazCipher is the byte-feedback stream cipher of Topaz books. Its state is
// seeded from the key bytes and then advanced by every plaintext byte.
type TopazCipher struct {
	ctx1, ctx2 uint32
}

func NewTopazCipher(key []byte) *TopazCipher {
	c := &TopazCipher{ctx1: 0x0CAFFE19E}
	c.ctx2 = c.ctx1
	for _, k := range key {
		c.ctx2 = c.ctx1
		c.ctx1 = topazStep(c.ctx1, k)
	}
	return c
}

func topazStep(ctx uint32, b byte) uint32 {
	return ((ctx >> 2) * (ctx >> 7)) ^ (uint32(b) * uint32(b) * 0x0F902007)
}

func (c *TopazCipher) Decrypt(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		m := b ^ byte(c.ctx1>>3) ^ byte(c.ctx2<<3)
		c.ctx2 = c.ctx1
		c.ctx1 = topazStep(c.ctx1, m)
		out[i] = m
	}
	return out
}

func (c *TopazCipher) Encrypt(data []byte) []byte {
	out := make([]byte, len(data))
	for i, m := range data {
		out[i] = m ^ byte(c.ctx1>>3) ^ byte(c.ctx2<<3)
		c.ctx2 = c.ctx1
		c.ctx1 = topazStep(c.ctx1, m)
	}
	return out
}

// TopazDecrypt decrypts data with a fresh cipher keyed by key.
func TopazDecrypt(key, data []byte) []byte {
	return NewTopazCipher(key).Decrypt(data)
}

func TopazEncrypt(key, data []byte) []byte {
	return NewTopazCipher(key).Encrypt(data)
}
