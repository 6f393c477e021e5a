// Package cipher implements the pluggable stream cipher described in spec
// section 4.2: a policy object over byte buffers, repeating-key XOR by
// default. An empty key degenerates to identity (XOR with 0), since
// encrypt and decrypt are the same operation for XOR.
//
// Grounded on _examples/original_source/src/simple_encrypt.cpp: no repo in
// the retrieval pack carries a stream-cipher dependency, and this XOR
// policy is not meant to be cryptographically secure — it is a
// non-cryptographic tenant-isolation mechanism, so it stays on the
// standard library rather than reaching for a real crypto package.
package cipher

// Cipher is a repeating-key XOR policy. The zero value has an empty key
// and behaves as the identity function.
type Cipher struct {
	key []byte
}

// New returns a Cipher using key. An empty key is treated as the
// single-byte key []byte{0}, which makes encrypt/decrypt a no-op.
func New(key []byte) Cipher {
	if len(key) == 0 {
		key = []byte{0}
	}
	return Cipher{key: key}
}

// Encrypt writes len(in) bytes to out, XOR-ing each byte of in with the
// repeating key. out and in may overlap completely (in-place) but must not
// partially overlap.
func (c Cipher) Encrypt(in, out []byte) {
	xor(c.key, in, out)
}

// Decrypt is identical to Encrypt: XOR is its own inverse.
func (c Cipher) Decrypt(in, out []byte) {
	xor(c.key, in, out)
}

func xor(key, in, out []byte) {
	n := len(key)
	if n == 0 {
		copy(out, in)
		return
	}
	for i, b := range in {
		out[i] = b ^ key[i%n]
	}
}
