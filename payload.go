package heapfile

import "github.com/ctavplay/heapfile/internal/cipher"

// payloadSink adapts a plaintext buffer and a Cipher into blob.PayloadSink,
// so Blob.Write can encrypt directly into the mapped destination without
// a separate copy.
type payloadSink struct {
	data   []byte
	cipher cipher.Cipher
}

func (s payloadSink) Size() int { return len(s.data) }

func (s payloadSink) WriteBlob(dst []byte) {
	s.cipher.Encrypt(s.data, dst)
}

// payloadSource adapts a Cipher into blob.PayloadSource, decrypting the
// stored (ciphertext) payload into a freshly allocated buffer handed
// back to the caller of Get.
type payloadSource struct {
	cipher cipher.Cipher
	out    *[]byte
}

func (s payloadSource) ReadBlob(src []byte) {
	dst := make([]byte, len(src))
	s.cipher.Decrypt(src, dst)
	*s.out = dst
}
