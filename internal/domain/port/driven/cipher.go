package driven

// Cipher seals and opens secrets at rest. It is the only holder of key material.
type Cipher interface {
	Seal(plaintext []byte) (string, error)
	// Open returns an error wrapping model.ErrDecryption when the ciphertext was
	// produced under another key or is corrupted.
	Open(ciphertext string) ([]byte, error)
}
