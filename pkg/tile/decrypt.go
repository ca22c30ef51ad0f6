package tile

import "fmt"

// Decrypter turns raw tile bytes as served into image bytes. The concrete
// transform lives outside this package.
type Decrypter interface {
	Decrypt(raw []byte) ([]byte, error)
}

// DecrypterFunc adapts a plain function to Decrypter
type DecrypterFunc func(raw []byte) ([]byte, error)

// Decrypt calls f(raw)
func (f DecrypterFunc) Decrypt(raw []byte) ([]byte, error) {
	return f(raw)
}

// Passthrough returns tile bytes unchanged
var Passthrough Decrypter = DecrypterFunc(func(raw []byte) ([]byte, error) {
	return raw, nil
})

// DecryptionError wraps a failure reported by a Decrypter
type DecryptionError struct {
	Addr Address
	Err  error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypting tile %s: %v", e.Addr, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}
