package transform

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/juju/errors"
	"golang.org/x/crypto/chacha20"
)

// XChaCha20 encrypts with the XChaCha20 stream cipher. The stream starts with a random
// 24-byte nonce. The ciphertext is not authenticated.
func XChaCha20(key []byte) (Pair, error) {
	if len(key) != chacha20.KeySize {
		return Pair{}, errors.NotValidf("xchacha20 key with %d bytes (need %d)", len(key), chacha20.KeySize)
	}
	k := append([]byte(nil), key...)

	return Pair{
		Name: "xchacha20",
		Write: func(_ *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
			nonce := make([]byte, chacha20.NonceSizeX)
			if _, err := rand.Read(nonce); err != nil {
				return nil, errors.Annotate(err, "nonce")
			}
			c, err := chacha20.NewUnauthenticatedCipher(k, nonce)
			if err != nil {
				return nil, errors.Trace(err)
			}
			r := io.MultiReader(bytes.NewReader(nonce), &cipher.StreamReader{S: c, R: in})
			return io.NopCloser(r), nil
		},
		Read: func(_ *interf.FileRecord, in io.Reader) (io.ReadCloser, error) {
			nonce := make([]byte, chacha20.NonceSizeX)
			if _, err := io.ReadFull(in, nonce); err != nil {
				return nil, errors.Annotate(err, "read nonce")
			}
			c, err := chacha20.NewUnauthenticatedCipher(k, nonce)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return io.NopCloser(&cipher.StreamReader{S: c, R: in}), nil
		},
	}, nil
}
