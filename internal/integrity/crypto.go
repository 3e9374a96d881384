// Package integrity checks what was received against what was signed: the
// per-partition hash table entries and the whole-header signature.
package integrity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/bigbag/papyrix-dfu/internal/dfu"
)

var (
	// ErrPending is returned by asynchronous hashers and verifiers; the
	// result arrives later as an engine event.
	ErrPending = errors.New("integrity: operation pending")
	// ErrHashMismatch means a partition digest differs from its hash table entry.
	ErrHashMismatch = errors.New("integrity: hash mismatch")
	// ErrSignature means the header signature did not verify.
	ErrSignature = errors.New("integrity: signature verification failed")
)

// Hasher digests a stream. r is only valid during the call. An
// asynchronous hasher consumes r before returning ErrPending and delivers
// the digest later as an engine event.
type Hasher interface {
	Hash(alg dfu.HashAlg, r io.Reader) ([]byte, error)
}

// Verifier checks a signature over a message.
type Verifier interface {
	Verify(alg dfu.SigAlg, message, signature []byte) error
}

// StdHasher hashes synchronously with the standard library.
type StdHasher struct{}

// Hash reads r to EOF and returns its digest.
func (StdHasher) Hash(alg dfu.HashAlg, r io.Reader) ([]byte, error) {
	if alg.Size() == 0 {
		return nil, fmt.Errorf("integrity: unsupported hash %s", alg)
	}
	h := alg.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// KeyVerifier verifies with a public key.
type KeyVerifier struct {
	Key crypto.PublicKey
}

// Verify checks signature over message with the scheme alg.
func (k KeyVerifier) Verify(alg dfu.SigAlg, message, signature []byte) error {
	h := alg.Hash().New()
	h.Write(message)
	digest := h.Sum(nil)

	switch alg {
	case dfu.RSAPKCS1v15SHA256:
		pub, ok := k.Key.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("integrity: %s needs an RSA key, have %T", alg, k.Key)
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, signature); err != nil {
			return fmt.Errorf("%w: %v", ErrSignature, err)
		}
		return nil
	case dfu.ECDSAP384SHA384:
		pub, ok := k.Key.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("integrity: %s needs an ECDSA key, have %T", alg, k.Key)
		}
		half := len(signature) / 2
		if len(signature) == 0 || len(signature)%2 != 0 {
			return fmt.Errorf("%w: malformed r||s of %d bytes", ErrSignature, len(signature))
		}
		r := new(big.Int).SetBytes(signature[:half])
		s := new(big.Int).SetBytes(signature[half:])
		if !ecdsa.Verify(pub, digest, r, s) {
			return ErrSignature
		}
		return nil
	default:
		return fmt.Errorf("integrity: unsupported signature scheme %s", alg)
	}
}

// KeySigner signs with a private key for one scheme. It implements dfu.Signer.
type KeySigner struct {
	Alg dfu.SigAlg
	Key crypto.Signer
}

// Sign returns the signature over message, ECDSA as fixed-width r||s.
func (k KeySigner) Sign(message []byte) ([]byte, error) {
	h := k.Alg.Hash().New()
	h.Write(message)
	digest := h.Sum(nil)

	switch key := k.Key.(type) {
	case *rsa.PrivateKey:
		if k.Alg != dfu.RSAPKCS1v15SHA256 {
			return nil, fmt.Errorf("integrity: RSA key cannot sign %s", k.Alg)
		}
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	case *ecdsa.PrivateKey:
		if k.Alg != dfu.ECDSAP384SHA384 {
			return nil, fmt.Errorf("integrity: ECDSA key cannot sign %s", k.Alg)
		}
		r, s, err := ecdsa.Sign(rand.Reader, key, digest)
		if err != nil {
			return nil, err
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		sig := make([]byte, 2*size)
		r.FillBytes(sig[:size])
		s.FillBytes(sig[size:])
		return sig, nil
	default:
		return nil, fmt.Errorf("integrity: unsupported private key %T", k.Key)
	}
}
