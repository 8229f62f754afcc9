package signing

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/sweatpool/sweatpool/types"
)

var (
	ErrSigningFailed    = errors.New("couldn't sign")
	ErrSignatureInvalid = errors.New("signature is invalid")
	ErrInvalidPubkeyLen = errors.New("pubkey has invalid length")
)

// Signed represents a signed T data.
// It provides a read-only access to it.
type Signed[T any] interface {
	// Data retrieves the underlying data.
	// The received data is READ ONLY.
	Data() *T
	PubKey() []byte
	Signature() []byte
}

type signedData[T any] struct {
	data      T
	pubkey    []byte
	signature []byte
}

func (d *signedData[T]) Data() *T {
	return &d.data
}

func (d *signedData[T]) PubKey() []byte {
	return d.pubkey
}

func (d *signedData[T]) Signature() []byte {
	return d.signature
}

type notHashed struct{}

func (notHashed) HashFunc() crypto.Hash { return crypto.Hash(0) }

type encodable[P any] interface {
	scale.Encodable
	*P
}

func encode[T any, Encodable encodable[T]](data *T) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Encodable(data).EncodeScale(scale.NewEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("failed to serialize data (%w)", err)
	}
	return buf.Bytes(), nil
}

// Sign signs the scale encoding of data with the given signer.
func Sign[T any, Encodable encodable[T]](data T, signer crypto.Signer) (Signed[T], error) {
	msg, err := encode[T, Encodable](&data)
	if err != nil {
		return nil, err
	}
	signature, err := signer.Sign(nil, msg, notHashed{})
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrSigningFailed, err)
	}
	pubkey, ok := signer.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w (unsupported key type %T)", ErrSigningFailed, signer.Public())
	}
	return &signedData[T]{
		data:      data,
		pubkey:    pubkey,
		signature: signature,
	}, nil
}

// Verify checks that signature is pubkey's signature of the scale encoding of data.
func Verify[T any, Encodable encodable[T]](data T, pubkey, signature []byte) (Signed[T], error) {
	if l := len(pubkey); l != ed25519.PublicKeySize {
		return nil, ErrInvalidPubkeyLen
	}
	msg, err := encode[T, Encodable](&data)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(pubkey, msg, signature) {
		return nil, ErrSignatureInvalid
	}
	return &signedData[T]{
		data:      data,
		pubkey:    pubkey,
		signature: signature,
	}, nil
}

// Attest signs an oracle attestation.
func Attest(att types.Attestation, key ed25519.PrivateKey) ([]byte, error) {
	signed, err := Sign(att, key)
	if err != nil {
		return nil, err
	}
	return signed.Signature(), nil
}

// VerifyAttestation checks that the oracle signed att.
// Failures wrap types.ErrUnauthorized.
func VerifyAttestation(att types.Attestation, oracle, signature []byte) error {
	if _, err := Verify(att, oracle, signature); err != nil {
		return fmt.Errorf("%w: %s attestation for %s/%d: %w", types.ErrUnauthorized, att.Action, att.Kind, att.ChallengeID, err)
	}
	return nil
}
