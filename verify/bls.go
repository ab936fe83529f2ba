package verify

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"

	"RemoteSettings/collection"
	"RemoteSettings/internal/logger"
)

const (
	// BLSPublicKeySize is the size of a BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a BLS signature in bytes.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// messageContext prefixes every signed message.
const messageContext = "remote-settings-collection-v1"

// Message returns the bytes a collection signature covers:
// blake3(context || len-prefixed bucket || len-prefixed name || canonical form).
// Binding bucket and name stops a signature from being replayed on another collection.
func Message(c *collection.Collection) ([]byte, error) {
	canonical, err := collection.Canonical(c)
	if err != nil {
		return nil, err
	}

	h := blake3.New()
	h.Write([]byte(messageContext))

	var buf [4]byte
	for _, field := range [][]byte{[]byte(c.Bucket), []byte(c.Name), canonical} {
		binary.BigEndian.PutUint32(buf[:], uint32(len(field)))
		h.Write(buf[:])
		h.Write(field)
	}

	var digest [32]byte
	h.Sum(digest[:0])

	return digest[:], nil
}

// BLSKeyPair holds a BLS private/public key pair.
type BLSKeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// GenerateBLSKey creates a new BLS key pair from random seed.
func GenerateBLSKey() (*BLSKeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return GenerateBLSKeyFromSeed(ikm[:])
}

// GenerateBLSKeyFromSeed creates a BLS key pair from a deterministic seed.
// The seed must be at least 32 bytes.
func GenerateBLSKeyFromSeed(seed []byte) (*BLSKeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	public := new(blst.P1Affine).From(secret)

	return &BLSKeyPair{
		secret: secret,
		public: public,
	}, nil
}

// Sign creates a BLS signature over the message.
func (k *BLSKeyPair) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, message, blsDST)
	return sig.Compress()
}

// SignCollection signs the collection's Message.
func (k *BLSKeyPair) SignCollection(c *collection.Collection) ([]byte, error) {
	msg, err := Message(c)
	if err != nil {
		return nil, err
	}

	return k.Sign(msg), nil
}

// PublicKeyBytes returns the compressed public key bytes.
func (k *BLSKeyPair) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// VerifyBLS checks a BLS signature against a message and public key.
func VerifyBLS(signature, message, publicKey []byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKey) != BLSPublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// AggregateSignatures combines multiple BLS signatures into one.
// All signatures must be over the same message.
func AggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, sigBytes := range signatures {
		if len(sigBytes) != BLSSignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(sigBytes)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregated verifies an aggregated signature against a message and multiple public keys.
func VerifyAggregated(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, pkBytes := range publicKeys {
		if len(pkBytes) != BLSPublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(pkBytes)
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, blsDST)
}

// BLS verifies collection signatures against a set of trusted public keys.
//
// In single-signer mode a signature from any trusted key is accepted. In
// quorum mode the signature must be the aggregate of every trusted key.
type BLS struct {
	keys   [][]byte // keys are the trusted compressed public keys
	quorum bool     // quorum requires an aggregate over all keys
}

// NewBLS creates a verifier accepting a signature from any of the trusted keys.
func NewBLS(trusted ...[]byte) (*BLS, error) {
	return newBLS(trusted, false)
}

// NewBLSQuorum creates a verifier requiring an aggregate signature from all trusted keys.
func NewBLSQuorum(trusted ...[]byte) (*BLS, error) {
	return newBLS(trusted, true)
}

// newBLS validates and copies the trusted keys.
func newBLS(trusted [][]byte, quorum bool) (*BLS, error) {
	if len(trusted) == 0 {
		return nil, fmt.Errorf("no trusted keys")
	}

	keys := make([][]byte, len(trusted))

	for i, pk := range trusted {
		if len(pk) != BLSPublicKeySize || new(blst.P1Affine).Uncompress(pk) == nil {
			return nil, fmt.Errorf("invalid trusted key at index %d", i)
		}
		keys[i] = append([]byte{}, pk...)
	}

	return &BLS{keys: keys, quorum: quorum}, nil
}

// Verify checks the collection structure and its signature.
func (v *BLS) Verify(c *collection.Collection) error {
	if err := collection.Validate(c); err != nil {
		return &SignatureError{Reason: ErrMalformed, Err: err}
	}

	if c.Unsigned() {
		return &SignatureError{Reason: ErrMissingSignature}
	}

	if len(c.Signature) != BLSSignatureSize || new(blst.P2Affine).Uncompress(c.Signature) == nil {
		return &SignatureError{Reason: ErrInvalidSignature, Err: fmt.Errorf("undecodable signature of %d bytes", len(c.Signature))}
	}

	msg, err := Message(c)
	if err != nil {
		return &SignatureError{Reason: ErrMalformed, Err: err}
	}

	if v.quorum {
		if VerifyAggregated(c.Signature, msg, v.keys) {
			logger.Debug("collection signature verified", "bucket", c.Bucket, "collection", c.Name, "signers", len(v.keys))
			return nil
		}
		return &SignatureError{Reason: ErrUntrusted, Err: fmt.Errorf("aggregate of %d keys does not match", len(v.keys))}
	}

	for i, pk := range v.keys {
		if VerifyBLS(c.Signature, msg, pk) {
			logger.Debug("collection signature verified", "bucket", c.Bucket, "collection", c.Name, "key", i)
			return nil
		}
	}

	return &SignatureError{Reason: ErrUntrusted, Err: fmt.Errorf("no match among %d trusted keys", len(v.keys))}
}

// String describes the verifier for logs.
func (v *BLS) String() string {
	if v.quorum {
		return fmt.Sprintf("bls-quorum(%d keys)", len(v.keys))
	}
	return fmt.Sprintf("bls(%d keys)", len(v.keys))
}
