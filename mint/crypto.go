package mint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Blind Diffie-Hellman key exchange as used by Cashu mints. Keyset
// derivation and deterministic secrets stay with the external wallet
// tooling; only the point arithmetic needed to move proofs is here.

const hashToCurveDomainSeparator = "Secp256k1_HashToCurve_Cashu_"

// hashToCurve maps a proof secret to the curve point the mint signs
// and the checkstate endpoint is queried with.
func hashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgHash := sha256.Sum256(append([]byte(hashToCurveDomainSeparator), message...))
	counterBytes := make([]byte, 4)
	for counter := uint32(0); counter < 1<<16; counter++ {
		binary.LittleEndian.PutUint32(counterBytes, counter)
		hash := sha256.Sum256(append(msgHash[:], counterBytes...))
		point, err := secp256k1.ParsePubKey(append([]byte{0x02}, hash[:]...))
		if err == nil {
			return point, nil
		}
	}
	return nil, fmt.Errorf("no valid curve point found for message")
}

// ProofCommitment returns the hex-encoded Y point for a proof secret.
func ProofCommitment(secret string) (string, error) {
	point, err := hashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(point.SerializeCompressed()), nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// blindMessage computes B_ = Y + r*G for a fresh blinding factor r.
func blindMessage(secret string) (blinded *secp256k1.PublicKey, blindingFactor *secp256k1.PrivateKey, err error) {
	y, err := hashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}
	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	var yPoint, rPoint, result secp256k1.JacobianPoint
	y.AsJacobian(&yPoint)
	secp256k1.ScalarBaseMultNonConst(&r.Key, &rPoint)
	secp256k1.AddNonConst(&yPoint, &rPoint, &result)
	result.ToAffine()

	return secp256k1.NewPublicKey(&result.X, &result.Y), r, nil
}

// unblindSignature computes C = C_ - r*K where K is the mint's public
// key for the signed amount.
func unblindSignature(blindedSig *secp256k1.PublicKey, blindingFactor *secp256k1.PrivateKey, mintKey *secp256k1.PublicKey) *secp256k1.PublicKey {
	var kPoint, rkPoint, sigPoint, result secp256k1.JacobianPoint
	mintKey.AsJacobian(&kPoint)

	rNeg := new(secp256k1.ModNScalar).Set(&blindingFactor.Key)
	rNeg.Negate()
	secp256k1.ScalarMultNonConst(rNeg, &kPoint, &rkPoint)

	blindedSig.AsJacobian(&sigPoint)
	secp256k1.AddNonConst(&sigPoint, &rkPoint, &result)
	result.ToAffine()

	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

func parsePubkeyHex(s string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	return secp256k1.ParsePubKey(b)
}
