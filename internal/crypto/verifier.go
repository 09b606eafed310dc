package crypto

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// Recover returns the address that produced sig over digest. The signature
// must be 65 bytes (r || s || v) with v in {0,1} or {27,28}. Recovery itself
// is go-ethereum's audited secp256k1 primitive; this package only adapts it.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/verifier: signature must be 65 bytes, got %d: %w",
			len(sig), domain.ErrBadSignature)
	}

	// Normalise v to {0,1} as SigToPub expects.
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/verifier: recover: %w", domain.ErrBadSignature)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifySigner recovers the signer of sig over digest and checks it matches
// want. Returns domain.ErrBadSignature on any mismatch.
func VerifySigner(digest common.Hash, sig []byte, want common.Address) error {
	got, err := Recover(digest, sig)
	if err != nil {
		return err
	}
	if got != want {
		return domain.ErrBadSignature
	}
	return nil
}

// HashText returns the keccak256 content hash of variable-length text. The
// durable records store this hash; the verbatim text lives only in the
// append-only audit log.
func HashText(text string) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256([]byte(text)))
}
