// Package crypto provides key management, EIP-712 digest construction, and
// signature recovery for the oraclepay settlement engine and treasury.
//
// The signed digests are domain-separated: the EIP-712 domain binds the
// engine (or token) instance address and the active chain ID, so a signature
// valid in one deployment can never be replayed in another.
package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/oraclepay/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// PaymentAuthorization(address payer,address spender,uint256 value,uint256 deadline,address recipient,bytes32 nonce)
	authorizationTypeHash = ethcrypto.Keccak256(
		[]byte("PaymentAuthorization(address payer,address spender,uint256 value,uint256 deadline,address recipient,bytes32 nonce)"),
	)

	// Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)
	permitTypeHash = ethcrypto.Keccak256(
		[]byte("Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"),
	)
)

// Domain names for the two signing contexts.
const (
	settlementDomainName = "OraclePaySettlement"
	treasuryDomainName   = "OraclePayToken"
	domainVersion        = "1"
)

// AuthorizationDigest computes the EIP-712 digest a payer signs to authorize
// a settlement through the engine instance at engineAddr on chainID. The
// recipient is part of the signed payload: a relayer cannot substitute a
// different recipient at the call site without invalidating the signature.
func AuthorizationDigest(chainID int64, engineAddr common.Address, auth domain.PaymentAuthorization) common.Hash {
	domainSep := buildDomainSeparator(settlementDomainName, domainVersion, chainID, engineAddr)

	structHash := ethcrypto.Keccak256(
		concatBytes(
			authorizationTypeHash,
			common.LeftPadBytes(auth.Payer.Bytes(), 32),
			common.LeftPadBytes(engineAddr.Bytes(), 32),
			bigIntTo32Bytes(big.NewInt(auth.Value)),
			bigIntTo32Bytes(big.NewInt(auth.Deadline.Unix())),
			common.LeftPadBytes(auth.Recipient.Bytes(), 32),
			ethcrypto.Keccak256(auth.Nonce),
		),
	)

	return common.BytesToHash(eip712Hash(domainSep, structHash))
}

// PermitDigest computes the EIP-712 digest an account owner signs to grant a
// one-time spending allowance on the treasury token at tokenAddr. The nonce
// is the treasury's sequential permit nonce for the owner.
func PermitDigest(chainID int64, tokenAddr, owner, spender common.Address, value int64, nonce uint64, deadline time.Time) common.Hash {
	domainSep := buildDomainSeparator(treasuryDomainName, domainVersion, chainID, tokenAddr)

	structHash := ethcrypto.Keccak256(
		concatBytes(
			permitTypeHash,
			common.LeftPadBytes(owner.Bytes(), 32),
			common.LeftPadBytes(spender.Bytes(), 32),
			bigIntTo32Bytes(big.NewInt(value)),
			bigIntTo32Bytes(new(big.Int).SetUint64(nonce)),
			bigIntTo32Bytes(big.NewInt(deadline.Unix())),
		),
	)

	return common.BytesToHash(eip712Hash(domainSep, structHash))
}

// Signer signs settlement authorizations and treasury permits with a
// secp256k1 private key. In production the payer signs off-ledger; the
// engine only recovers. The signer exists for facilitator tooling, the sim
// mode, and tests.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the chain ID the deployment is bound to.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}, nil
}

// Address returns the address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuthorization signs a PaymentAuthorization for the engine instance at
// engineAddr. Returns a 65-byte r || s || v signature with v in {27,28}.
func (s *Signer) SignAuthorization(engineAddr common.Address, auth domain.PaymentAuthorization) ([]byte, error) {
	return s.signDigest(AuthorizationDigest(s.chainID, engineAddr, auth))
}

// SignPermit signs a treasury permit granting spender an allowance of value.
func (s *Signer) SignPermit(tokenAddr, spender common.Address, value int64, nonce uint64, deadline time.Time) ([]byte, error) {
	return s.signDigest(PermitDigest(s.chainID, tokenAddr, s.address, spender, value, nonce, deadline))
}

func (s *Signer) signDigest(digest common.Hash) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; the wire format uses v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildDomainSeparator returns
// keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func buildDomainSeparator(name, version string, chainID int64, verifying common.Address) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(chainID)),
			common.LeftPadBytes(verifying.Bytes(), 32),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
