package domain

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// CommitmentHash is keccak256(abi.encodePacked(bool bit, uint256 nonce)), the same
// digest the ledger recomputes when a reveal arrives.
func CommitmentHash(bit bool, nonce *uint256.Int) common.Hash {
	b := byte(0)
	if bit {
		b = 1
	}
	n := nonce.Bytes32()
	return common.BytesToHash(crypto.Keccak256([]byte{b}, n[:]))
}

// Opens reports whether secret opens commitment.
func (s Secret) Opens(commitment common.Hash) bool {
	if s.Nonce == nil {
		return false
	}
	return CommitmentHash(s.Bit, s.Nonce) == commitment
}

// NewNonce draws a fresh uniformly random 256 bit nonce.
func NewNonce() (*uint256.Int, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("could not draw nonce: %w", err)
	}
	return new(uint256.Int).SetBytes32(buf[:]), nil
}
