package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// AccountID is the identity of a caller, vault owner, or market authority.
type AccountID = uuid.UUID

// Seed tags for address derivation.
const (
	SeedGlobalState = "global_state"
	SeedPriceFeed   = "price_feed"
	SeedUserVault   = "user_vault"
	SeedPosition    = "position"
	SeedTreasury    = "treasury"
)

// Address locates a persisted record. It is a pure function of the seed tag,
// the owning identity, and optional numeric ids.
type Address [32]byte

// DeriveAddress computes SHA-256(seed || owner || id_le64...).
func DeriveAddress(seed string, owner AccountID, ids ...uint64) Address {
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write(owner[:])
	var buf [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[:], id)
		h.Write(buf[:])
	}
	var addr Address
	copy(addr[:], h.Sum(nil))
	return addr
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Less orders addresses bytewise; the lock manager acquires in this order.
func (a Address) Less(b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// ParseAddress decodes the hex form produced by String.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("parse address: got %d bytes, want %d", len(b), len(a))
	}
	copy(a[:], b)
	return a, nil
}

// MarketAddress is the market-state singleton.
func MarketAddress() Address {
	return DeriveAddress(SeedGlobalState, uuid.Nil)
}

// PriceFeedAddress is the oracle singleton.
func PriceFeedAddress() Address {
	return DeriveAddress(SeedPriceFeed, uuid.Nil)
}

func VaultAddress(owner AccountID) Address {
	return DeriveAddress(SeedUserVault, owner)
}

func PositionAddress(owner AccountID, positionID uint64) Address {
	return DeriveAddress(SeedPosition, owner, positionID)
}

// TreasuryAccount derives the protocol counterparty account for a market authority.
func TreasuryAccount(authority AccountID) AccountID {
	addr := DeriveAddress(SeedTreasury, authority)
	var id AccountID
	copy(id[:], addr[:16])
	return id
}
