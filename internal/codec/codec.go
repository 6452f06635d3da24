// Package codec implements A1: the discriminator-prefixed Borsh layout every
// persisted record (Custody, Pool, Position, the Multisig Guard's state) is
// written to and read from, plus the CustodyLayoutV1 migration path.
//
// Every encoded blob is [8-byte discriminator][Borsh-encoded body]. The
// discriminator is the first 8 bytes of sha256("account:<TypeName>"), the
// same scheme internal/multisig uses for instruction tags (sha256 over a
// namespaced string, truncated to 8 bytes) so a caller can never load one
// record type's bytes into another's struct and get a plausible-looking
// zero value back instead of an error.
package codec

import (
	"crypto/sha256"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/bxkdhc6282/perpetuals/internal/custody"
	"github.com/bxkdhc6282/perpetuals/internal/multisig"
	"github.com/bxkdhc6282/perpetuals/internal/perrors"
	"github.com/bxkdhc6282/perpetuals/internal/pool"
	"github.com/bxkdhc6282/perpetuals/internal/position"
)

// ErrDiscriminatorMismatch is returned when a blob's leading discriminator
// does not match the type a caller asked to decode into.
var ErrDiscriminatorMismatch = errors.New("discriminator mismatch")

// Discriminator identifies a persisted record's type, prefixing every
// encoded blob.
type Discriminator [8]byte

// AccountName is the namespaced type tag a Discriminator is derived from.
type AccountName string

const (
	AccountCustody     AccountName = "Custody"
	AccountCustodyV1   AccountName = "CustodyV1"
	AccountPool        AccountName = "Pool"
	AccountPosition    AccountName = "Position"
	AccountMultisig    AccountName = "MultisigGuard"
)

// DiscriminatorFor derives the 8-byte discriminator for an account type.
func DiscriminatorFor(name AccountName) Discriminator {
	sum := sha256.Sum256([]byte("account:" + string(name)))
	var out Discriminator
	copy(out[:], sum[:8])
	return out
}

var (
	custodyDiscriminator   = DiscriminatorFor(AccountCustody)
	custodyV1Discriminator = DiscriminatorFor(AccountCustodyV1)
	poolDiscriminator      = DiscriminatorFor(AccountPool)
	positionDiscriminator  = DiscriminatorFor(AccountPosition)
	multisigDiscriminator  = DiscriminatorFor(AccountMultisig)
)

// encode Borsh-encodes v and prepends its discriminator.
func encode(discriminator Discriminator, v interface{}) ([]byte, error) {
	buf, err := bin.MarshalBorsh(v)
	if err != nil {
		return nil, fmt.Errorf("codec: borsh encode: %w", err)
	}
	out := make([]byte, 0, len(discriminator)+len(buf))
	out = append(out, discriminator[:]...)
	out = append(out, buf...)
	return out, nil
}

// decode verifies data's leading discriminator matches want, then
// Borsh-decodes the remainder into v. DiscriminatorMismatch is returned
// rather than attempting to decode bytes for the wrong type, which would
// otherwise silently produce a garbage-but-well-typed value.
func decode(want Discriminator, data []byte, v interface{}) error {
	if len(data) < len(want) {
		return fmt.Errorf("codec: %w: blob too short for discriminator", perrors.ErrInvalidArgument)
	}
	var got Discriminator
	copy(got[:], data[:len(want)])
	if got != want {
		return fmt.Errorf("codec: %w", ErrDiscriminatorMismatch)
	}
	if err := bin.UnmarshalBorsh(v, data[len(want):]); err != nil {
		return fmt.Errorf("codec: borsh decode: %w", err)
	}
	return nil
}

// EncodeCustody serializes c in its current (V2, piecewise borrow-curve) layout.
func EncodeCustody(c *custody.Custody) ([]byte, error) {
	return encode(custodyDiscriminator, c)
}

// DecodeCustody deserializes data into c, rejecting a V1 blob outright —
// callers that might be handed either vintage should try DecodeCustodyAny.
func DecodeCustody(data []byte, c *custody.Custody) error {
	return decode(custodyDiscriminator, data, c)
}

// DecodeCustodyAny deserializes either vintage of the custody layout,
// migrating a V1 blob in place via Custody.UpgradeFromV1 and reporting
// whether a migration was applied.
func DecodeCustodyAny(data []byte, c *custody.Custody) (migrated bool, err error) {
	if len(data) >= len(custodyDiscriminator) {
		var got Discriminator
		copy(got[:], data[:len(custodyDiscriminator)])
		if got == custodyV1Discriminator {
			var v1 custody.LayoutV1
			if err := decode(custodyV1Discriminator, data, &v1); err != nil {
				return false, err
			}
			c.UpgradeFromV1(v1)
			return true, nil
		}
	}
	return false, DecodeCustody(data, c)
}

// EncodeCustodyV1 serializes v1 in the deprecated layout. Only the migration
// path and tests constructing fixtures need this; no admin action writes a
// new V1 blob.
func EncodeCustodyV1(v1 *custody.LayoutV1) ([]byte, error) {
	return encode(custodyV1Discriminator, v1)
}

// EncodePool serializes p.
func EncodePool(p *pool.Pool) ([]byte, error) {
	return encode(poolDiscriminator, p)
}

// DecodePool deserializes data into p.
func DecodePool(data []byte, p *pool.Pool) error {
	return decode(poolDiscriminator, data, p)
}

// EncodePosition serializes pos.
func EncodePosition(pos *position.Position) ([]byte, error) {
	return encode(positionDiscriminator, pos)
}

// DecodePosition deserializes data into pos.
func DecodePosition(data []byte, pos *position.Position) error {
	return decode(positionDiscriminator, data, pos)
}

// EncodeMultisig serializes the Multisig Guard's state.
func EncodeMultisig(s *multisig.State) ([]byte, error) {
	return encode(multisigDiscriminator, s)
}

// DecodeMultisig deserializes data into s.
func DecodeMultisig(data []byte, s *multisig.State) error {
	return decode(multisigDiscriminator, data, s)
}
