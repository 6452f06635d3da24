// Package multisig implements C8: a k-of-n threshold signature guard scoped
// to a specific (instruction, params) pair, so that a signer's approval of
// one admin call can never be replayed against a different call with
// different parameters.
package multisig

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"

	"github.com/bxkdhc6282/perpetuals/internal/perrors"
)

// ParamsHash identifies the exact parameters an approval was collected for.
type ParamsHash [32]byte

// InstructionTag identifies an admin instruction the same way the teacher's
// anchorInstructionDiscriminator identifies an Anchor instruction: the first
// 8 bytes of sha256("instruction:<name>"), so adding a new admin action can
// never collide with an existing one by accident.
type InstructionTag [8]byte

// HashInstruction derives the InstructionTag for an admin action name.
func HashInstruction(name string) InstructionTag {
	sum := sha256.Sum256([]byte("instruction:" + name))
	var out InstructionTag
	copy(out[:], sum[:8])
	return out
}

// HashParams derives the ParamsHash an approval is scoped to, from the
// instruction tag and the raw little-endian-encoded parameter bytes —
// callers are expected to serialize params with the codec package before
// calling this, so the hash is stable across encode/decode round trips.
func HashParams(instruction InstructionTag, paramsBytes []byte) ParamsHash {
	h := sha256.New()
	h.Write(instruction[:])
	h.Write(paramsBytes)
	var out ParamsHash
	copy(out[:], h.Sum(nil))
	return out
}

// State is the guard's persisted multisig configuration: the signer set and
// the threshold k of n that must approve before an instruction executes.
type State struct {
	Signers   []solana.PublicKey
	Threshold uint8

	// Collecting is the in-progress approval round, if any. It resets
	// whenever a new (instruction, params) pair is proposed.
	Collecting bool
	Instruction InstructionTag
	Params      ParamsHash
	Approved    []solana.PublicKey
}

// New constructs a guard's state from a signer set and threshold.
func New(signers []solana.PublicKey, threshold uint8) (*State, error) {
	if threshold == 0 || int(threshold) > len(signers) {
		return nil, perrors.ErrInvalidArgument
	}
	return &State{Signers: append([]solana.PublicKey(nil), signers...), Threshold: threshold}, nil
}

func (s *State) isSigner(pub solana.PublicKey) bool {
	for _, signer := range s.Signers {
		if signer.Equals(pub) {
			return true
		}
	}
	return false
}

func (s *State) hasApproved(pub solana.PublicKey) bool {
	for _, approved := range s.Approved {
		if approved.Equals(pub) {
			return true
		}
	}
	return false
}

// Propose starts (or idempotently continues) an approval round for the
// given (instruction, params) pair signed by pub. Proposing a different
// (instruction, params) pair than the one currently being collected resets
// the round — a signer cannot accidentally carry an approval over to
// different parameters.
func (s *State) Propose(pub solana.PublicKey, instruction InstructionTag, params ParamsHash) (ready bool, err error) {
	if !s.isSigner(pub) {
		return false, perrors.ErrUnauthorizedSigner
	}

	if !s.Collecting || s.Instruction != instruction || s.Params != params {
		s.Collecting = true
		s.Instruction = instruction
		s.Params = params
		s.Approved = nil
	}

	if !s.hasApproved(pub) {
		s.Approved = append(s.Approved, pub)
	}

	return uint8(len(s.Approved)) >= s.Threshold, nil
}

// Execute validates that the currently collected round matches
// (instruction, params) and has reached threshold, then resets the guard to
// Idle so the same approvals cannot be replayed against a second execution.
func (s *State) Execute(instruction InstructionTag, params ParamsHash) error {
	if !s.Collecting || s.Instruction != instruction || s.Params != params {
		return perrors.ErrInstructionMismatch
	}
	if uint8(len(s.Approved)) < s.Threshold {
		return perrors.ErrUnauthorizedSigner
	}
	s.Collecting = false
	s.Instruction = InstructionTag{}
	s.Params = ParamsHash{}
	s.Approved = nil
	return nil
}

// EncodeUint64Param is a small helper for building the little-endian param
// byte slices HashParams expects, mirroring the teacher's binary.Write(..,
// binary.LittleEndian, ..) idiom rather than reaching for the full codec
// package for a single scalar.
func EncodeUint64Param(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
