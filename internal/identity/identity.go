// Package identity implements the identity-state resolver (spec.md §4.A):
// a pure fold over an inbox's signed identity-update log into a current
// association state. It is the membership authority consulted by the MLS
// driver, the welcome processor, and key-package lifecycle.
package identity

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/germtb/corewire/internal/errs"
)

// UpdateKind is the action carried by one identity update.
type UpdateKind int

const (
	CreateInbox UpdateKind = iota
	AddAssociation
	RevokeAssociation
	ChangeRecoveryAddress
)

// MemberKind distinguishes the member identifiers an inbox can own.
type MemberKind int

const (
	MemberWallet MemberKind = iota
	MemberPasskey
	MemberInstallation
)

// SignatureKind enumerates the ways an identity update can be signed.
type SignatureKind int

const (
	SigECDSA SignatureKind = iota
	SigERC1271
	SigInstallationKey
	SigPasskey
	SigLegacyDelegated
)

// Signature is one verified (or claimed) signature over an update.
type Signature struct {
	Kind   SignatureKind
	Signer string // member id that produced this signature
	Bytes  []byte // raw signature bytes, used for replay detection
}

// MemberMeta describes one member of the association state.
type MemberMeta struct {
	ID         string
	Kind       MemberKind
	ParentID   string // for MemberInstallation, the wallet/passkey that added it
	AddedAtSeq uint64
}

// Update is one entry in an inbox's identity-update log.
type Update struct {
	SequenceID uint64
	Kind       UpdateKind

	// Nonce is the CreateInbox nonce (§4.A): only nonce 0 permits
	// legacy-delegated signatures.
	Nonce uint64

	// NewMember/Target identify the member being added/revoked, or the new
	// recovery identifier for ChangeRecoveryAddress.
	NewMember    MemberMeta
	TargetMember string
	NewRecovery  string

	// Signatures carries every signature attached to this update. For
	// CreateInbox, InitialAddressSignature is the recovered initial signer.
	Signatures              []Signature
	InitialAddressSignature Signature
}

// State is the association state folded from an inbox's log.
type State struct {
	InboxID       string
	Members       map[string]MemberMeta
	RecoveryID    string
	SeenSigs      map[string]struct{}
	InstallCount  int
	LastAppliedAt uint64
}

func newState(inboxID string) *State {
	return &State{
		InboxID:  inboxID,
		Members:  make(map[string]MemberMeta),
		SeenSigs: make(map[string]struct{}),
	}
}

// Clone returns a deep-enough copy for callers that mutate via Resolve
// without disturbing a cached state.
func (s *State) Clone() *State {
	c := newState(s.InboxID)
	c.RecoveryID = s.RecoveryID
	c.InstallCount = s.InstallCount
	c.LastAppliedAt = s.LastAppliedAt
	for k, v := range s.Members {
		c.Members[k] = v
	}
	for k := range s.SeenSigs {
		c.SeenSigs[k] = struct{}{}
	}
	return c
}

// IsMember reports whether id is a current member (any kind).
func (s *State) IsMember(id string) bool {
	_, ok := s.Members[id]
	return ok
}

// defaultMaxInstallations bounds live installation members per inbox when the
// caller passes no positive cap (§3).
const defaultMaxInstallations = 10

// Resolve replays the full ordered update log for an inbox and returns the
// resulting association state, or the first validation error encountered.
// It is a pure fold: Resolve(updates) always produces the same State for
// the same input (spec §8 "replaying ... yields the same association
// state"). maxInstallations <= 0 uses the spec default.
func Resolve(inboxID string, updates []Update, maxInstallations int) (*State, error) {
	if maxInstallations <= 0 {
		maxInstallations = defaultMaxInstallations
	}
	state := newState(inboxID)
	for i, u := range updates {
		if err := apply(state, u, maxInstallations); err != nil {
			return nil, fmt.Errorf("identity: update %d (seq=%d): %w", i, u.SequenceID, err)
		}
	}
	return state, nil
}

// ResolveFrom continues folding updates onto an existing state, for callers
// that cache the latest state per inbox and only replay the tail (§4.A:
// "Implementations may cache the latest state per inbox but MUST rebuild
// from log on cache miss" — ResolveFrom is the cache-hit path).
func ResolveFrom(base *State, updates []Update, maxInstallations int) (*State, error) {
	if maxInstallations <= 0 {
		maxInstallations = defaultMaxInstallations
	}
	state := base.Clone()
	for i, u := range updates {
		if err := apply(state, u, maxInstallations); err != nil {
			return nil, fmt.Errorf("identity: update %d (seq=%d): %w", i, u.SequenceID, err)
		}
	}
	return state, nil
}

// Resolver answers point-in-time membership questions against an inbox's
// full update log, as distinct from State which only ever reflects the
// latest fold. A GroupInfo signer or a readd claim is made against the log
// as it stood at the moment the claim was authored, not as it stands when
// the claim is later checked — Resolver lets a caller pin that moment by
// sequence number instead of trusting whatever the cached State happens to
// hold now.
type Resolver struct {
	inboxID          string
	updates          []Update
	maxInstallations int
}

// NewResolver wraps an inbox's ordered update log for point-in-time
// queries. updates need not be sorted; MembersAt sorts a filtered copy.
func NewResolver(inboxID string, updates []Update, maxInstallations int) *Resolver {
	return &Resolver{inboxID: inboxID, updates: updates, maxInstallations: maxInstallations}
}

// InboxID returns the inbox this resolver replays.
func (r *Resolver) InboxID() string { return r.inboxID }

// MembersAt folds the log up to and including sequence seq and returns the
// resulting membership set. seq == 0 is a sentinel for "no cap": the full
// log is folded, equivalent to the current State.
func (r *Resolver) MembersAt(seq uint64) (map[string]MemberMeta, error) {
	var upto []Update
	for _, u := range r.updates {
		if seq != 0 && u.SequenceID > seq {
			continue
		}
		upto = append(upto, u)
	}
	sort.Slice(upto, func(i, j int) bool { return upto[i].SequenceID < upto[j].SequenceID })
	state, err := Resolve(r.inboxID, upto, r.maxInstallations)
	if err != nil {
		return nil, err
	}
	return state.Members, nil
}

// IsMemberAt reports whether id was a member of the inbox as of sequence
// seq (or currently, when seq is 0).
func (r *Resolver) IsMemberAt(id string, seq uint64) (bool, error) {
	members, err := r.MembersAt(seq)
	if err != nil {
		return false, err
	}
	_, ok := members[id]
	return ok, nil
}

func apply(state *State, u Update, maxInstallations int) error {
	switch u.Kind {
	case CreateInbox:
		return applyCreateInbox(state, u)
	case AddAssociation:
		return applyAddAssociation(state, u, maxInstallations)
	case RevokeAssociation:
		return applyRevoke(state, u)
	case ChangeRecoveryAddress:
		return applyChangeRecovery(state, u)
	default:
		return errs.New(errs.KindUser, "identity.apply", "unknown update kind")
	}
}

func applyCreateInbox(state *State, u Update) error {
	if len(state.Members) != 0 || state.RecoveryID != "" {
		return errs.New(errs.KindCryptography, "identity.CreateInbox", "must be the first update on an inbox")
	}
	sig := u.InitialAddressSignature
	if sig.Kind == SigLegacyDelegated && u.Nonce != 0 {
		return errs.New(errs.KindCryptography, "identity.CreateInbox", "legacy-delegated signature requires nonce 0")
	}
	if err := checkReplay(state, sig); err != nil {
		return err
	}
	state.Members[u.NewMember.ID] = MemberMeta{
		ID: u.NewMember.ID, Kind: u.NewMember.Kind, AddedAtSeq: u.SequenceID,
	}
	state.RecoveryID = sig.Signer
	markSeen(state, sig)
	state.LastAppliedAt = u.SequenceID
	return nil
}

func applyAddAssociation(state *State, u Update, maxInstallations int) error {
	if len(u.Signatures) < 2 {
		return errs.New(errs.KindCryptography, "identity.AddAssociation", "requires a new-member and an existing-member signature")
	}
	var existingSig, newSig Signature
	found := false
	for _, sig := range u.Signatures {
		if sig.Signer == u.NewMember.ID {
			newSig = sig
		} else {
			existingSig = sig
			found = true
		}
	}
	if !found {
		return errs.New(errs.KindCryptography, "identity.AddAssociation", "missing existing-member signature")
	}
	if existingSig.Signer != state.RecoveryID && !state.IsMember(existingSig.Signer) {
		return errs.New(errs.KindCryptography, "identity.AddAssociation", "existing signer is not a member or the recovery identifier")
	}
	if u.NewMember.Kind == MemberInstallation {
		existing, ok := state.Members[existingSig.Signer]
		if ok && existing.Kind == MemberInstallation {
			return errs.New(errs.KindUser, "identity.AddAssociation", "installations may not add installations")
		}
		if state.InstallCount >= maxInstallations {
			return errs.New(errs.KindUser, "identity.AddAssociation", "TooManyInstallations")
		}
	}
	if existingSig.Kind == SigLegacyDelegated || newSig.Kind == SigLegacyDelegated {
		return errs.New(errs.KindCryptography, "identity.AddAssociation", "legacy-delegated signatures are not valid here")
	}
	if err := checkReplay(state, existingSig); err != nil {
		return err
	}
	if err := checkReplay(state, newSig); err != nil {
		return err
	}
	meta := u.NewMember
	meta.AddedAtSeq = u.SequenceID
	if meta.Kind == MemberInstallation {
		meta.ParentID = existingSig.Signer
		state.InstallCount++
	}
	state.Members[meta.ID] = meta
	markSeen(state, existingSig)
	markSeen(state, newSig)
	state.LastAppliedAt = u.SequenceID
	return nil
}

func applyRevoke(state *State, u Update) error {
	var sig Signature
	found := false
	for _, s := range u.Signatures {
		if s.Signer == state.RecoveryID {
			sig = s
			found = true
		}
	}
	if !found {
		return errs.New(errs.KindCryptography, "identity.RevokeAssociation", "must be signed by the recovery identifier")
	}
	if err := checkReplay(state, sig); err != nil {
		return err
	}
	target, ok := state.Members[u.TargetMember]
	if !ok {
		return errs.New(errs.KindNotFound, "identity.RevokeAssociation", "target member not found")
	}
	delete(state.Members, u.TargetMember)
	if target.Kind == MemberInstallation {
		state.InstallCount--
	}
	for id, m := range state.Members {
		if m.Kind == MemberInstallation && m.ParentID == u.TargetMember {
			delete(state.Members, id)
			state.InstallCount--
		}
	}
	markSeen(state, sig)
	state.LastAppliedAt = u.SequenceID
	return nil
}

func applyChangeRecovery(state *State, u Update) error {
	var sig Signature
	found := false
	for _, s := range u.Signatures {
		if s.Signer == state.RecoveryID {
			sig = s
			found = true
		}
	}
	if !found {
		return errs.New(errs.KindCryptography, "identity.ChangeRecoveryAddress", "must be signed by the current recovery identifier")
	}
	if sig.Kind == SigLegacyDelegated {
		return errs.New(errs.KindCryptography, "identity.ChangeRecoveryAddress", "legacy-delegated signatures are not valid here")
	}
	if err := checkReplay(state, sig); err != nil {
		return err
	}
	state.RecoveryID = u.NewRecovery
	markSeen(state, sig)
	state.LastAppliedAt = u.SequenceID
	return nil
}

func checkReplay(state *State, sig Signature) error {
	key := sigKey(sig)
	if _, seen := state.SeenSigs[key]; seen {
		return errs.New(errs.KindCryptography, "identity.checkReplay", "Replay")
	}
	return nil
}

func markSeen(state *State, sig Signature) {
	state.SeenSigs[sigKey(sig)] = struct{}{}
}

func sigKey(sig Signature) string {
	return fmt.Sprintf("%d:%s:%x", sig.Kind, sig.Signer, sig.Bytes)
}

// BytesEqual is a small helper re-exported for callers comparing raw
// signature/authenticator bytes without importing bytes directly.
func BytesEqual(a, b []byte) bool { return bytes.Equal(a, b) }
