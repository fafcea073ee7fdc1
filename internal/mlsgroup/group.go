// Package mlsgroup implements the MLS group driver (spec.md §4.C): epoch
// advancement, member add/remove, admin-list and metadata commits, and
// application-message encrypt/decrypt — the core state machine every
// incoming or locally originated group change runs through.
//
// This is a self-contained implementation providing MLS-like semantics
// (epoch advancement, epoch secret derivation, member add/remove) using
// Ed25519 + HKDF + AES-GCM, generalized from a single-writer git-filter
// group into a general-purpose multi-conversation-type group. It can be
// replaced with a forked emersion/go-mls once that library exposes the
// required methods (Epoch, ExportSecret, Marshal/Unmarshal, Remove).
package mlsgroup

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/germtb/corewire/internal/crypto"
	"github.com/germtb/corewire/internal/errs"
)

// MemberState is a member's position in the membership lifecycle (spec §4.C:
// "Pending -> Allowed -> PendingRemove -> Removed, re-add transitions").
type MemberState int

const (
	MemberPending MemberState = iota
	MemberAllowed
	MemberPendingRemove
	MemberRemoved
)

// CommitType tags a local_commit_log / remote_commit_log row with the kind
// of change a commit carried (spec §4.E).
type CommitType string

const (
	CommitMetadataUpdate   CommitType = "metadata_update"
	CommitMembershipUpdate CommitType = "membership_update"
	CommitUpdateAdminList  CommitType = "update_admin_list"
	CommitKeyRotation      CommitType = "key_rotation"
	CommitLeaveRequest     CommitType = "leave_request"
	CommitReadd            CommitType = "readd"
)

// CommitResult is the outcome of applying an incoming commit.
type CommitResult string

const (
	ResultApplied   CommitResult = "applied"
	ResultWrongEpoch CommitResult = "wrong_epoch"
	ResultRejected  CommitResult = "rejected"
)

// Keys bundles keys generated for an MLS member.
type Keys struct {
	SigPriv  ed25519.PrivateKey
	SigPub   ed25519.PublicKey
	InitPriv []byte // X25519-like init private key (32 bytes)
	InitPub  []byte
}

// GenerateKeys generates all keys needed for MLS membership.
func GenerateKeys() (Keys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keys{}, errs.Wrap(errs.KindCryptography, "mlsgroup.GenerateKeys", "ed25519", err)
	}
	initPriv := make([]byte, 32)
	if _, err := rand.Read(initPriv); err != nil {
		return Keys{}, errs.Wrap(errs.KindCryptography, "mlsgroup.GenerateKeys", "init key", err)
	}
	h := sha256.Sum256(initPriv)
	return Keys{SigPriv: priv, SigPub: pub, InitPriv: initPriv, InitPub: h[:]}, nil
}

// KeyPackageData is the serializable key package offered for a member to be
// added to a group (see also internal/keypackage for the durable inventory).
type KeyPackageData struct {
	InboxID string `json:"inbox_id"`
	SigPub  []byte `json:"sig_pub"`
	InitPub []byte `json:"init_pub"`
}

type Member struct {
	InboxID string      `json:"inbox_id"`
	SigPub  []byte      `json:"sig_pub"`
	InitPub []byte      `json:"init_pub"`
	State   MemberState `json:"state"`
}

type groupState struct {
	GroupID            []byte        `json:"group_id"`
	Epoch              uint64        `json:"epoch"`
	EpochSecret        []byte        `json:"epoch_secret"`
	Members            []Member `json:"members"`
	OwnLeafIndex        int          `json:"own_leaf_index"`
	AdminList          []string      `json:"admin_list"`
	SuperAdminList     []string      `json:"super_admin_list"`
	Name               string        `json:"name"`
	Description        string        `json:"description"`
	ImageURL           string        `json:"image_url"`
	DisappearingFromNs int64         `json:"disappearing_from_ns"`
	DisappearingInNs   int64         `json:"disappearing_in_ns"`
}

// Welcome is the data sent to a new member joining the group.
type Welcome struct {
	GroupID     []byte        `json:"group_id"`
	Epoch       uint64        `json:"epoch"`
	EpochSecret []byte        `json:"epoch_secret"`
	Members     []Member `json:"members"`
	LeafIndex   int           `json:"leaf_index"`
	AdminList   []string      `json:"admin_list"`
}

// Commit is one staged epoch transition, ready to be published and later
// applied by every other member.
type Commit struct {
	Type  CommitType `json:"type"`
	State []byte     `json:"state"` // serialized groupState after applying this commit
}

// Group wraps MLS group state for one conversation.
type Group struct {
	state  groupState
	sigKey ed25519.PrivateKey
}

// Create creates a new MLS group with the creator as the sole member and
// admin.
func Create(groupID []byte, creatorInboxID string, keys Keys) (*Group, error) {
	epochSecret := make([]byte, 32)
	if _, err := rand.Read(epochSecret); err != nil {
		return nil, errs.Wrap(errs.KindCryptography, "mlsgroup.Create", "epoch secret", err)
	}
	g := &Group{
		state: groupState{
			GroupID:     groupID,
			Epoch:       0,
			EpochSecret: epochSecret,
			Members: []Member{{
				InboxID: creatorInboxID,
				SigPub:  keys.SigPub,
				InitPub: keys.InitPub,
				State:   MemberAllowed,
			}},
			OwnLeafIndex:   0,
			AdminList:      []string{creatorInboxID},
			SuperAdminList: []string{creatorInboxID},
		},
		sigKey: keys.SigPriv,
	}
	return g, nil
}

// JoinFromWelcome joins an existing group from a Welcome message.
func JoinFromWelcome(w Welcome, keys Keys) *Group {
	return &Group{
		state: groupState{
			GroupID:     w.GroupID,
			Epoch:       w.Epoch,
			EpochSecret: w.EpochSecret,
			Members:     w.Members,
			OwnLeafIndex: w.LeafIndex,
			AdminList:   w.AdminList,
		},
		sigKey: keys.SigPriv,
	}
}

// FromBytes restores group from serialized state.
func FromBytes(data []byte, sigPriv ed25519.PrivateKey) (*Group, error) {
	var s groupState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "mlsgroup.FromBytes", "unmarshal state", err)
	}
	return &Group{state: s, sigKey: sigPriv}, nil
}

// ToBytes serializes group state for durable storage.
func (g *Group) ToBytes() ([]byte, error) {
	b, err := json.Marshal(g.state)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "mlsgroup.ToBytes", "marshal state", err)
	}
	return b, nil
}

// GroupID returns the group's identifier.
func (g *Group) GroupID() []byte { return g.state.GroupID }

// Epoch returns the current epoch number.
func (g *Group) Epoch() uint64 { return g.state.Epoch }

// Members returns every member entry regardless of state.
func (g *Group) Members() []Member { return g.state.Members }

// ActiveMemberCount returns the number of Allowed members.
func (g *Group) ActiveMemberCount() int {
	n := 0
	for _, m := range g.state.Members {
		if m.State == MemberAllowed {
			n++
		}
	}
	return n
}

// IsAdmin reports whether inboxID is in the current admin list (admins and
// super-admins alike act as admins; spec §4.E additionally gates some
// actions to super-admins specifically).
func (g *Group) IsAdmin(inboxID string) bool {
	return contains(g.state.AdminList, inboxID) || contains(g.state.SuperAdminList, inboxID)
}

// IsSuperAdmin reports whether inboxID is a super admin.
func (g *Group) IsSuperAdmin(inboxID string) bool {
	return contains(g.state.SuperAdminList, inboxID)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// EpochAuthenticator derives the authenticator used to detect state
// divergence between members (spec §3: "epoch_authenticator after applying
// commit k is a pure function of the prior authenticator and commit k's
// contents").
func (g *Group) EpochAuthenticator() []byte {
	return exportSecret(g.state.EpochSecret, []byte("corewire-epoch-authenticator"), nil, 32)
}

// ExportEpochSecret derives the epoch application secret used for message
// and attachment encryption under the current epoch.
func (g *Group) ExportEpochSecret() []byte {
	return exportSecret(g.state.EpochSecret, []byte("corewire-epoch-secret"), nil, 32)
}

func exportSecret(epochSecret, label, context []byte, length int) []byte {
	info := append(append([]byte{}, label...), context...)
	r := hkdf.New(sha256.New, epochSecret, nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf export: %v", err))
	}
	return out
}

func (g *Group) advanceEpoch() {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, g.state.Epoch)
	r := hkdf.New(sha256.New, g.state.EpochSecret, epochBytes, []byte("corewire-epoch-advance"))
	newSecret := make([]byte, 32)
	if _, err := io.ReadFull(r, newSecret); err != nil {
		panic(fmt.Sprintf("hkdf advance: %v", err))
	}
	g.state.EpochSecret = newSecret
	g.state.Epoch++
}

// AddMembers adds key packages as new members, advancing the epoch. Returns
// the commit for existing members and one welcome per added member.
func (g *Group) AddMembers(kps []KeyPackageData) (Commit, []Welcome, error) {
	welcomes := make([]Welcome, 0, len(kps))
	for _, kp := range kps {
		leaf := len(g.state.Members)
		g.state.Members = append(g.state.Members, Member{
			InboxID: kp.InboxID, SigPub: kp.SigPub, InitPub: kp.InitPub, State: MemberAllowed,
		})
		welcomes = append(welcomes, Welcome{
			GroupID: g.state.GroupID, LeafIndex: leaf, AdminList: g.state.AdminList,
		})
	}
	g.advanceEpoch()
	for i := range welcomes {
		welcomes[i].Epoch = g.state.Epoch
		welcomes[i].EpochSecret = g.state.EpochSecret
		welcomes[i].Members = g.state.Members
	}
	commit, err := g.buildCommit(CommitMembershipUpdate)
	return commit, welcomes, err
}

// RemoveMembers marks the given inbox ids Removed, advancing the epoch. A
// member removing itself (the entry at its own leaf index) is marked
// PendingRemove instead (spec §4.C).
func (g *Group) RemoveMembers(inboxIDs []string) (Commit, error) {
	for _, id := range inboxIDs {
		for i := range g.state.Members {
			if g.state.Members[i].InboxID == id {
				if i == g.state.OwnLeafIndex {
					g.state.Members[i].State = MemberPendingRemove
				} else {
					g.state.Members[i].State = MemberRemoved
				}
			}
		}
	}
	g.advanceEpoch()
	return g.buildCommit(CommitMembershipUpdate)
}

// Readd reinstates a previously removed member (fork recovery, spec §4.E),
// clearing PendingRemove/Removed back to Allowed.
func (g *Group) Readd(inboxID string) (Commit, error) {
	found := false
	for i := range g.state.Members {
		if g.state.Members[i].InboxID == inboxID {
			g.state.Members[i].State = MemberAllowed
			found = true
		}
	}
	if !found {
		return Commit{}, errs.New(errs.KindNotFound, "mlsgroup.Readd", "member not found")
	}
	g.advanceEpoch()
	return g.buildCommit(CommitReadd)
}

// UpdateAdminList adds or removes inboxID from the admin or super-admin
// list (spec §6 update_admin_list action).
func (g *Group) UpdateAdminList(action, inboxID string, super bool) (Commit, error) {
	list := &g.state.AdminList
	if super {
		list = &g.state.SuperAdminList
	}
	switch action {
	case "add":
		if !contains(*list, inboxID) {
			*list = append(*list, inboxID)
		}
	case "remove":
		out := (*list)[:0]
		for _, id := range *list {
			if id != inboxID {
				out = append(out, id)
			}
		}
		*list = out
	default:
		return Commit{}, errs.New(errs.KindUser, "mlsgroup.UpdateAdminList", "unknown action: "+action)
	}
	g.advanceEpoch()
	return g.buildCommit(CommitUpdateAdminList)
}

// UpdateMetadata changes the group's name/description/image/disappearing
// policy, advancing the epoch.
func (g *Group) UpdateMetadata(name, description, imageURL *string, disappearingFromNs, disappearingInNs *int64) (Commit, error) {
	if name != nil {
		g.state.Name = *name
	}
	if description != nil {
		g.state.Description = *description
	}
	if imageURL != nil {
		g.state.ImageURL = *imageURL
	}
	if disappearingFromNs != nil {
		g.state.DisappearingFromNs = *disappearingFromNs
	}
	if disappearingInNs != nil {
		g.state.DisappearingInNs = *disappearingInNs
	}
	g.advanceEpoch()
	return g.buildCommit(CommitMetadataUpdate)
}

// RotateKey advances the epoch without any membership or metadata change,
// piggybacking a key rotation onto the commit stream (spec §4.J).
func (g *Group) RotateKey() (Commit, error) {
	g.advanceEpoch()
	return g.buildCommit(CommitKeyRotation)
}

func (g *Group) buildCommit(kind CommitType) (Commit, error) {
	b, err := json.Marshal(g.state)
	if err != nil {
		return Commit{}, errs.Wrap(errs.KindStorage, "mlsgroup.buildCommit", "marshal", err)
	}
	return Commit{Type: kind, State: b}, nil
}

// ApplyCommit applies a commit received from the transport. If the commit's
// epoch is not exactly the group's current epoch + 1, it returns
// ResultWrongEpoch so the caller can re-fetch and retry (spec §4.C tie-break
// on concurrent commits). A commit that would remove this member's own leaf
// without first observing a matching local remove is still applied —
// self-removal is detected by the caller via Members()/OwnLeafIndex.
func (g *Group) ApplyCommit(c Commit) (CommitResult, error) {
	var next groupState
	if err := json.Unmarshal(c.State, &next); err != nil {
		return ResultRejected, errs.Wrap(errs.KindProtocol, "mlsgroup.ApplyCommit", "unmarshal", err)
	}
	if next.Epoch != g.state.Epoch+1 {
		return ResultWrongEpoch, nil
	}
	ownLeaf := g.state.OwnLeafIndex
	g.state = next
	g.state.OwnLeafIndex = ownLeaf
	return ResultApplied, nil
}

// EncryptApplicationMessage seals content under the current epoch's
// exported secret, bound to messageID so two messages in the same epoch
// never share a key.
func (g *Group) EncryptApplicationMessage(messageID string, content []byte) (nonce, ciphertext []byte, err error) {
	key := crypto.DeriveContentKey(g.ExportEpochSecret(), messageID, int(g.state.Epoch))
	nonce, ciphertext, err = crypto.AESGCMEncrypt(key, content)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindCryptography, "mlsgroup.EncryptApplicationMessage", "seal", err)
	}
	return nonce, ciphertext, nil
}

// DecryptApplicationMessage reverses EncryptApplicationMessage under the
// epoch it claims to belong to; stale-epoch messages must be decrypted
// against an archived epoch secret, not the live one (spec §4.C "stale-epoch
// discard").
func DecryptApplicationMessage(epochSecret []byte, epoch int, messageID string, nonce, ciphertext []byte) ([]byte, error) {
	key := crypto.DeriveContentKey(epochSecret, messageID, epoch)
	plaintext, err := crypto.AESGCMDecrypt(key, nonce, ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptography, "mlsgroup.DecryptApplicationMessage", "open", err)
	}
	return plaintext, nil
}
