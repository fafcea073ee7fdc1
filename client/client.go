// Package client is the binding surface (spec.md §6): Client and
// Conversation wire together every internal component (identity, mlsgroup,
// welcome, intent, fork, cursor, cache, keypackage, sync, stream, events,
// transport, contenttype) behind the method set an application embeds
// corewire through.
package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"

	"github.com/germtb/corewire/internal/cache"
	"github.com/germtb/corewire/internal/config"
	"github.com/germtb/corewire/internal/contenttype"
	"github.com/germtb/corewire/internal/crypto"
	"github.com/germtb/corewire/internal/cursor"
	"github.com/germtb/corewire/internal/errs"
	"github.com/germtb/corewire/internal/events"
	"github.com/germtb/corewire/internal/fork"
	"github.com/germtb/corewire/internal/identity"
	"github.com/germtb/corewire/internal/intent"
	"github.com/germtb/corewire/internal/keypackage"
	"github.com/germtb/corewire/internal/mlsgroup"
	"github.com/germtb/corewire/internal/store"
	"github.com/germtb/corewire/internal/stream"
	"github.com/germtb/corewire/internal/sync"
	"github.com/germtb/corewire/internal/transport"
	"github.com/germtb/corewire/internal/welcome"
)

// Client is one installation's entry point: its own inbox id, installation
// key pair, and every durable component backed by its single encrypted
// SQLite file.
type Client struct {
	cfg             config.Config
	db              *store.DB
	transport       transport.Transport
	bus             *events.Bus
	inboxID         string
	installationKey []byte
	keys            mlsgroup.Keys
	identityState   *identity.State

	identityUpdates []identity.Update // this inbox's own log, folded into identityState

	intents  *intent.Queue
	cursors  *cursor.Store
	cache    *cache.Cache
	keypkgs  *keypackage.Manager
	fork     *fork.Worker
	welcomes *welcome.Processor
	sync     *sync.Worker
}

// installationIdentityTaskID is the tasks-table key an installation's own
// keys and identity-update log are persisted under, so New reconstructs the
// same installation across process restarts instead of minting a new one
// every time it opens the database (spec §6 "installation key pair").
const installationIdentityTaskID = "installation_identity"

// persistedIdentity is the installation's durable identity record. The
// Ed25519 signing key is never stored raw: it is pkcs8-wrapped and
// passphrase-encrypted (crypto.PrivateKeyToPEM) with the installation's own
// encryption key before it ever reaches JSON, the teacher's keystore
// pattern generalized from a file on disk to a row in the encrypted
// database (spec §6 "installation key pair").
type persistedIdentity struct {
	SigPub          ed25519.PublicKey
	SigPrivPEM      string
	InitPriv        []byte
	InitPub         []byte
	IdentityUpdates []identity.Update
}

// New opens (or creates) an installation's database and constructs a Client
// bound to inboxID: a fresh installation key pair and identity log on first
// open, or the ones persisted by a prior open of the same database.
func New(ctx context.Context, cfg config.Config, tport transport.Transport, inboxID string) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.New(errs.KindUser, "client.New", err.Error())
	}
	db, err := store.Open(ctx, cfg.DatabasePath, cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	loaded, err := loadOrCreateIdentity(ctx, db, inboxID, cfg.MaxInstallations, cfg.EncryptionKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := events.New()
	c := &Client{
		cfg:             cfg,
		db:              db,
		transport:       tport,
		bus:             bus,
		inboxID:         inboxID,
		installationKey: loaded.keys.SigPub,
		keys:            loaded.keys,
		identityState:   loaded.state,
		identityUpdates: loaded.updates,
		intents:         intent.New(db, cfg),
		cursors:         cursor.New(db),
		cache:           cache.New(db),
		keypkgs:         keypackage.New(db, cfg),
		fork:            fork.New(db),
		welcomes:        welcome.New(db),
		sync:            sync.New(db, bus, cfg.SyncWorker),
	}
	return c, nil
}

type loadedIdentity struct {
	keys    mlsgroup.Keys
	state   *identity.State
	updates []identity.Update
}

func loadOrCreateIdentity(ctx context.Context, db *store.DB, inboxID string, maxInstallations int, passphrase []byte) (*loadedIdentity, error) {
	var payload []byte
	err := db.Conn().QueryRowContext(ctx,
		`SELECT payload FROM tasks WHERE id = ?`, installationIdentityTaskID).Scan(&payload)
	switch {
	case store.IsNoRows(err):
		return createIdentity(ctx, db, inboxID, maxInstallations, passphrase)
	case err != nil:
		return nil, errs.Wrap(errs.KindStorage, "client.loadOrCreateIdentity", "select", err)
	}

	var saved persistedIdentity
	if err := json.Unmarshal(payload, &saved); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "client.loadOrCreateIdentity", "unmarshal", err)
	}
	sigPriv, err := crypto.LoadPrivateKey(saved.SigPrivPEM, passphrase)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptography, "client.loadOrCreateIdentity", "unseal signing key", err)
	}
	keys := mlsgroup.Keys{SigPriv: sigPriv, SigPub: saved.SigPub, InitPriv: saved.InitPriv, InitPub: saved.InitPub}
	state, err := identity.Resolve(inboxID, saved.IdentityUpdates, maxInstallations)
	if err != nil {
		return nil, err
	}
	return &loadedIdentity{keys: keys, state: state, updates: saved.IdentityUpdates}, nil
}

func createIdentity(ctx context.Context, db *store.DB, inboxID string, maxInstallations int, passphrase []byte) (*loadedIdentity, error) {
	keys, err := mlsgroup.GenerateKeys()
	if err != nil {
		return nil, err
	}
	update := identity.Update{
		Kind:      identity.CreateInbox,
		Nonce:     0,
		NewMember: identity.MemberMeta{ID: hex.EncodeToString(keys.SigPub), Kind: identity.MemberInstallation},
		InitialAddressSignature: identity.Signature{Kind: identity.SigECDSA, Signer: inboxID, Bytes: []byte("self-signed")},
	}
	state, err := identity.Resolve(inboxID, []identity.Update{update}, maxInstallations)
	if err != nil {
		return nil, err
	}
	if err := persistIdentity(ctx, db, passphrase, keys, []identity.Update{update}); err != nil {
		return nil, err
	}
	return &loadedIdentity{keys: keys, state: state, updates: []identity.Update{update}}, nil
}

func persistIdentity(ctx context.Context, db *store.DB, passphrase []byte, keys mlsgroup.Keys, updates []identity.Update) error {
	sigPrivPEM, err := crypto.PrivateKeyToPEM(keys.SigPriv, passphrase)
	if err != nil {
		return errs.Wrap(errs.KindCryptography, "client.persistIdentity", "seal signing key", err)
	}
	payload, err := json.Marshal(persistedIdentity{
		SigPub:          keys.SigPub,
		SigPrivPEM:      sigPrivPEM,
		InitPriv:        keys.InitPriv,
		InitPub:         keys.InitPub,
		IdentityUpdates: updates,
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "client.persistIdentity", "marshal", err)
	}
	_, err = db.Conn().ExecContext(ctx, `
		INSERT INTO tasks (id, kind, payload, run_after_ns, done)
		VALUES (?, 'installation_identity', ?, 0, 1)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		installationIdentityTaskID, payload)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "client.persistIdentity", "upsert", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (c *Client) Close() error { return c.db.Close() }

// InboxID returns this client's inbox identifier.
func (c *Client) InboxID() string { return c.inboxID }

// InstallationKey returns this installation's signing public key.
func (c *Client) InstallationKey() []byte { return c.installationKey }

// InboxState returns the currently resolved identity association state
// (spec §6 inbox_state).
func (c *Client) InboxState() *identity.State { return c.identityState }

// AddIdentity appends an AddAssociation update to this inbox's log and
// re-resolves state (spec §6 add_identity). The caller supplies both the
// existing-member (or recovery) signature and the new member's own
// signature over the update, already produced out of band.
func (c *Client) AddIdentity(ctx context.Context, member identity.MemberMeta, existingSig, newMemberSig identity.Signature) error {
	u := identity.Update{
		Kind:       identity.AddAssociation,
		NewMember:  member,
		Signatures: []identity.Signature{existingSig, newMemberSig},
	}
	next, err := identity.ResolveFrom(c.identityState, []identity.Update{u}, c.cfg.MaxInstallations)
	if err != nil {
		return err
	}
	c.identityUpdates = append(c.identityUpdates, u)
	c.identityState = next
	return c.persistIdentityUpdate(ctx, u)
}

// RevokeIdentity appends a RevokeAssociation update (spec §6 revoke_identity).
func (c *Client) RevokeIdentity(ctx context.Context, target string, sig identity.Signature) error {
	u := identity.Update{
		Kind:         identity.RevokeAssociation,
		TargetMember: target,
		Signatures:   []identity.Signature{sig},
	}
	next, err := identity.ResolveFrom(c.identityState, []identity.Update{u}, c.cfg.MaxInstallations)
	if err != nil {
		return err
	}
	c.identityUpdates = append(c.identityUpdates, u)
	c.identityState = next
	return c.persistIdentityUpdate(ctx, u)
}

func (c *Client) persistIdentityUpdate(ctx context.Context, u identity.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "client.persistIdentityUpdate", "marshal", err)
	}
	_, err = c.db.Conn().ExecContext(ctx, `
		INSERT INTO identity_updates (inbox_id, sequence_id, kind, payload) VALUES (?, ?, ?, ?)`,
		c.inboxID, u.SequenceID, kindLabel(u.Kind), payload)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "client.persistIdentityUpdate", "insert", err)
	}
	return persistIdentity(ctx, c.db, c.cfg.EncryptionKey, c.keys, c.identityUpdates)
}

func kindLabel(k identity.UpdateKind) string {
	switch k {
	case identity.CreateInbox:
		return "create_inbox"
	case identity.AddAssociation:
		return "add_association"
	case identity.RevokeAssociation:
		return "revoke_association"
	case identity.ChangeRecoveryAddress:
		return "change_recovery_address"
	default:
		return "unknown"
	}
}

// CanMessage reports, for each inbox id, whether it currently has any
// published key packages (spec §6 can_message).
func (c *Client) CanMessage(ctx context.Context, inboxIDs []string) (map[string]bool, error) {
	available, err := c.transport.FetchKeyPackages(ctx, inboxIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(inboxIDs))
	for _, id := range inboxIDs {
		out[id] = len(available[id]) > 0
	}
	return out, nil
}

// SetConsentState records a local consent decision for an entity (spec §6
// set_consent_states) and, when the sync worker is enabled, broadcasts it
// to other installations.
func (c *Client) SetConsentState(ctx context.Context, entityType, entity, state string, nowNs int64) error {
	_, err := c.db.Conn().ExecContext(ctx, `
		INSERT INTO consent_records (entity_type, entity, state, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity) DO UPDATE SET state = excluded.state, updated_at_ns = excluded.updated_at_ns
		WHERE excluded.updated_at_ns > consent_records.updated_at_ns`,
		entityType, entity, state, nowNs)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "client.SetConsentState", "upsert", err)
	}
	payload, _ := json.Marshal(map[string]string{"state": state})
	return c.sync.BroadcastPreferenceUpdate(ctx, sync.PreferenceUpdate{
		Kind: sync.PreferenceConsent, Entity: entity, Payload: payload, UpdatedAtNs: nowNs,
	})
}

// GetConsentState reads back the current consent state for an entity (spec
// §6 get_consent_state), returning "unknown" if no decision is recorded.
func (c *Client) GetConsentState(ctx context.Context, entityType, entity string) (string, error) {
	var state string
	err := c.db.Conn().QueryRowContext(ctx,
		`SELECT state FROM consent_records WHERE entity_type = ? AND entity = ?`, entityType, entity).Scan(&state)
	if store.IsNoRows(err) {
		return "unknown", nil
	}
	if err != nil {
		return "", errs.Wrap(errs.KindStorage, "client.GetConsentState", "select", err)
	}
	return state, nil
}

// CreateGroup creates a new MLS group with this inbox as the sole member
// and admin, optionally staging add_members intents for memberInboxIDs
// (spec §6 create_group).
func (c *Client) CreateGroup(ctx context.Context, memberInboxIDs []string, nowNs int64) (*Conversation, error) {
	groupID := make([]byte, 16)
	if _, err := rand.Read(groupID); err != nil {
		return nil, errs.Wrap(errs.KindCryptography, "client.CreateGroup", "group id", err)
	}
	return c.createConversation(ctx, groupID, "group", "", memberInboxIDs, nowNs)
}

// CreateDM creates (or returns the existing) direct-message conversation
// with peerInboxID (spec §6 create_dm). The unique index on
// (creator_inbox_id, conversation_type, peer_inbox_id) enforces a single DM
// per peer.
func (c *Client) CreateDM(ctx context.Context, peerInboxID string, nowNs int64) (*Conversation, error) {
	var existing []byte
	err := c.db.Conn().QueryRowContext(ctx,
		`SELECT group_id FROM groups WHERE conversation_type = 'dm' AND creator_inbox_id = ? AND peer_inbox_id = ?`,
		c.inboxID, peerInboxID).Scan(&existing)
	if err == nil {
		return c.Conversation(ctx, existing)
	}
	if !store.IsNoRows(err) {
		return nil, errs.Wrap(errs.KindStorage, "client.CreateDM", "lookup existing dm", err)
	}

	groupID := make([]byte, 16)
	if _, err := rand.Read(groupID); err != nil {
		return nil, errs.Wrap(errs.KindCryptography, "client.CreateDM", "group id", err)
	}
	return c.createConversation(ctx, groupID, "dm", peerInboxID, []string{peerInboxID}, nowNs)
}

func (c *Client) createConversation(ctx context.Context, groupID []byte, convType, peerInboxID string, memberInboxIDs []string, nowNs int64) (*Conversation, error) {
	g, err := mlsgroup.Create(groupID, c.inboxID, c.keys)
	if err != nil {
		return nil, err
	}
	stateBytes, err := g.ToBytes()
	if err != nil {
		return nil, err
	}

	adminList, _ := json.Marshal([]string{c.inboxID})
	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		var peer any
		if peerInboxID != "" {
			peer = peerInboxID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO groups (group_id, conversation_type, epoch_number, membership_state, consent_state,
				creator_inbox_id, peer_inbox_id, created_at_ns, admin_list, super_admin_list)
			VALUES (?, ?, 0, 'allowed', 'allowed', ?, ?, ?, ?, ?)`,
			groupID, convType, c.inboxID, peer, nowNs, adminList, adminList)
		return err
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "client.createConversation", "insert group", err)
	}
	if err := c.saveGroupState(ctx, groupID, stateBytes); err != nil {
		return nil, err
	}
	c.bus.Publish(events.LocalEvent{Kind: events.KindNewGroup, GroupID: groupID})

	conv := &Conversation{client: c, groupID: groupID}
	if len(memberInboxIDs) > 0 {
		if _, err := conv.AddMembers(ctx, memberInboxIDs, nowNs); err != nil {
			return conv, err
		}
	}
	return conv, nil
}

func (c *Client) saveGroupState(ctx context.Context, groupID, stateBytes []byte) error {
	_, err := c.db.Conn().ExecContext(ctx, `
		INSERT INTO tasks (id, kind, payload, run_after_ns, done)
		VALUES (?, 'group_state', ?, 0, 1)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		"group_state:"+hex.EncodeToString(groupID), stateBytes)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "client.saveGroupState", "upsert", err)
	}
	return nil
}

func (c *Client) loadGroupState(ctx context.Context, groupID []byte) (*mlsgroup.Group, error) {
	var stateBytes []byte
	err := c.db.Conn().QueryRowContext(ctx,
		`SELECT payload FROM tasks WHERE id = ?`, "group_state:"+hex.EncodeToString(groupID)).Scan(&stateBytes)
	if store.IsNoRows(err) {
		return nil, errs.New(errs.KindNotFound, "client.loadGroupState", "no local group state for this conversation")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "client.loadGroupState", "select", err)
	}
	return mlsgroup.FromBytes(stateBytes, c.keys.SigPriv)
}

// Conversations lists every locally known conversation (spec §6
// conversations).
func (c *Client) Conversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := c.db.Conn().QueryContext(ctx, `SELECT group_id FROM groups ORDER BY created_at_ns`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "client.Conversations", "select", err)
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "client.Conversations", "scan", err)
		}
		out = append(out, &Conversation{client: c, groupID: id})
	}
	return out, rows.Err()
}

// StreamConversations streams one Message per conversation this installation
// is welcomed into, replaying every conversation already known before
// following new ones (spec §6 streamConversations, §4.G "Conversations").
func (c *Client) StreamConversations(ctx context.Context) (*stream.ConversationsStream, error) {
	return stream.NewConversations(ctx, c.db, c.bus)
}

// StreamAllMessages streams every message across every conversation
// matching filter, ordered per-conversation and unioned across groups (spec
// §6 streamAllMessages, §4.G "All messages across conversations"). An empty
// filter matches every conversation.
func (c *Client) StreamAllMessages(ctx context.Context, filter stream.AllMessagesFilter) (*stream.AllMessagesStream, error) {
	return stream.NewAllMessages(ctx, c.db, c.bus, filter)
}

// Conversation returns the conversation handle for groupID, erroring with
// NotFound if it is not locally known (spec §6 conversation(id)).
func (c *Client) Conversation(ctx context.Context, groupID []byte) (*Conversation, error) {
	var count int
	err := c.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE group_id = ?`, groupID).Scan(&count)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "client.Conversation", "select", err)
	}
	if count == 0 {
		return nil, errs.New(errs.KindNotFound, "client.Conversation", "conversation not found")
	}
	return &Conversation{client: c, groupID: groupID}, nil
}

// ProcessWelcome hands an inbound welcome to the welcome processor, then
// (on success) loads and saves its MLS group state so Conversation methods
// work immediately (spec §4.D -> §4.C handoff).
func (c *Client) ProcessWelcome(ctx context.Context, in welcome.Incoming, signer welcome.Signer, nowNs int64) (bool, error) {
	resolver := identity.NewResolver(c.identityState.InboxID, c.identityUpdates, c.cfg.MaxInstallations)
	alreadyProcessed, err := c.welcomes.Process(ctx, in, resolver, signer, nowNs)
	if err != nil || alreadyProcessed {
		return alreadyProcessed, err
	}
	g := mlsgroup.JoinFromWelcome(in.Welcome, c.keys)
	stateBytes, err := g.ToBytes()
	if err != nil {
		return false, err
	}
	if err := c.saveGroupState(ctx, in.Welcome.GroupID, stateBytes); err != nil {
		return false, err
	}
	c.bus.Publish(events.LocalEvent{Kind: events.KindNewGroup, GroupID: in.Welcome.GroupID})
	return false, nil
}

// UnsealWelcome decrypts a welcome envelope payload that was ECIES-sealed to
// this installation's init key (the counterpart of commitAndStage's seal)
// and decodes it into the plaintext Welcome the MLS driver expects. A
// welcome sealed for a different installation fails AES-GCM authentication
// here and should be skipped by the caller rather than treated as a
// protocol error (spec §4.D: a welcome log entry only matters to the one
// installation it was encrypted for).
func (c *Client) UnsealWelcome(ciphertext []byte) (mlsgroup.Welcome, error) {
	plaintext, err := crypto.DecryptWelcome(c.keys.InitPriv, ciphertext)
	if err != nil {
		return mlsgroup.Welcome{}, errs.Wrap(errs.KindCryptography, "client.UnsealWelcome", "decrypt", err)
	}
	var w mlsgroup.Welcome
	if err := json.Unmarshal(plaintext, &w); err != nil {
		return mlsgroup.Welcome{}, errs.Wrap(errs.KindStorage, "client.UnsealWelcome", "decode", err)
	}
	return w, nil
}

// SweepDisappearing runs the disappearing-message cache sweep across every
// group (spec §4.I).
func (c *Client) SweepDisappearing(ctx context.Context, nowNs int64) (int, error) {
	return c.cache.Sweep(ctx, nowNs)
}

// EnsureKeyPackages tops up this installation's key-package inventory and
// rotates it on schedule (spec §4.J).
func (c *Client) EnsureKeyPackages(ctx context.Context, nowNs int64) (published int, err error) {
	return c.keypkgs.EnsureInventory(ctx, c.installationKey, nowNs, func() (mlsgroup.Keys, []byte, error) {
		keys, err := mlsgroup.GenerateKeys()
		if err != nil {
			return mlsgroup.Keys{}, nil, err
		}
		return keys, pqPlaceholder(), nil
	})
}

// PublishKeyPackage publishes this installation's own current key package to
// the network so other inboxes' can_message/add_members calls can find it
// (spec §4.J "published key packages" / §6 add_members). Key packages are
// fetched by inbox id (CanMessage, AddMembers), so they are published under
// that same id rather than the signing installation key.
func (c *Client) PublishKeyPackage(ctx context.Context) error {
	kp := mlsgroup.KeyPackageData{InboxID: c.inboxID, SigPub: c.keys.SigPub, InitPub: c.keys.InitPub}
	data, err := json.Marshal(kp)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "client.PublishKeyPackage", "marshal", err)
	}
	return c.transport.PublishKeyPackages(ctx, []byte(c.inboxID), [][]byte{data})
}

func pqPlaceholder() []byte {
	// Simplified post-quantum public key placeholder (spec §4.J): corewire
	// does not implement a PQ KEM, it only reserves the field so a real one
	// can be swapped in without a schema change.
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

// ArchiveMetadata reports whether this client can currently serve archives
// (spec §6 archive_metadata): false in Disabled sync-worker mode.
func (c *Client) ArchiveMetadata() bool {
	return c.cfg.SyncWorker == config.SyncEnabled
}

// CreateArchive exports a signed archive bundle of the given plaintext
// entries (spec §6 create_archive).
func (c *Client) CreateArchive(entries map[string][]byte, bundleSecret []byte) (sync.ArchiveBundle, error) {
	return c.sync.ExportArchive(entries, bundleSecret, ed25519.PrivateKey(c.keys.SigPriv), c.inboxID)
}

// ImportArchive imports a signed archive bundle (spec §6 import_archive).
func (c *Client) ImportArchive(bundle sync.ArchiveBundle, bundleSecret []byte, signerPub ed25519.PublicKey) (map[string][]byte, error) {
	return c.sync.ImportArchive(bundle, bundleSecret, signerPub)
}

// EncodeContent encodes application content into the wire representation
// sent as a group message (spec §6).
func EncodeContent(content contenttype.Content) (contenttype.EncodedContent, error) {
	return contenttype.Encode(content)
}

// DecodeContent is the inverse of EncodeContent.
func DecodeContent(ec contenttype.EncodedContent) (contenttype.Content, error) {
	return contenttype.Decode(ec)
}
