package client

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/germtb/corewire/internal/contenttype"
	"github.com/germtb/corewire/internal/crypto"
	"github.com/germtb/corewire/internal/cursor"
	"github.com/germtb/corewire/internal/errs"
	"github.com/germtb/corewire/internal/events"
	"github.com/germtb/corewire/internal/fork"
	"github.com/germtb/corewire/internal/identity"
	"github.com/germtb/corewire/internal/intent"
	"github.com/germtb/corewire/internal/mlsgroup"
	"github.com/germtb/corewire/internal/store"
	"github.com/germtb/corewire/internal/stream"
	"github.com/germtb/corewire/internal/transport"
)

// Conversation is the per-group binding surface (spec.md §6 Conversation
// methods): every mutating call stages an intent, builds the corresponding
// MLS commit, and updates local state before (optionally) publishing.
type Conversation struct {
	client  *Client
	groupID []byte
}

// GroupID returns this conversation's group identifier.
func (cv *Conversation) GroupID() []byte { return cv.groupID }

type groupRow struct {
	ConversationType string
	MembershipState  string
	ConsentState     string
	AdminList        []string
	SuperAdminList   []string
	Name             string
	Description      string
	ImageURL         string
	IsActive         bool
}

func (cv *Conversation) readRow(ctx context.Context) (groupRow, error) {
	var row groupRow
	var adminJSON, superJSON string
	var isActive int
	err := cv.client.db.Conn().QueryRowContext(ctx, `
		SELECT conversation_type, membership_state, consent_state, admin_list, super_admin_list,
		       name, description, image_url, is_active
		FROM groups WHERE group_id = ?`, cv.groupID).Scan(
		&row.ConversationType, &row.MembershipState, &row.ConsentState, &adminJSON, &superJSON,
		&row.Name, &row.Description, &row.ImageURL, &isActive)
	if store.IsNoRows(err) {
		return row, errs.New(errs.KindNotFound, "client.Conversation", "conversation not found")
	}
	if err != nil {
		return row, errs.Wrap(errs.KindStorage, "client.Conversation", "select", err)
	}
	_ = json.Unmarshal([]byte(adminJSON), &row.AdminList)
	_ = json.Unmarshal([]byte(superJSON), &row.SuperAdminList)
	row.IsActive = isActive != 0
	return row, nil
}

// MembershipState returns this conversation's local membership_state (spec
// §6 membership_state).
func (cv *Conversation) MembershipState(ctx context.Context) (string, error) {
	row, err := cv.readRow(ctx)
	return row.MembershipState, err
}

// ConsentState returns this conversation's consent_state (spec §6
// consent_state).
func (cv *Conversation) ConsentState(ctx context.Context) (string, error) {
	row, err := cv.readRow(ctx)
	return row.ConsentState, err
}

// IsActive reports whether this member is still active in the group (spec
// §6 is_active).
func (cv *Conversation) IsActive(ctx context.Context) (bool, error) {
	row, err := cv.readRow(ctx)
	return row.IsActive, err
}

// AdminList returns the group's current admin list (spec §6 admin_list).
func (cv *Conversation) AdminList(ctx context.Context) ([]string, error) {
	row, err := cv.readRow(ctx)
	return row.AdminList, err
}

// SuperAdminList returns the group's current super-admin list (spec §6
// super_admin_list).
func (cv *Conversation) SuperAdminList(ctx context.Context) ([]string, error) {
	row, err := cv.readRow(ctx)
	return row.SuperAdminList, err
}

// GroupMetadata returns the group's name/description/image (spec §6
// group_metadata).
func (cv *Conversation) GroupMetadata(ctx context.Context) (name, description, imageURL string, err error) {
	row, err := cv.readRow(ctx)
	return row.Name, row.Description, row.ImageURL, err
}

// Send encodes content, encrypts it under the group's current epoch,
// durably records it as an unpublished message, and stages a
// send_message intent for publication (spec §6 send).
func (cv *Conversation) Send(ctx context.Context, content contenttype.Content, senderInboxID string, nowNs int64) ([]byte, error) {
	messageID := uuid.New()
	return messageID[:], cv.encryptAndStore(ctx, messageID[:], content, senderInboxID, nowNs, true)
}

// SendOptimistic behaves like Send but skips staging the publish intent —
// the caller decides when to flush pending optimistic sends via
// PublishMessages (spec §6 send_optimistic).
func (cv *Conversation) SendOptimistic(ctx context.Context, content contenttype.Content, senderInboxID string, nowNs int64) ([]byte, error) {
	messageID := uuid.New()
	return messageID[:], cv.encryptAndStore(ctx, messageID[:], content, senderInboxID, nowNs, false)
}

func (cv *Conversation) encryptAndStore(ctx context.Context, messageID []byte, content contenttype.Content, senderInboxID string, nowNs int64, stageIntent bool) error {
	g, err := cv.client.loadGroupState(ctx, cv.groupID)
	if err != nil {
		return err
	}
	encoded, err := contenttype.Encode(content)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(encoded)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "Conversation.encryptAndStore", "marshal content", err)
	}
	nonce, ciphertext, err := g.EncryptApplicationMessage(string(messageID), plaintext)
	if err != nil {
		return err
	}
	sealed := append(append([]byte{}, nonce...), ciphertext...)

	ownOriginator := int64(0)
	var seq int64
	err = cv.client.db.Conn().QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_id), 0) + 1 FROM group_messages WHERE group_id = ? AND originator_id = ?`,
		cv.groupID, ownOriginator).Scan(&seq)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "Conversation.encryptAndStore", "next sequence id", err)
	}

	_, err = cv.client.db.Conn().ExecContext(ctx, `
		INSERT INTO group_messages (id, group_id, originator_id, sequence_id, sent_at_ns, sender_inbox_id,
			kind, authority_id, type_id, version_major, version_minor, content, delivery_status)
		VALUES (?, ?, ?, ?, ?, ?, 'application', ?, ?, ?, ?, ?, 'unpublished')`,
		messageID, cv.groupID, ownOriginator, seq, nowNs, senderInboxID,
		encoded.AuthorityID, encoded.TypeID, encoded.VersionMajor, encoded.VersionMinor, sealed)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "Conversation.encryptAndStore", "insert message", err)
	}
	cv.client.bus.Publish(events.LocalEvent{Kind: events.KindSyncMessage, GroupID: cv.groupID})

	if stageIntent {
		payload, _ := json.Marshal(map[string]string{"message_id": string(messageID)})
		if _, err := cv.client.intents.Stage(ctx, cv.groupID, intent.KindSendMessage, payload, nowNs); err != nil {
			return err
		}
	}
	return nil
}

// PublishMessages flushes every unpublished message (from Send or
// SendOptimistic) in this conversation to the transport (spec §6
// publish_messages).
func (cv *Conversation) PublishMessages(ctx context.Context) error {
	rows, err := cv.client.db.Conn().QueryContext(ctx, `
		SELECT id, content FROM group_messages WHERE group_id = ? AND delivery_status = 'unpublished'
		ORDER BY sequence_id`, cv.groupID)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "Conversation.PublishMessages", "select", err)
	}
	var ids [][]byte
	var payloads [][]byte
	for rows.Next() {
		var id, content []byte
		if err := rows.Scan(&id, &content); err != nil {
			rows.Close()
			return errs.Wrap(errs.KindStorage, "Conversation.PublishMessages", "scan", err)
		}
		ids = append(ids, id)
		payloads = append(payloads, content)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.KindStorage, "Conversation.PublishMessages", "rows", err)
	}
	if len(payloads) == 0 {
		return nil
	}
	if err := cv.client.transport.PublishGroupMessages(ctx, cv.groupID, payloads); err != nil {
		return err
	}
	return cv.client.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE group_messages SET delivery_status = 'published' WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sync fetches new envelopes for this group through FetchGroupMessages and
// advances the group_messages cursor past each one (spec §6 sync). Envelopes
// of kind "commit_log" are applied to the local MLS group state; every other
// envelope, application messages included, is neither decrypted nor stored.
func (cv *Conversation) Sync(ctx context.Context, originatorID int64) error {
	seq, err := cv.client.cursors.Get(ctx, cv.groupID, cursor.EntityGroupMessages, originatorID)
	if err != nil {
		return err
	}
	envs, err := cv.client.transport.FetchGroupMessages(ctx, cv.groupID, seq)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := cv.applyEnvelope(ctx, env); err != nil {
			return err
		}
		if err := cv.client.cursors.Advance(ctx, cv.groupID, cursor.EntityGroupMessages, originatorID, env.Sequence); err != nil {
			return err
		}
	}
	if len(envs) > 0 {
		cv.client.bus.Publish(events.LocalEvent{Kind: events.KindSyncMessage, GroupID: cv.groupID})
	}
	return nil
}

func (cv *Conversation) applyEnvelope(ctx context.Context, env transport.Envelope) error {
	switch env.Kind {
	case "commit_log":
		g, err := cv.client.loadGroupState(ctx, cv.groupID)
		if err != nil {
			return err
		}
		result, err := g.ApplyCommit(mlsgroup.Commit{State: env.Payload})
		if err != nil {
			return err
		}
		if result != mlsgroup.ResultApplied {
			return nil // wrong-epoch/rejected commits are left for the fork worker to reconcile
		}
		stateBytes, err := g.ToBytes()
		if err != nil {
			return err
		}
		return cv.client.saveGroupState(ctx, cv.groupID, stateBytes)
	default:
		return nil // other kinds (application messages) are not decrypted or stored; only the caller's cursor advances
	}
}

// FindMessages returns every locally stored message of this conversation,
// ordered by (originator_id, sequence_id), excluding soft-deleted ones (spec
// §6 find_messages).
func (cv *Conversation) FindMessages(ctx context.Context) ([]stream.Message, error) {
	rows, err := cv.client.db.Conn().QueryContext(ctx, `
		SELECT gm.id, gm.group_id, gm.originator_id, gm.sequence_id, gm.sent_at_ns, gm.sender_inbox_id, gm.kind, gm.content
		FROM group_messages gm
		LEFT JOIN message_deletions md ON md.message_id = gm.id
		WHERE gm.group_id = ? AND md.message_id IS NULL
		ORDER BY gm.originator_id, gm.sequence_id`, cv.groupID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "Conversation.FindMessages", "select", err)
	}
	defer rows.Close()
	var out []stream.Message
	for rows.Next() {
		var m stream.Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.OriginatorID, &m.SequenceID, &m.SentAtNs, &m.SenderInboxID, &m.Kind, &m.Content); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "Conversation.FindMessages", "scan", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Stream opens a live Messages stream for this conversation (spec §6
// stream).
func (cv *Conversation) Stream(ctx context.Context) (*stream.MessagesStream, error) {
	return stream.NewMessages(ctx, cv.client.db, cv.client.bus, cv.groupID)
}

// AddMembers stages and applies an add_members commit, publishing the
// resulting welcomes (spec §6 add_members).
func (cv *Conversation) AddMembers(ctx context.Context, memberInboxIDs []string, nowNs int64) (mlsgroup.Commit, error) {
	g, err := cv.client.loadGroupState(ctx, cv.groupID)
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	kps := make([]mlsgroup.KeyPackageData, 0, len(memberInboxIDs))
	available, err := cv.client.transport.FetchKeyPackages(ctx, memberInboxIDs)
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	for _, id := range memberInboxIDs {
		pkgs := available[id]
		if len(pkgs) == 0 {
			return mlsgroup.Commit{}, errs.New(errs.KindNotFound, "Conversation.AddMembers", "no key package available for "+id)
		}
		var kp mlsgroup.KeyPackageData
		if err := json.Unmarshal(pkgs[0], &kp); err != nil {
			return mlsgroup.Commit{}, errs.Wrap(errs.KindProtocol, "Conversation.AddMembers", "decode key package", err)
		}
		kps = append(kps, kp)
	}
	commit, welcomes, err := g.AddMembers(kps)
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	return commit, cv.commitAndStage(ctx, g, commit, welcomes, intent.KindAddMembers, nowNs)
}

// RemoveMembers stages and applies a remove_members commit (spec §6
// remove_members).
func (cv *Conversation) RemoveMembers(ctx context.Context, memberInboxIDs []string, nowNs int64) (mlsgroup.Commit, error) {
	g, err := cv.client.loadGroupState(ctx, cv.groupID)
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	commit, err := g.RemoveMembers(memberInboxIDs)
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	return commit, cv.commitAndStage(ctx, g, commit, nil, intent.KindRemoveMembers, nowNs)
}

// UpdateAdminList adds or removes an admin or super-admin (spec §6
// update_admin_list).
func (cv *Conversation) UpdateAdminList(ctx context.Context, action, inboxID string, super bool, nowNs int64) (mlsgroup.Commit, error) {
	g, err := cv.client.loadGroupState(ctx, cv.groupID)
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	commit, err := g.UpdateAdminList(action, inboxID, super)
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	return commit, cv.commitAndStage(ctx, g, commit, nil, intent.KindUpdateAdminList, nowNs)
}

// UpdateMetadata updates name/description/image/disappearing policy (spec
// §6 update_group_* setters — corewire models these as one metadata commit,
// each field optional) and writes the given fields to the groups row.
func (cv *Conversation) UpdateMetadata(ctx context.Context, name, description, imageURL *string, disappearingFromNs, disappearingInNs *int64, nowNs int64) (mlsgroup.Commit, error) {
	g, err := cv.client.loadGroupState(ctx, cv.groupID)
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	commit, err := g.UpdateMetadata(name, description, imageURL, disappearingFromNs, disappearingInNs)
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	if err := cv.commitAndStage(ctx, g, commit, nil, intent.KindUpdateMetadata, nowNs); err != nil {
		return commit, err
	}
	_, err = cv.client.db.Conn().ExecContext(ctx, `
		UPDATE groups SET name = COALESCE(?, name), description = COALESCE(?, description),
			image_url = COALESCE(?, image_url), disappearing_from_ns = COALESCE(?, disappearing_from_ns),
			disappearing_in_ns = COALESCE(?, disappearing_in_ns) WHERE group_id = ?`,
		name, description, imageURL, disappearingFromNs, disappearingInNs, cv.groupID)
	if err != nil {
		return commit, errs.Wrap(errs.KindStorage, "Conversation.UpdateMetadata", "update group row", err)
	}
	return commit, nil
}

// LeaveGroup stages a self-removal commit (spec §6 leave_group).
func (cv *Conversation) LeaveGroup(ctx context.Context, nowNs int64) (mlsgroup.Commit, error) {
	g, err := cv.client.loadGroupState(ctx, cv.groupID)
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	commit, err := g.RemoveMembers([]string{cv.client.inboxID})
	if err != nil {
		return mlsgroup.Commit{}, err
	}
	return commit, cv.commitAndStage(ctx, g, commit, nil, intent.KindLeaveRequest, nowNs)
}

// commitAndStage persists the group's post-commit state, publishes any
// welcomes, updates the groups row's epoch/admin columns, stages the
// corresponding durable intent, and publishes the commit to the transport.
func (cv *Conversation) commitAndStage(ctx context.Context, g *mlsgroup.Group, commit mlsgroup.Commit, welcomes []mlsgroup.Welcome, kind intent.Kind, nowNs int64) error {
	stateBytes, err := g.ToBytes()
	if err != nil {
		return err
	}
	if err := cv.client.saveGroupState(ctx, cv.groupID, stateBytes); err != nil {
		return err
	}

	adminJSON, _ := json.Marshal(adminListOf(g))
	_, err = cv.client.db.Conn().ExecContext(ctx, `
		UPDATE groups SET epoch_number = ?, admin_list = ? WHERE group_id = ?`,
		g.Epoch(), adminJSON, cv.groupID)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "Conversation.commitAndStage", "update group row", err)
	}

	payload, _ := json.Marshal(map[string]any{"commit_type": commit.Type})
	if _, err := cv.client.intents.Stage(ctx, cv.groupID, kind, payload, nowNs); err != nil {
		return err
	}
	if err := cv.client.transport.PublishCommitLogEntries(ctx, cv.groupID, [][]byte{commit.State}); err != nil {
		return err
	}
	if len(welcomes) > 0 {
		envs := make([]transport.Envelope, 0, len(welcomes))
		for _, w := range welcomes {
			if w.LeafIndex < 0 || w.LeafIndex >= len(w.Members) {
				return errs.New(errs.KindProtocol, "Conversation.commitAndStage", "welcome leaf index out of range")
			}
			wb, err := json.Marshal(w)
			if err != nil {
				return errs.Wrap(errs.KindStorage, "Conversation.commitAndStage", "marshal welcome", err)
			}
			// Every installation fetches the same welcome log (transport.Mock
			// broadcasts it unfiltered), so the plaintext is ECIES-sealed to
			// the recipient's own init key — the one member entry the welcome
			// exists for. Every other installation's decrypt fails the GCM tag
			// and simply skips it (spec §4.D).
			recipientPub := w.Members[w.LeafIndex].InitPub
			sealed, err := crypto.EncryptWelcome(recipientPub, wb)
			if err != nil {
				return errs.Wrap(errs.KindCryptography, "Conversation.commitAndStage", "seal welcome", err)
			}
			envs = append(envs, transport.Envelope{Kind: "welcome", GroupID: cv.groupID, Payload: sealed})
		}
		if err := cv.client.transport.PublishWelcomes(ctx, envs); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileCommitLog runs the fork detector against this conversation's
// local and remote commit logs, advancing cursors and marking the group
// forked on divergence (spec §4.E, run as part of sync).
func (cv *Conversation) ReconcileCommitLog(ctx context.Context, localCursor, remoteCursor int64) (newLocalCursor, newRemoteCursor int64, forked bool, err error) {
	newLocalCursor, newRemoteCursor, result, err := cv.client.fork.Reconcile(ctx, cv.groupID, localCursor, remoteCursor)
	if err != nil {
		return 0, 0, false, err
	}
	return newLocalCursor, newRemoteCursor, result == fork.ResultForked, nil
}

// RequestReadd stages a request_readd (or, for a super admin, an immediate
// readd_installations) intent after ReconcileCommitLog reports a fork (spec
// §4.E), deduplicated via the group's is_awaiting_readd flag. Super-admin
// status is resolved from the group's own super_admin_list and confirmed
// against this installation's identity state as of now — a revoked
// installation cannot claim super-admin standing just because its inbox
// once held it.
func (cv *Conversation) RequestReadd(ctx context.Context, nowNs int64) (bool, error) {
	row, err := cv.readRow(ctx)
	if err != nil {
		return false, err
	}

	resolver := identity.NewResolver(cv.client.inboxID, cv.client.identityUpdates, cv.client.cfg.MaxInstallations)
	ownInstallID := hex.EncodeToString(cv.client.installationKey)
	isOwnInstallationLive, err := resolver.IsMemberAt(ownInstallID, 0)
	if err != nil {
		return false, errs.Wrap(errs.KindCryptography, "Conversation.RequestReadd", "resolve own installation membership", err)
	}
	isSuperAdmin := isOwnInstallationLive && containsInboxID(row.SuperAdminList, cv.client.inboxID)

	shouldEnqueue, err := cv.client.fork.RequestReadd(ctx, cv.groupID, isSuperAdmin, row.ConversationType == "dm")
	if err != nil || !shouldEnqueue {
		return false, err
	}
	kind := intent.KindRequestReadd
	if isSuperAdmin {
		kind = intent.KindReaddInstallations
	}
	payload, _ := json.Marshal(map[string]bool{"is_super_admin": isSuperAdmin})
	_, err = cv.client.intents.Stage(ctx, cv.groupID, kind, payload, nowNs)
	return err == nil, err
}

// AllowListForReadd adds this conversation's group to this installation's
// local readd allow-list (spec §4.E Phase 4), letting a non-super-admin
// installation request readd for a forked group it cares about.
func (cv *Conversation) AllowListForReadd(ctx context.Context, nowNs int64) error {
	return cv.client.fork.AllowList(ctx, cv.groupID, nowNs)
}

func containsInboxID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func adminListOf(g *mlsgroup.Group) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range g.Members() {
		if g.IsAdmin(m.InboxID) && !seen[m.InboxID] {
			seen[m.InboxID] = true
			out = append(out, m.InboxID)
		}
	}
	return out
}
