// Package contenttype implements the encode/decode surface for application
// message payloads (spec.md §3 "Group message", §4.I, §6 "Content-type
// encoding"). Every application message carries a content-type triple
// (authority_id, type_id, version) plus ciphertext; the reserved type ids
// below have dedicated decoders, everything else round-trips as Custom.
package contenttype

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/germtb/corewire/internal/crypto"
	"github.com/germtb/corewire/internal/errs"
)

// Reserved type ids (spec §3, §6).
const (
	TypeText                 = "text"
	TypeReaction             = "reaction"
	TypeReply                = "reply"
	TypeAttachment           = "attachment"
	TypeRemoteAttachment     = "remote_attachment"
	TypeReadReceipt          = "read_receipt"
	TypeTransactionReference = "transaction_reference"
	TypeGroupUpdated         = "group_updated"
	TypeMembershipChange     = "membership_change"
	TypeDeleteMessage        = "delete_message"
	TypeLeaveRequest         = "leave_request"
	TypeIntent               = "intent"
	TypeActions              = "actions"

	DefaultAuthorityID = "corewire.chat"
)

// Compression enumerates the optional payload compression schemes.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionDeflate
)

// EncodedContent is the wire shape of every application message payload
// (spec §6): an authority/type/version triple identifying the schema, free
// parameters, a plaintext fallback for unsupported clients, and the raw
// content bytes (JSON-encoded for reserved types, opaque for Custom).
type EncodedContent struct {
	AuthorityID  string
	TypeID       string
	VersionMajor uint32
	VersionMinor uint32
	Parameters   map[string]string
	Fallback     string
	Compression  Compression
	Content      []byte
}

// Content is the tagged-variant decode of an EncodedContent: exactly one of
// the typed fields is non-nil, or Custom holds the original encoding for a
// type id this build does not recognize.
type Content struct {
	Text                *TextContent
	Reaction            *ReactionContent
	Reply               *ReplyContent
	Attachment          *AttachmentContent
	RemoteAttachment    *RemoteAttachmentContent
	ReadReceipt         *ReadReceiptContent
	TransactionRef      *TransactionReferenceContent
	GroupUpdated        *GroupUpdatedContent
	MembershipChange    *MembershipChangeContent
	DeleteMessage       *DeleteMessageContent
	LeaveRequest        *LeaveRequestContent
	Intent              *IntentContent
	Actions             *ActionsContent
	Custom              *EncodedContent
}

type TextContent struct {
	Body string `json:"body"`
}

type ReactionContent struct {
	ReferenceID string `json:"referenceId"`
	Action      string `json:"action"` // "added" | "removed"
	Emoji       string `json:"emoji"`
	Schema      string `json:"schema"`
}

type ReplyContent struct {
	ReferenceID string          `json:"referenceId"`
	Content     *EncodedContent `json:"-"`
	RawContent  json.RawMessage `json:"content"`
}

// AttachmentContent is an inline, already-decrypted attachment.
type AttachmentContent struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// RemoteAttachmentContent points at ciphertext stored off-group (spec §6:
// "contentDigest, salt, nonce, secret, scheme, contentLength, filename").
type RemoteAttachmentContent struct {
	URL           string `json:"url"`
	ContentDigest string `json:"contentDigest"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Secret        []byte `json:"secret"`
	Scheme        string `json:"scheme"`
	ContentLength uint64 `json:"contentLength"`
	Filename      string `json:"filename"`
}

type ReadReceiptContent struct{}

type TransactionReferenceContent struct {
	NetworkID string `json:"networkId"`
	Reference string `json:"reference"`
}

type GroupUpdatedContent struct {
	InitiatedByInboxID string   `json:"initiatedByInboxId"`
	AddedInboxIDs      []string `json:"addedInboxIds"`
	RemovedInboxIDs    []string `json:"removedInboxIds"`
	MetadataFieldsChanged []string `json:"metadataFieldsChanged"`
}

type MembershipChangeContent struct {
	InstalledInboxIDs []string `json:"installedInboxIds"`
	RevokedInboxIDs   []string `json:"revokedInboxIds"`
}

type DeleteMessageContent struct {
	TargetMessageID []byte `json:"targetMessageId"`
	Reason          string `json:"reason"`
}

type LeaveRequestContent struct {
	Reason string `json:"reason"`
}

type IntentContent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type ActionsContent struct {
	Actions []ActionItem `json:"actions"`
}

type ActionItem struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Encode marshals a typed Content into its wire EncodedContent. Unknown
// (Custom) content passes its original encoding straight through.
func Encode(c Content) (EncodedContent, error) {
	switch {
	case c.Text != nil:
		return encodeJSON(TypeText, c.Text)
	case c.Reaction != nil:
		return encodeJSON(TypeReaction, c.Reaction)
	case c.Reply != nil:
		return encodeJSON(TypeReply, c.Reply)
	case c.Attachment != nil:
		return encodeJSON(TypeAttachment, c.Attachment)
	case c.RemoteAttachment != nil:
		return encodeJSON(TypeRemoteAttachment, c.RemoteAttachment)
	case c.ReadReceipt != nil:
		return encodeJSON(TypeReadReceipt, c.ReadReceipt)
	case c.TransactionRef != nil:
		return encodeJSON(TypeTransactionReference, c.TransactionRef)
	case c.GroupUpdated != nil:
		return encodeJSON(TypeGroupUpdated, c.GroupUpdated)
	case c.MembershipChange != nil:
		return encodeJSON(TypeMembershipChange, c.MembershipChange)
	case c.DeleteMessage != nil:
		return encodeJSON(TypeDeleteMessage, c.DeleteMessage)
	case c.LeaveRequest != nil:
		return encodeJSON(TypeLeaveRequest, c.LeaveRequest)
	case c.Intent != nil:
		return encodeJSON(TypeIntent, c.Intent)
	case c.Actions != nil:
		return encodeJSON(TypeActions, c.Actions)
	case c.Custom != nil:
		return *c.Custom, nil
	default:
		return EncodedContent{}, errs.New(errs.KindUser, "contenttype.Encode", "empty content")
	}
}

func encodeJSON(typeID string, v any) (EncodedContent, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return EncodedContent{}, errs.Wrap(errs.KindProtocol, "contenttype.Encode", "marshal "+typeID, err)
	}
	return EncodedContent{
		AuthorityID:  DefaultAuthorityID,
		TypeID:       typeID,
		VersionMajor: 1,
		Parameters:   map[string]string{},
		Content:      b,
	}, nil
}

// Decode inverts Encode: reserved type ids are unmarshaled into their typed
// struct, anything else is preserved as Custom (spec §4.I: "Custom(EncodedContent)
// preserves unknown types end-to-end").
func Decode(ec EncodedContent) (Content, error) {
	if ec.AuthorityID != DefaultAuthorityID {
		return Content{Custom: &ec}, nil
	}
	switch ec.TypeID {
	case TypeText:
		var v TextContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{Text: &v}, nil
	case TypeReaction:
		var v ReactionContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{Reaction: &v}, nil
	case TypeReply:
		var v ReplyContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{Reply: &v}, nil
	case TypeAttachment:
		var v AttachmentContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{Attachment: &v}, nil
	case TypeRemoteAttachment:
		var v RemoteAttachmentContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{RemoteAttachment: &v}, nil
	case TypeReadReceipt:
		var v ReadReceiptContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{ReadReceipt: &v}, nil
	case TypeTransactionReference:
		var v TransactionReferenceContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{TransactionRef: &v}, nil
	case TypeGroupUpdated:
		var v GroupUpdatedContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{GroupUpdated: &v}, nil
	case TypeMembershipChange:
		var v MembershipChangeContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{MembershipChange: &v}, nil
	case TypeDeleteMessage:
		var v DeleteMessageContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{DeleteMessage: &v}, nil
	case TypeLeaveRequest:
		var v LeaveRequestContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{LeaveRequest: &v}, nil
	case TypeIntent:
		var v IntentContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{Intent: &v}, nil
	case TypeActions:
		var v ActionsContent
		if err := decodeJSON(ec, &v); err != nil {
			return Content{}, err
		}
		return Content{Actions: &v}, nil
	default:
		return Content{Custom: &ec}, nil
	}
}

func decodeJSON(ec EncodedContent, v any) error {
	if err := json.Unmarshal(ec.Content, v); err != nil {
		return errs.Wrap(errs.KindProtocol, "contenttype.Decode", "unmarshal "+ec.TypeID, err)
	}
	return nil
}

// EncryptedAttachment is the result of EncryptAttachment: detached metadata
// plus ciphertext, matching RemoteAttachmentContent's fields so the caller
// can publish both directly.
type EncryptedAttachment struct {
	Ciphertext    []byte
	Salt          []byte
	Nonce         []byte
	Secret        []byte
	ContentDigest string
	ContentLength uint64
}

// EncryptAttachment derives a fresh secret from epochSecret (bound to the
// attachment's own label so two attachments in the same epoch get distinct
// keys), then AES-256-GCM-encrypts data. Callers upload Ciphertext
// out of band and embed the returned metadata in a RemoteAttachmentContent.
func EncryptAttachment(epochSecret []byte, label string, data []byte) (EncryptedAttachment, error) {
	digest := contentDigest(data)
	secret := crypto.DeriveContentKey(epochSecret, label, 0)
	nonce, ct, err := crypto.AESGCMEncrypt(secret, data)
	if err != nil {
		return EncryptedAttachment{}, errs.Wrap(errs.KindCryptography, "contenttype.EncryptAttachment", "seal", err)
	}
	return EncryptedAttachment{
		Ciphertext:    ct,
		Salt:          []byte(label),
		Nonce:         nonce,
		Secret:        secret,
		ContentDigest: digest,
		ContentLength: uint64(len(data)),
	}, nil
}

// DecryptAttachment reverses EncryptAttachment. It fails with a content
// digest mismatch if wantDigest doesn't match the recovered plaintext
// (spec §8: "a corrupted content digest fails with `content digest
// mismatch`"), and with a decryption error for a wrong secret.
func DecryptAttachment(att EncryptedAttachment, wantDigest string) ([]byte, error) {
	plaintext, err := crypto.AESGCMDecrypt(att.Secret, att.Nonce, att.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptography, "contenttype.DecryptAttachment", "open", err)
	}
	if subtle.ConstantTimeCompare([]byte(contentDigest(plaintext)), []byte(wantDigest)) != 1 {
		return nil, errs.New(errs.KindCryptography, "contenttype.DecryptAttachment", "content digest mismatch")
	}
	return plaintext, nil
}

func contentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
