package contenttype

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTripsReservedTypes(t *testing.T) {
	cases := []Content{
		{Text: &TextContent{Body: "hello"}},
		{Reaction: &ReactionContent{ReferenceID: "m1", Action: "added", Emoji: "👍", Schema: "unicode"}},
		{ReadReceipt: &ReadReceiptContent{}},
		{TransactionRef: &TransactionReferenceContent{NetworkID: "eip155:1", Reference: "0xabc"}},
		{GroupUpdated: &GroupUpdatedContent{InitiatedByInboxID: "inbox-1", AddedInboxIDs: []string{"inbox-2"}}},
		{MembershipChange: &MembershipChangeContent{InstalledInboxIDs: []string{"install-1"}}},
		{DeleteMessage: &DeleteMessageContent{TargetMessageID: []byte{1, 2, 3}, Reason: "abuse"}},
		{LeaveRequest: &LeaveRequestContent{Reason: "done"}},
		{Intent: &IntentContent{Kind: "readd", Payload: []byte(`{"a":1}`)}},
		{Actions: &ActionsContent{Actions: []ActionItem{{ID: "a", Label: "Approve"}}}},
	}

	for _, c := range cases {
		ec, err := Encode(c)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", c, err)
		}
		decoded, err := Decode(ec)
		if err != nil {
			t.Fatalf("Decode(%+v): %v", ec, err)
		}
		reEncoded, err := Encode(decoded)
		if err != nil {
			t.Fatalf("re-Encode: %v", err)
		}
		if !bytes.Equal(reEncoded.Content, ec.Content) || reEncoded.TypeID != ec.TypeID {
			t.Fatalf("round trip mismatch for type %s", ec.TypeID)
		}
	}
}

func TestDecodeUnknownTypeIsCustom(t *testing.T) {
	ec := EncodedContent{
		AuthorityID:  "other.app",
		TypeID:       "proprietary",
		VersionMajor: 3,
		Content:      []byte("opaque-bytes"),
	}
	decoded, err := Decode(ec)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Custom == nil {
		t.Fatal("expected Custom variant for unreserved authority/type")
	}
	if decoded.Custom.TypeID != "proprietary" || !bytes.Equal(decoded.Custom.Content, []byte("opaque-bytes")) {
		t.Fatal("Custom did not preserve original encoding")
	}

	reEncoded, err := Encode(decoded)
	if err != nil {
		t.Fatalf("re-Encode Custom: %v", err)
	}
	if reEncoded.TypeID != ec.TypeID || !bytes.Equal(reEncoded.Content, ec.Content) {
		t.Fatal("Custom did not round trip end to end")
	}
}

func TestAttachmentEncryptDecryptRoundTrip(t *testing.T) {
	epochSecret := bytes.Repeat([]byte{0x42}, 32)
	data := []byte("the attached file contents")

	enc, err := EncryptAttachment(epochSecret, "att-1", data)
	if err != nil {
		t.Fatalf("EncryptAttachment: %v", err)
	}
	got, err := DecryptAttachment(enc, enc.ContentDigest)
	if err != nil {
		t.Fatalf("DecryptAttachment: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("decrypted attachment does not match original")
	}
}

func TestAttachmentDecryptDetectsCorruptedDigest(t *testing.T) {
	epochSecret := bytes.Repeat([]byte{0x11}, 32)
	enc, err := EncryptAttachment(epochSecret, "att-2", []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptAttachment: %v", err)
	}
	if _, err := DecryptAttachment(enc, "not-the-real-digest"); err == nil {
		t.Fatal("expected content digest mismatch error")
	}
}

func TestAttachmentDecryptDetectsWrongSecret(t *testing.T) {
	epochSecret := bytes.Repeat([]byte{0x22}, 32)
	enc, err := EncryptAttachment(epochSecret, "att-3", []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptAttachment: %v", err)
	}
	enc.Secret = bytes.Repeat([]byte{0x99}, 32)
	if _, err := DecryptAttachment(enc, enc.ContentDigest); err == nil {
		t.Fatal("expected decryption failure with wrong secret")
	}
}
