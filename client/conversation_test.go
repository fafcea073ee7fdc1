package client

import (
	"context"
	"testing"

	"github.com/germtb/corewire/internal/contenttype"
	"github.com/germtb/corewire/internal/fork"
	"github.com/germtb/corewire/internal/mlsgroup"
	"github.com/germtb/corewire/internal/transport"
)

func TestUpdateAdminListAddsSuperAdmin(t *testing.T) {
	ctx := context.Background()
	m := transport.NewMock()
	c := newTestClient(t, "inbox-1", m)

	conv, err := c.CreateGroup(ctx, nil, 1)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := conv.UpdateAdminList(ctx, "add", "inbox-1", true, 2); err != nil {
		t.Fatalf("UpdateAdminList: %v", err)
	}
	supers, err := conv.SuperAdminList(ctx)
	if err != nil {
		t.Fatalf("SuperAdminList: %v", err)
	}
	found := false
	for _, s := range supers {
		if s == "inbox-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("SuperAdminList = %v, want to contain inbox-1", supers)
	}
}

func TestUpdateMetadataPersists(t *testing.T) {
	ctx := context.Background()
	m := transport.NewMock()
	c := newTestClient(t, "inbox-1", m)

	conv, err := c.CreateGroup(ctx, nil, 1)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	name := "My Group"
	if _, err := conv.UpdateMetadata(ctx, &name, nil, nil, nil, nil, 2); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	gotName, _, _, err := conv.GroupMetadata(ctx)
	if err != nil {
		t.Fatalf("GroupMetadata: %v", err)
	}
	if gotName != name {
		t.Fatalf("name = %q, want %q", gotName, name)
	}
}

func TestLeaveGroupRemovesSelf(t *testing.T) {
	ctx := context.Background()
	m := transport.NewMock()
	c := newTestClient(t, "inbox-1", m)

	conv, err := c.CreateGroup(ctx, nil, 1)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	commit, err := conv.LeaveGroup(ctx, 2)
	if err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	if commit.Type != mlsgroup.CommitMembershipUpdate {
		t.Fatalf("commit.Type = %s, want %s", commit.Type, mlsgroup.CommitMembershipUpdate)
	}
}

func TestConversationStreamDeliversSentMessage(t *testing.T) {
	ctx := context.Background()
	m := transport.NewMock()
	c := newTestClient(t, "inbox-1", m)

	conv, err := c.CreateGroup(ctx, nil, 1)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	st, err := conv.Stream(ctx)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer st.Close()

	content := contenttype.Content{Text: &contenttype.TextContent{Body: "hi"}}
	if _, err := conv.Send(ctx, content, "inbox-1", 2); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-st.Messages():
		if string(msg.SenderInboxID) != "inbox-1" {
			t.Fatalf("SenderInboxID = %s, want inbox-1", msg.SenderInboxID)
		}
	case err := <-st.Err():
		t.Fatalf("stream error: %v", err)
	}
}

func TestReconcileCommitLogReportsForkOnMismatch(t *testing.T) {
	ctx := context.Background()
	m := transport.NewMock()
	c := newTestClient(t, "inbox-1", m)

	conv, err := c.CreateGroup(ctx, nil, 1)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	if err := c.fork.RecordLocal(ctx, conv.GroupID(), fork.LocalEntry{
		CommitSequenceID: 1, CommitResult: "applied", AppliedEpochAuthenticator: []byte("a"),
	}); err != nil {
		t.Fatalf("RecordLocal: %v", err)
	}
	if err := c.fork.RecordRemote(ctx, conv.GroupID(), fork.RemoteEntry{
		LogSequenceID: 1, CommitSequenceID: 1, CommitResult: "applied", AppliedEpochAuthenticator: []byte("b"),
	}); err != nil {
		t.Fatalf("RecordRemote: %v", err)
	}

	_, _, forked, err := conv.ReconcileCommitLog(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ReconcileCommitLog: %v", err)
	}
	if !forked {
		t.Fatal("expected fork to be detected on applied-epoch-authenticator mismatch")
	}
}

func TestRequestReaddDedupesAwaitingFlag(t *testing.T) {
	ctx := context.Background()
	m := transport.NewMock()
	c := newTestClient(t, "inbox-1", m)

	conv, err := c.CreateGroup(ctx, nil, 1)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	enqueued, err := conv.RequestReadd(ctx, 1)
	if err != nil {
		t.Fatalf("RequestReadd: %v", err)
	}
	if !enqueued {
		t.Fatal("expected first RequestReadd to enqueue")
	}

	enqueued, err = conv.RequestReadd(ctx, 2)
	if err != nil {
		t.Fatalf("RequestReadd (second): %v", err)
	}
	if enqueued {
		t.Fatal("expected second RequestReadd to be deduped by is_awaiting_readd")
	}
}
