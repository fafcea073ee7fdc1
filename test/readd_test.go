package test

import (
	"context"
	"testing"

	"github.com/germtb/corewire/internal/transport"
)

// TestReaddAllowListScenario matches spec.md §8 scenario 5: Bob creates a
// group containing only Bob and Caro, both super-admins. Alice is added
// later and allow-lists the group locally. After a fork is discovered on
// Alice's installation, Alice's and Bob's RequestReadd both record a
// pending readd; Caro's does not, because her local replica has not yet
// observed the commit that promoted her to super-admin, so her own
// installation has nothing but a stale admin view to check against.
func TestReaddAllowListScenario(t *testing.T) {
	ctx := context.Background()
	mock := transport.NewMock()

	bob := newInstallation(t, "bob-inbox", mock)
	alice := newInstallation(t, "alice-inbox", mock)
	caro := newInstallation(t, "caro-inbox", mock)
	for _, inst := range []*installation{alice, caro} {
		if err := inst.PublishKeyPackage(ctx); err != nil {
			t.Fatalf("PublishKeyPackage(%s): %v", inst.InboxID(), err)
		}
	}
	bobConv, err := bob.CreateGroup(ctx, []string{"caro-inbox"}, 1)
	if err != nil {
		t.Fatalf("Bob CreateGroup: %v", err)
	}
	if _, err := bobConv.UpdateAdminList(ctx, "add", "caro-inbox", true, 2); err != nil {
		t.Fatalf("Bob UpdateAdminList(caro, super): %v", err)
	}
	if _, err := bobConv.AddMembers(ctx, []string{"alice-inbox"}, 3); err != nil {
		t.Fatalf("Bob AddMembers(alice): %v", err)
	}
	groupID := bobConv.GroupID()

	bobEnqueued, err := bobConv.RequestReadd(ctx, 10)
	if err != nil {
		t.Fatalf("Bob RequestReadd: %v", err)
	}
	if !bobEnqueued {
		t.Fatal("expected super-admin Bob's readd request to be recorded")
	}

	seedLocalGroupRow(t, alice, groupID, "bob-inbox", "group", `["bob-inbox","caro-inbox"]`, `["bob-inbox","caro-inbox"]`)
	aliceConv, err := alice.Conversation(ctx, groupID)
	if err != nil {
		t.Fatalf("Alice Conversation: %v", err)
	}
	if _, err := aliceConv.RequestReadd(ctx, 10); err == nil {
		t.Fatal("expected Alice's request to be rejected before she allow-lists the group")
	}
	if err := aliceConv.AllowListForReadd(ctx, 10); err != nil {
		t.Fatalf("Alice AllowListForReadd: %v", err)
	}
	aliceEnqueued, err := aliceConv.RequestReadd(ctx, 11)
	if err != nil {
		t.Fatalf("Alice RequestReadd: %v", err)
	}
	if !aliceEnqueued {
		t.Fatal("expected allow-listed Alice's readd request to be recorded")
	}

	seedLocalGroupRow(t, caro, groupID, "bob-inbox", "group", `["bob-inbox"]`, `["bob-inbox"]`)
	caroConv, err := caro.Conversation(ctx, groupID)
	if err != nil {
		t.Fatalf("Caro Conversation: %v", err)
	}
	if _, err := caroConv.RequestReadd(ctx, 10); err == nil {
		t.Fatal("expected Caro's request to be rejected: her local replica does not yet list her as super-admin, and she never allow-listed the group")
	}
}
