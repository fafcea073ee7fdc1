package identity

import "testing"

func sig(kind SignatureKind, signer string, b byte) Signature {
	return Signature{Kind: kind, Signer: signer, Bytes: []byte{b}}
}

func createInboxUpdates(owner string) []Update {
	return []Update{
		{
			SequenceID: 1,
			Kind:       CreateInbox,
			Nonce:      0,
			NewMember:  MemberMeta{ID: owner, Kind: MemberWallet},
			InitialAddressSignature: sig(SigECDSA, owner, 1),
		},
	}
}

func TestCreateInboxThenAddInstallation(t *testing.T) {
	updates := createInboxUpdates("wallet-a")
	updates = append(updates, Update{
		SequenceID: 2,
		Kind:       AddAssociation,
		NewMember:  MemberMeta{ID: "install-1", Kind: MemberInstallation},
		Signatures: []Signature{
			sig(SigECDSA, "wallet-a", 2),
			sig(SigInstallationKey, "install-1", 3),
		},
	})

	state, err := Resolve("inbox-1", updates, 0)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if !state.IsMember("install-1") {
		t.Fatal("expected install-1 to be a member")
	}
	if state.InstallCount != 1 {
		t.Fatalf("InstallCount = %d, want 1", state.InstallCount)
	}
	if state.RecoveryID != "wallet-a" {
		t.Fatalf("RecoveryID = %q, want wallet-a", state.RecoveryID)
	}
}

func TestInstallationCannotAddInstallation(t *testing.T) {
	updates := createInboxUpdates("wallet-a")
	updates = append(updates,
		Update{
			SequenceID: 2,
			Kind:       AddAssociation,
			NewMember:  MemberMeta{ID: "install-1", Kind: MemberInstallation},
			Signatures: []Signature{sig(SigECDSA, "wallet-a", 2), sig(SigInstallationKey, "install-1", 3)},
		},
		Update{
			SequenceID: 3,
			Kind:       AddAssociation,
			NewMember:  MemberMeta{ID: "install-2", Kind: MemberInstallation},
			Signatures: []Signature{sig(SigInstallationKey, "install-1", 4), sig(SigInstallationKey, "install-2", 5)},
		},
	)
	if _, err := Resolve("inbox-1", updates, 0); err == nil {
		t.Fatal("expected error: installations may not add installations")
	}
}

func TestTooManyInstallationsRejected(t *testing.T) {
	updates := createInboxUpdates("wallet-a")
	for i := 0; i < 3; i++ {
		updates = append(updates, Update{
			SequenceID: uint64(2 + i),
			Kind:       AddAssociation,
			NewMember:  MemberMeta{ID: string(rune('A' + i)), Kind: MemberInstallation},
			Signatures: []Signature{sig(SigECDSA, "wallet-a", byte(10+i)), sig(SigInstallationKey, string(rune('A'+i)), byte(20+i))},
		})
	}
	if _, err := Resolve("inbox-1", updates, 2); err == nil {
		t.Fatal("expected TooManyInstallations")
	}
}

func TestRevokeRemovesInstallationsToo(t *testing.T) {
	updates := createInboxUpdates("wallet-a")
	updates = append(updates,
		Update{
			SequenceID: 2,
			Kind:       AddAssociation,
			NewMember:  MemberMeta{ID: "wallet-b", Kind: MemberWallet},
			Signatures: []Signature{sig(SigECDSA, "wallet-a", 2), sig(SigECDSA, "wallet-b", 3)},
		},
		Update{
			SequenceID: 3,
			Kind:       AddAssociation,
			NewMember:  MemberMeta{ID: "install-1", Kind: MemberInstallation},
			Signatures: []Signature{sig(SigECDSA, "wallet-b", 4), sig(SigInstallationKey, "install-1", 5)},
		},
		Update{
			SequenceID:   4,
			Kind:         RevokeAssociation,
			TargetMember: "wallet-b",
			Signatures:   []Signature{sig(SigECDSA, "wallet-a", 6)},
		},
	)
	state, err := Resolve("inbox-1", updates, 0)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if state.IsMember("wallet-b") || state.IsMember("install-1") {
		t.Fatal("expected wallet-b and its installation to be removed")
	}
	if state.InstallCount != 0 {
		t.Fatalf("InstallCount = %d, want 0", state.InstallCount)
	}
}

func TestReplayedSignatureRejected(t *testing.T) {
	s := sig(SigECDSA, "wallet-a", 9)
	updates := createInboxUpdates("wallet-a")
	updates[0].InitialAddressSignature = s
	updates = append(updates, Update{
		SequenceID:   2,
		Kind:         ChangeRecoveryAddress,
		NewRecovery:  "wallet-c",
		Signatures:   []Signature{s}, // reusing the CreateInbox signature bytes
	})
	if _, err := Resolve("inbox-1", updates, 0); err == nil {
		t.Fatal("expected Replay error")
	}
}

func TestLegacyDelegatedOnlyOnNonceZero(t *testing.T) {
	updates := []Update{{
		SequenceID:              1,
		Kind:                    CreateInbox,
		Nonce:                   1,
		NewMember:               MemberMeta{ID: "wallet-a", Kind: MemberWallet},
		InitialAddressSignature: sig(SigLegacyDelegated, "wallet-a", 1),
	}}
	if _, err := Resolve("inbox-1", updates, 0); err == nil {
		t.Fatal("expected legacy-delegated rejection on nonzero nonce")
	}
}

func TestReplayFromScratchIsDeterministic(t *testing.T) {
	updates := createInboxUpdates("wallet-a")
	updates = append(updates, Update{
		SequenceID: 2,
		Kind:       AddAssociation,
		NewMember:  MemberMeta{ID: "install-1", Kind: MemberInstallation},
		Signatures: []Signature{sig(SigECDSA, "wallet-a", 2), sig(SigInstallationKey, "install-1", 3)},
	})

	s1, err := Resolve("inbox-1", updates, 0)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	s2, err := Resolve("inbox-1", updates, 0)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if len(s1.Members) != len(s2.Members) || s1.RecoveryID != s2.RecoveryID {
		t.Fatal("replaying the same log twice produced different states")
	}
}

func TestResolveFromCacheMatchesFullReplay(t *testing.T) {
	first := createInboxUpdates("wallet-a")
	rest := []Update{{
		SequenceID: 2,
		Kind:       AddAssociation,
		NewMember:  MemberMeta{ID: "install-1", Kind: MemberInstallation},
		Signatures: []Signature{sig(SigECDSA, "wallet-a", 2), sig(SigInstallationKey, "install-1", 3)},
	}}

	full, err := Resolve("inbox-1", append(append([]Update{}, first...), rest...), 0)
	if err != nil {
		t.Fatalf("full resolve: %v", err)
	}
	base, err := Resolve("inbox-1", first, 0)
	if err != nil {
		t.Fatalf("base resolve: %v", err)
	}
	incremental, err := ResolveFrom(base, rest, 0)
	if err != nil {
		t.Fatalf("incremental resolve: %v", err)
	}
	if len(full.Members) != len(incremental.Members) {
		t.Fatalf("member count mismatch: %d vs %d", len(full.Members), len(incremental.Members))
	}
}
