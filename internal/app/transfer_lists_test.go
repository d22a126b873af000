package app

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/payments-core/internal/domain"
)

func TestCreateTransferList(t *testing.T) {
	repo := newMemRepo()
	alice := repo.addUser("alice", 0)
	repo.addUser("bob", 0)
	repo.addUser("carol", 0)
	svc, _ := newTestService(t, repo, nil)
	ctx := context.Background()

	list, err := svc.CreateTransferList(ctx, alice.ID, domain.CreateTransferListPayload{
		Name: "  Flatmates ", MemberUsernames: []string{"Carol", "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Flatmates", list.Name)
	require.Len(t, list.Members, 2)
	assert.Equal(t, "carol", list.Members[0].Username, "members keep the order they were given in")
	assert.Equal(t, "bob", list.Members[1].Username)

	tests := []struct {
		name    string
		payload domain.CreateTransferListPayload
		wantErr error
	}{
		{"blank name", domain.CreateTransferListPayload{Name: " ", MemberUsernames: []string{"bob"}}, domain.ErrInvalidInput},
		{"long name", domain.CreateTransferListPayload{Name: strings.Repeat("x", 61), MemberUsernames: []string{"bob"}}, domain.ErrInvalidInput},
		{"no members", domain.CreateTransferListPayload{Name: "Empty"}, domain.ErrInvalidInput},
		{"self", domain.CreateTransferListPayload{Name: "Me", MemberUsernames: []string{"alice"}}, domain.ErrInvalidInput},
		{"duplicate", domain.CreateTransferListPayload{Name: "Twice", MemberUsernames: []string{"bob", " BOB"}}, domain.ErrInvalidInput},
		{"unknown", domain.CreateTransferListPayload{Name: "Ghosts", MemberUsernames: []string{"ghost"}}, domain.ErrNotFound},
		{"too many", domain.CreateTransferListPayload{Name: "Crowd", MemberUsernames: []string{"bob", "carol", "dan", "erin"}}, domain.ErrInvalidInput},
		{"name taken", domain.CreateTransferListPayload{Name: "flatmates", MemberUsernames: []string{"bob"}}, domain.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTransferList(ctx, alice.ID, tt.payload)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUpdateAndDeleteTransferList(t *testing.T) {
	repo := newMemRepo()
	alice := repo.addUser("alice", 0)
	mallory := repo.addUser("mallory", 0)
	repo.addUser("bob", 0)
	repo.addUser("carol", 0)
	svc, _ := newTestService(t, repo, nil)
	ctx := context.Background()

	list, err := svc.CreateTransferList(ctx, alice.ID, domain.CreateTransferListPayload{Name: "Team", MemberUsernames: []string{"bob"}})
	require.NoError(t, err)

	updated, err := svc.UpdateTransferList(ctx, alice.ID, list.ID, domain.UpdateTransferListPayload{
		Name: "Team B", MemberUsernames: []string{"carol"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Team B", updated.Name)
	require.Len(t, updated.Members, 1)
	assert.Equal(t, "carol", updated.Members[0].Username)

	_, err = svc.GetTransferList(ctx, mallory.ID, list.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "lists are private to their owner")
	assert.ErrorIs(t, svc.DeleteTransferList(ctx, mallory.ID, list.ID), domain.ErrNotFound)

	require.NoError(t, svc.DeleteTransferList(ctx, alice.ID, list.ID))
	_, err = svc.GetTransferList(ctx, alice.ID, list.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteTransferList(ctx, alice.ID, list.ID), domain.ErrNotFound)
}

func TestToggleTransferListMember(t *testing.T) {
	repo := newMemRepo()
	alice := repo.addUser("alice", 0)
	for _, name := range []string{"bob", "carol", "dan", "erin"} {
		repo.addUser(name, 0)
	}
	svc, _ := newTestService(t, repo, nil)
	ctx := context.Background()

	list, err := svc.CreateTransferList(ctx, alice.ID, domain.CreateTransferListPayload{Name: "Team", MemberUsernames: []string{"bob"}})
	require.NoError(t, err)

	_, err = svc.ToggleTransferListMember(ctx, alice.ID, list.ID, domain.ToggleTransferListMemberPayload{Username: "bob"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "the last member cannot be removed")

	added, err := svc.ToggleTransferListMember(ctx, alice.ID, list.ID, domain.ToggleTransferListMemberPayload{Username: "carol"})
	require.NoError(t, err)
	assert.True(t, added.IsMember)
	assert.Equal(t, 2, added.List.MemberCount)

	removed, err := svc.ToggleTransferListMember(ctx, alice.ID, list.ID, domain.ToggleTransferListMemberPayload{Username: "bob"})
	require.NoError(t, err)
	assert.False(t, removed.IsMember)
	require.Len(t, removed.List.Members, 1)
	assert.Equal(t, "carol", removed.List.Members[0].Username)

	for _, name := range []string{"dan", "erin"} {
		_, err = svc.ToggleTransferListMember(ctx, alice.ID, list.ID, domain.ToggleTransferListMemberPayload{Username: name})
		require.NoError(t, err)
	}
	_, err = svc.ToggleTransferListMember(ctx, alice.ID, list.ID, domain.ToggleTransferListMemberPayload{Username: "bob"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "lists are capped at the bulk transfer size")

	_, err = svc.ToggleTransferListMember(ctx, alice.ID, list.ID, domain.ToggleTransferListMemberPayload{Username: "alice"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.ToggleTransferListMember(ctx, alice.ID, uuid.New(), domain.ToggleTransferListMemberPayload{Username: "bob"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcessBulkP2PTransfer_FromTransferList(t *testing.T) {
	repo := newMemRepo()
	alice := repo.addUser("alice", 10_000)
	bob := repo.addUser("bob", 0)
	carol := repo.addUser("carol", 0)
	svc, _ := newTestService(t, repo, nil)
	ctx := context.Background()

	list, err := svc.CreateTransferList(ctx, alice.ID, domain.CreateTransferListPayload{Name: "Rent", MemberUsernames: []string{"bob", "carol"}})
	require.NoError(t, err)

	result, err := svc.ProcessBulkP2PTransfer(ctx, alice.ID, domain.BulkP2PTransferRequest{
		TransferListID:     &list.ID,
		AmountPerRecipient: 2_000,
		Description:        "March rent",
	})
	require.NoError(t, err)
	require.Len(t, result.Successful, 2)
	assert.Empty(t, result.Failed)
	assert.Equal(t, "March rent", result.Successful[0].Description)
	assert.Equal(t, int64(2_000), repo.balance(bob.ID))
	assert.Equal(t, int64(2_000), repo.balance(carol.ID))
	assert.Equal(t, int64(10_000-2*(2_000+testFee)), repo.balance(alice.ID))

	_, err = svc.ProcessBulkP2PTransfer(ctx, alice.ID, domain.BulkP2PTransferRequest{TransferListID: &list.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "a list needs an amount per recipient")

	_, err = svc.ProcessBulkP2PTransfer(ctx, alice.ID, domain.BulkP2PTransferRequest{
		TransferListID:     &list.ID,
		AmountPerRecipient: 1_000,
		Transfers:          []domain.BulkP2PTransferItem{{RecipientUsername: "bob", Amount: 1_000}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "a list and explicit items are exclusive")

	missing := uuid.New()
	_, err = svc.ProcessBulkP2PTransfer(ctx, alice.ID, domain.BulkP2PTransferRequest{TransferListID: &missing, AmountPerRecipient: 1_000})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
