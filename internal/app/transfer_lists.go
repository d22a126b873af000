package app

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/domain"
)

const maxTransferListNameLength = 60

// CreateTransferList saves a named group of recipients the owner can pay in one bulk
// transfer. Members keep the order they were given in.
func (s *Service) CreateTransferList(ctx context.Context, ownerID uuid.UUID, payload domain.CreateTransferListPayload) (*domain.TransferList, error) {
	name, err := normalizeTransferListName(payload.Name)
	if err != nil {
		return nil, err
	}
	owner, err := s.requireSender(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	memberIDs, err := s.resolveTransferListMembers(ctx, owner.ID, payload.MemberUsernames)
	if err != nil {
		return nil, err
	}

	list, err := s.repo.CreateTransferList(ctx, &domain.TransferList{
		ID:      uuid.New(),
		OwnerID: owner.ID,
		Name:    name,
	}, memberIDs)
	if err != nil {
		return nil, translate(err)
	}
	s.logger.Info("transfer list created",
		zap.String("list_id", list.ID.String()),
		zap.String("owner_id", owner.ID.String()),
		zap.Int("members", len(memberIDs)),
	)
	return list, nil
}

func (s *Service) ListTransferLists(ctx context.Context, ownerID uuid.UUID, opts domain.TransferListListOptions) ([]domain.TransferListSummary, error) {
	lists, err := s.repo.ListTransferListsByOwner(ctx, ownerID, opts)
	if err != nil {
		return nil, translate(err)
	}
	if lists == nil {
		lists = []domain.TransferListSummary{}
	}
	return lists, nil
}

func (s *Service) GetTransferList(ctx context.Context, ownerID, listID uuid.UUID) (*domain.TransferList, error) {
	list, err := s.repo.GetTransferListByID(ctx, ownerID, listID)
	if err != nil {
		return nil, translate(err)
	}
	return list, nil
}

// UpdateTransferList renames the list and replaces its members wholesale.
func (s *Service) UpdateTransferList(ctx context.Context, ownerID, listID uuid.UUID, payload domain.UpdateTransferListPayload) (*domain.TransferList, error) {
	name, err := normalizeTransferListName(payload.Name)
	if err != nil {
		return nil, err
	}
	memberIDs, err := s.resolveTransferListMembers(ctx, ownerID, payload.MemberUsernames)
	if err != nil {
		return nil, err
	}
	list, err := s.repo.UpdateTransferList(ctx, ownerID, listID, name, memberIDs)
	if err != nil {
		return nil, translate(err)
	}
	return list, nil
}

// ToggleTransferListMember adds the user when absent and removes them when present.
func (s *Service) ToggleTransferListMember(ctx context.Context, ownerID, listID uuid.UUID, payload domain.ToggleTransferListMemberPayload) (*domain.ToggleTransferListMemberResult, error) {
	member, err := s.findRecipient(ctx, payload.Username)
	if err != nil {
		return nil, err
	}
	if member.ID == ownerID {
		return nil, invalidInput("you cannot add yourself to a transfer list")
	}
	list, isMember, err := s.repo.ToggleTransferListMember(ctx, ownerID, listID, member.ID, s.cfg.BulkTransferMaxItems)
	if err != nil {
		return nil, translate(err)
	}
	return &domain.ToggleTransferListMemberResult{List: list, IsMember: isMember}, nil
}

func (s *Service) DeleteTransferList(ctx context.Context, ownerID, listID uuid.UUID) error {
	deleted, err := s.repo.DeleteTransferList(ctx, ownerID, listID)
	if err != nil {
		return translate(err)
	}
	if !deleted {
		return notFound("transfer list not found")
	}
	return nil
}

// transferListItems expands a saved list into bulk transfer items that all carry the
// same amount and description.
func (s *Service) transferListItems(ctx context.Context, ownerID uuid.UUID, req domain.BulkP2PTransferRequest) ([]domain.BulkP2PTransferItem, error) {
	if len(req.Transfers) > 0 {
		return nil, invalidInput("send either transfers or transfer_list_id, not both")
	}
	if req.AmountPerRecipient <= 0 {
		return nil, invalidInput("amount_per_recipient must be positive when paying a transfer list")
	}
	list, err := s.repo.GetTransferListByID(ctx, ownerID, *req.TransferListID)
	if err != nil {
		return nil, translate(err)
	}
	items := make([]domain.BulkP2PTransferItem, 0, len(list.Members))
	for _, member := range list.Members {
		items = append(items, domain.BulkP2PTransferItem{
			RecipientUsername: member.Username,
			Amount:            req.AmountPerRecipient,
			Description:       req.Description,
		})
	}
	return items, nil
}

func normalizeTransferListName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", invalidInput("list name is required")
	}
	if utf8.RuneCountInString(name) > maxTransferListNameLength {
		return "", invalidInput(fmt.Sprintf("list name must be at most %d characters", maxTransferListNameLength))
	}
	return name, nil
}

func (s *Service) resolveTransferListMembers(ctx context.Context, ownerID uuid.UUID, usernames []string) ([]uuid.UUID, error) {
	if len(usernames) == 0 {
		return nil, invalidInput("a transfer list needs at least one member")
	}
	if len(usernames) > s.cfg.BulkTransferMaxItems {
		return nil, invalidInput(fmt.Sprintf("a transfer list may contain at most %d members", s.cfg.BulkTransferMaxItems))
	}

	seen := make(map[uuid.UUID]struct{}, len(usernames))
	memberIDs := make([]uuid.UUID, 0, len(usernames))
	for _, raw := range usernames {
		user, err := s.findRecipient(ctx, raw)
		if err != nil {
			return nil, err
		}
		if user.ID == ownerID {
			return nil, invalidInput("you cannot add yourself to a transfer list")
		}
		if _, dup := seen[user.ID]; dup {
			return nil, invalidInput(fmt.Sprintf("%s appears more than once", user.Username))
		}
		seen[user.ID] = struct{}{}
		memberIDs = append(memberIDs, user.ID)
	}
	return memberIDs, nil
}
