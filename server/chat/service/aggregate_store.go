package service

import (
	"context"
	"strings"

	"eventchat/server/chat/domain"
	commonlog "eventchat/server/common/log"
)

type AggregateStore struct {
	repo      AggregateRepository
	directory Directory
}

func NewAggregateStore(repo AggregateRepository, directory Directory) *AggregateStore {
	return &AggregateStore{repo: repo, directory: directory}
}

// RecordMessage projects msg onto both participants' rows. The sender's row keeps its
// unread count; the recipient's row gains one. The recipient's row is returned.
func (s *AggregateStore) RecordMessage(ctx context.Context, msg domain.Message) (domain.ChatAggregate, error) {
	senderView := domain.AggregateUpdate{
		OwnerID:  msg.SenderID,
		OtherID:  msg.RecipientID,
		ChatID:   msg.ChatID,
		Content:  msg.Content,
		SenderID: msg.SenderID,
		At:       msg.CreatedAt,
		Other:    s.lookup(ctx, msg.RecipientID),
	}
	if _, err := s.repo.ApplyMessage(ctx, senderView); err != nil {
		return domain.ChatAggregate{}, storeErr("apply_sender_view", err, nil)
	}

	recipientView := domain.AggregateUpdate{
		OwnerID:         msg.RecipientID,
		OtherID:         msg.SenderID,
		ChatID:          msg.ChatID,
		Content:         msg.Content,
		SenderID:        msg.SenderID,
		At:              msg.CreatedAt,
		IncrementUnread: true,
		Other:           s.lookup(ctx, msg.SenderID),
	}
	row, err := s.repo.ApplyMessage(ctx, recipientView)
	if err != nil {
		return domain.ChatAggregate{}, storeErr("apply_recipient_view", err, nil)
	}
	return row, nil
}

func (s *AggregateStore) lookup(ctx context.Context, id string) *domain.DisplayInfo {
	if s.directory == nil {
		return nil
	}
	info, ok, err := s.directory.DisplayInfo(ctx, id)
	if err != nil {
		commonlog.Warnf("event=chat_aggregate action=directory_lookup status=failed participant_id=%s error=%v", id, err)
		return nil
	}
	if !ok {
		return nil
	}
	return &info
}

func (s *AggregateStore) Get(ctx context.Context, ownerID, otherID string) (domain.ChatAggregate, error) {
	row, err := s.repo.GetAggregate(ctx, ownerID, otherID)
	if err != nil {
		return domain.ChatAggregate{}, storeErr("get_aggregate", err, ErrAggregateNotFound)
	}
	return row, nil
}

func (s *AggregateStore) ChatList(ctx context.Context, ownerID string) ([]domain.ChatAggregate, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalidArgument("owner_id is required")
	}
	items, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, storeErr("list_aggregates", err, nil)
	}
	return items, nil
}

func (s *AggregateStore) UnreadSummary(ctx context.Context, ownerID string) (domain.UnreadSummary, error) {
	items, err := s.ChatList(ctx, ownerID)
	if err != nil {
		return domain.UnreadSummary{}, err
	}
	summary := domain.UnreadSummary{OwnerID: ownerID}
	for _, item := range items {
		if item.UnreadCount == 0 {
			continue
		}
		summary.TotalUnread += uint64(item.UnreadCount)
		summary.ChatsWithUnread++
	}
	return summary, nil
}

func (s *AggregateStore) MarkRead(ctx context.Context, ownerID, otherID string) (domain.ChatAggregate, bool, error) {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(otherID) == "" {
		return domain.ChatAggregate{}, false, invalidArgument("owner_id and other_id are required")
	}
	row, found, err := s.repo.ResetUnread(ctx, ownerID, otherID)
	if err != nil {
		return domain.ChatAggregate{}, false, storeErr("reset_unread", err, nil)
	}
	return row, found, nil
}

// SetPresence refreshes the cached online flag on every row that views targetID and
// returns the owners of those rows.
func (s *AggregateStore) SetPresence(ctx context.Context, targetID string, online bool) ([]string, error) {
	owners, err := s.repo.SetOtherOnline(ctx, targetID, online)
	if err != nil {
		return nil, storeErr("set_other_online", err, nil)
	}
	return owners, nil
}

func (s *AggregateStore) Watchers(ctx context.Context, targetID string) ([]string, error) {
	rows, err := s.repo.FindByOther(ctx, targetID)
	if err != nil {
		return nil, storeErr("find_by_other", err, nil)
	}
	owners := make([]string, 0, len(rows))
	for _, row := range rows {
		owners = append(owners, row.OwnerID)
	}
	return owners, nil
}

func (s *AggregateStore) SetTyping(ctx context.Context, ownerID, otherID string, typing bool) (bool, error) {
	found, err := s.repo.SetOtherTyping(ctx, ownerID, otherID, typing)
	if err != nil {
		return false, storeErr("set_other_typing", err, nil)
	}
	return found, nil
}

func (s *AggregateStore) DeleteChat(ctx context.Context, ownerID, otherID string) (bool, error) {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(otherID) == "" {
		return false, invalidArgument("owner_id and other_id are required")
	}
	deleted, err := s.repo.DeleteAggregate(ctx, ownerID, otherID)
	if err != nil {
		return false, storeErr("delete_aggregate", err, nil)
	}
	return deleted, nil
}
