package service

import (
	"context"
	"errors"
	"testing"

	"hearth/internal/models"
)

func newFriendFixture() (*FriendService, *memFriendRepo, *memNotificationRepo) {
	friends := newMemFriendRepo()
	inbox := &memNotificationRepo{}
	notifications := NewNotificationService(inbox, nil, nil, nil)
	return NewFriendService(friends, noopUserRepo(), notifications, nil), friends, inbox
}

func TestFriendServiceSendRequestSelf(t *testing.T) {
	svc, _, _ := newFriendFixture()
	_, err := svc.SendRequest(context.Background(), "alice", "alice")
	if !models.HasCode(err, models.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFriendServiceSendRequestUnknownUser(t *testing.T) {
	users := noopUserRepo()
	users.getByIDFn = func(_ context.Context, id string) (*models.User, error) {
		return nil, models.NewNotFoundError("User", id)
	}
	svc := NewFriendService(newMemFriendRepo(), users, nil, nil)
	_, err := svc.SendRequest(context.Background(), "alice", "ghost")
	if !models.HasCode(err, models.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFriendServiceReverseRequestWhilePendingConflicts(t *testing.T) {
	ctx := context.Background()
	svc, repo, inbox := newFriendFixture()

	if _, err := svc.SendRequest(ctx, "alice", "bob"); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err := svc.SendRequest(ctx, "bob", "alice")
	if !models.HasCode(err, models.CodeConflict) {
		t.Fatalf("expected conflict for reverse pending request, got %v", err)
	}
	_, err = svc.SendRequest(ctx, "alice", "bob")
	if !models.HasCode(err, models.CodeConflict) {
		t.Fatalf("expected conflict for duplicate request, got %v", err)
	}
	if len(repo.edges) != 1 {
		t.Fatalf("expected one edge, got %d", len(repo.edges))
	}
	if got := inbox.types(); len(got) != 1 || got[0] != models.NotificationFriendRequest {
		t.Fatalf("expected one friend_request notification, got %v", got)
	}
}

func TestFriendServiceAcceptFlow(t *testing.T) {
	ctx := context.Background()
	svc, _, inbox := newFriendFixture()

	if _, err := svc.SendRequest(ctx, "alice", "bob"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Accept(ctx, "alice", "bob"); !models.HasCode(err, models.CodeForbidden) {
		t.Fatalf("requester must not accept own request, got %v", err)
	}
	f, err := svc.Accept(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if f.Status != models.FriendshipStatusAccepted {
		t.Fatalf("expected accepted, got %s", f.Status)
	}

	status, err := svc.Status(ctx, "alice", "bob")
	if err != nil || status.Status != string(models.FriendshipStatusAccepted) {
		t.Fatalf("unexpected status %+v err=%v", status, err)
	}
	if _, err := svc.SendRequest(ctx, "alice", "bob"); !models.HasCode(err, models.CodeConflict) {
		t.Fatalf("expected conflict for existing friends, got %v", err)
	}

	list, err := svc.ListFriends(ctx, "alice")
	if err != nil || len(list) != 1 || list[0].ID != "bob" {
		t.Fatalf("unexpected friends %+v err=%v", list, err)
	}
	types := inbox.types()
	if len(types) != 2 || types[1] != models.NotificationFriendAccept {
		t.Fatalf("unexpected notifications %v", types)
	}

	if err := svc.Remove(ctx, "bob", "alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	status, _ = svc.Status(ctx, "alice", "bob")
	if status.Status != StatusNone {
		t.Fatalf("expected none after remove, got %s", status.Status)
	}
}

func TestFriendServiceRejectedRequestIsReopened(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newFriendFixture()

	if _, err := svc.SendRequest(ctx, "alice", "bob"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Reject(ctx, "bob", "alice"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	f, err := svc.SendRequest(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if f.Status != models.FriendshipStatusPending || f.RequestedBy != "bob" {
		t.Fatalf("expected pending from bob, got %+v", f)
	}
	if len(repo.edges) != 1 {
		t.Fatalf("expected edge reuse, got %d edges", len(repo.edges))
	}

	incoming, _ := svc.ListPendingIncoming(ctx, "alice")
	outgoing, _ := svc.ListPendingOutgoing(ctx, "bob")
	if len(incoming) != 1 || len(outgoing) != 1 {
		t.Fatalf("expected one pending each way, got in=%d out=%d", len(incoming), len(outgoing))
	}
}

func TestFriendServiceCancel(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newFriendFixture()
	if _, err := svc.SendRequest(ctx, "alice", "bob"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := svc.Cancel(ctx, "bob", "alice"); !models.HasCode(err, models.CodeForbidden) {
		t.Fatalf("addressee must not cancel, got %v", err)
	}
	if err := svc.Cancel(ctx, "alice", "bob"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(repo.edges) != 0 {
		t.Fatal("expected edge to be deleted")
	}
}

func TestFriendServiceBlock(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newFriendFixture()

	if _, err := svc.Block(ctx, "alice", "bob"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := svc.SendRequest(ctx, "bob", "alice"); !models.HasCode(err, models.CodeForbidden) {
		t.Fatalf("blocked user must not send a request, got %v", err)
	}
	if _, err := svc.Block(ctx, "bob", "alice"); !models.HasCode(err, models.CodeForbidden) {
		t.Fatalf("blocked user must not re-block, got %v", err)
	}
	if err := svc.Unblock(ctx, "bob", "alice"); !models.HasCode(err, models.CodeForbidden) {
		t.Fatalf("only the blocker can unblock, got %v", err)
	}
	if err := svc.Remove(ctx, "alice", "bob"); !models.HasCode(err, models.CodeForbidden) {
		t.Fatalf("remove must not lift a block, got %v", err)
	}
	if err := svc.Unblock(ctx, "alice", "bob"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if _, err := svc.SendRequest(ctx, "bob", "alice"); err != nil {
		t.Fatalf("request after unblock: %v", err)
	}
}

func TestFriendServicePermissionDeniedReadsAsNoEdge(t *testing.T) {
	repo := &friendRepoStub{
		getFn: func(context.Context, string, string) (*models.Friendship, error) {
			return nil, models.NewPermissionDeniedError(errors.New("rules"))
		},
		saveFn: func(context.Context, *models.Friendship) error { return nil },
	}
	svc := NewFriendService(repo, noopUserRepo(), nil, nil)

	f, err := svc.SendRequest(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("expected denied read to be treated as missing, got %v", err)
	}
	if f.Status != models.FriendshipStatusPending {
		t.Fatalf("expected pending, got %s", f.Status)
	}
}

func TestFriendServiceNotificationFailureDoesNotFailRequest(t *testing.T) {
	inbox := &memNotificationRepo{err: errors.New("inbox down")}
	svc := NewFriendService(newMemFriendRepo(), noopUserRepo(), NewNotificationService(inbox, nil, nil, nil), nil)
	if _, err := svc.SendRequest(context.Background(), "alice", "bob"); err != nil {
		t.Fatalf("expected success despite notification failure, got %v", err)
	}
}

func TestFriendServiceStorageErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	repo := &friendRepoStub{
		getFn: func(context.Context, string, string) (*models.Friendship, error) {
			return nil, models.NewNotFoundError("Friendship", "x")
		},
		saveFn: func(context.Context, *models.Friendship) error { return boom },
	}
	svc := NewFriendService(repo, noopUserRepo(), nil, nil)
	if _, err := svc.SendRequest(context.Background(), "alice", "bob"); !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
