package db

import (
	"context"
	"errors"
	"testing"

	"github.com/deemkeen/fedtube/domain"
)

func TestUpsertServer(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	first, err := database.UpsertServer(ctx, "peer.example")
	if err != nil {
		t.Fatalf("UpsertServer failed: %v", err)
	}
	second, err := database.UpsertServer(ctx, "peer.example")
	if err != nil {
		t.Fatalf("UpsertServer failed: %v", err)
	}
	if first.Id != second.Id {
		t.Errorf("Expected same server id, got %s and %s", first.Id, second.Id)
	}
	if first.RedundancyAllowed {
		t.Error("New servers should not allow redundancy")
	}

	if err := database.SetServerRedundancyAllowed(ctx, first.Id, true); err != nil {
		t.Fatalf("SetServerRedundancyAllowed failed: %v", err)
	}
	got, err := database.ReadServerById(ctx, first.Id)
	if err != nil {
		t.Fatalf("ReadServerById failed: %v", err)
	}
	if !got.RedundancyAllowed {
		t.Error("Expected redundancy to be allowed")
	}

	servers, err := database.ReadServersWithoutRedundancy(ctx)
	if err != nil {
		t.Fatalf("ReadServersWithoutRedundancy failed: %v", err)
	}
	if len(servers) != 0 {
		t.Errorf("Expected no servers without redundancy, got %d", len(servers))
	}
}

func TestUpsertRemoteActor_KeepsIdentity(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	actor := createTestRemoteActor(t, database, "peer.example", "alice")
	if actor.ServerId == nil {
		t.Fatal("Expected remote actor to be attached to a server")
	}
	if actor.Host != "peer.example" {
		t.Errorf("Expected host peer.example, got %s", actor.Host)
	}

	refreshed, err := database.UpsertRemoteActor(ctx, &domain.Actor{
		Type:         domain.ActorPerson,
		URL:          actor.URL,
		Username:     "alice",
		DisplayName:  "Alice",
		InboxURL:     "https://peer.example/new-inbox",
		PublicKeyPem: "pem2",
		Host:         "peer.example",
	})
	if err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}
	if refreshed.Id != actor.Id {
		t.Errorf("Actor id changed on refresh: %s -> %s", actor.Id, refreshed.Id)
	}
	if refreshed.DisplayName != "Alice" || refreshed.InboxURL != "https://peer.example/new-inbox" || refreshed.PublicKeyPem != "pem2" {
		t.Errorf("Profile fields not refreshed: %+v", refreshed)
	}

	if _, err := database.UpsertRemoteActor(ctx, &domain.Actor{URL: "https://x/y"}); err == nil {
		t.Error("Expected error for remote actor without host")
	}
}

func TestReadLocalActor(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	local := createTestLocalActor(t, database, "peertube", domain.ActorApplication)

	got, err := database.ReadLocalActor(ctx, "peertube", domain.ActorApplication)
	if err != nil {
		t.Fatalf("ReadLocalActor failed: %v", err)
	}
	if got.Id != local.Id || !got.IsLocal() {
		t.Errorf("Unexpected local actor: %+v", got)
	}

	if _, err := database.ReadLocalActor(ctx, "peertube", domain.ActorPerson); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for wrong type, got %v", err)
	}
}

func TestDeleteActor_CascadesFollows(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	local := createTestLocalActor(t, database, "peertube", domain.ActorApplication)
	remote := createTestRemoteActor(t, database, "peer.example", "bob")

	if _, err := database.InsertFollowIfAbsent(ctx, &domain.Follow{ActorId: remote.Id, TargetActorId: local.Id, State: domain.FollowAccepted}); err != nil {
		t.Fatalf("InsertFollowIfAbsent failed: %v", err)
	}

	deleted, err := database.DeleteActor(ctx, remote.Id)
	if err != nil || !deleted {
		t.Fatalf("DeleteActor failed: %v (deleted=%v)", err, deleted)
	}
	if _, err := database.ReadFollow(ctx, remote.Id, local.Id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected follow to be removed with its actor, got %v", err)
	}
}
