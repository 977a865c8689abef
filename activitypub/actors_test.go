package activitypub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/fedtube/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// actorServer serves one actor document and counts fetches.
func actorServer(t *testing.T, doc func(base string) map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "application/activity+json", r.Header.Get("Accept"))
		if r.URL.Path != "/accounts/bob" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/activity+json")
		json.NewEncoder(w).Encode(doc(server.URL))
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func bobDocument(base string) map[string]any {
	return map[string]any{
		"@context":          "https://www.w3.org/ns/activitystreams",
		"id":                base + "/accounts/bob",
		"type":              "Person",
		"preferredUsername": "bob",
		"name":              "Bob",
		"inbox":             base + "/accounts/bob/inbox",
		"endpoints":         map[string]any{"sharedInbox": base + "/inbox"},
		"publicKey": map[string]any{
			"id":           base + "/accounts/bob#main-key",
			"owner":        base + "/accounts/bob",
			"publicKeyPem": "bob-pem",
		},
	}
}

func TestActorResolverFetchesAndCaches(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	server, hits := actorServer(t, bobDocument)
	resolver, err := NewActorResolver(database, 8, time.Hour, zap.NewNop())
	require.NoError(t, err)

	actor, err := resolver.Resolve(ctx, server.URL+"/accounts/bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", actor.Username)
	assert.Equal(t, server.URL+"/inbox", actor.DeliveryInbox())
	assert.False(t, actor.IsLocal())
	require.NotNil(t, actor.ServerId)

	again, err := resolver.Resolve(ctx, server.URL+"/accounts/bob")
	require.NoError(t, err)
	assert.Equal(t, actor.Id, again.Id)
	assert.Equal(t, int32(1), hits.Load())

	// the stored copy is used once the cache forgets it
	resolver.Forget(actor.URL)
	_, err = resolver.Resolve(ctx, server.URL+"/accounts/bob")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestActorResolverRefreshesStaleActors(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	server, hits := actorServer(t, bobDocument)
	resolver, err := NewActorResolver(database, 8, time.Nanosecond, zap.NewNop())
	require.NoError(t, err)

	first, err := resolver.Resolve(ctx, server.URL+"/accounts/bob")
	require.NoError(t, err)
	second, err := resolver.Resolve(ctx, server.URL+"/accounts/bob")
	require.NoError(t, err)

	assert.Equal(t, first.Id, second.Id, "identity survives refresh")
	assert.Equal(t, int32(2), hits.Load())

	// a failing origin falls back to the stale copy
	server.Close()
	stale, err := resolver.Resolve(ctx, first.URL)
	require.NoError(t, err)
	assert.Equal(t, first.Id, stale.Id)
}

func TestActorResolverRejectsBadDocuments(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)

	t.Run("id mismatch", func(t *testing.T) {
		server, _ := actorServer(t, func(base string) map[string]any {
			doc := bobDocument(base)
			doc["id"] = "https://evil.example/accounts/bob"
			return doc
		})
		resolver, err := NewActorResolver(database, 8, time.Hour, zap.NewNop())
		require.NoError(t, err)
		_, err = resolver.Resolve(ctx, server.URL+"/accounts/bob")
		assert.Error(t, err)
	})

	t.Run("missing key", func(t *testing.T) {
		server, _ := actorServer(t, func(base string) map[string]any {
			doc := bobDocument(base)
			delete(doc, "publicKey")
			return doc
		})
		resolver, err := NewActorResolver(database, 8, time.Hour, zap.NewNop())
		require.NoError(t, err)
		_, err = resolver.Resolve(ctx, server.URL+"/accounts/bob")
		assert.Error(t, err)
	})

	t.Run("not found", func(t *testing.T) {
		server, _ := actorServer(t, bobDocument)
		resolver, err := NewActorResolver(database, 8, time.Hour, zap.NewNop())
		require.NoError(t, err)
		_, err = resolver.Resolve(ctx, server.URL+"/accounts/nobody")
		assert.Error(t, err)
	})
}

func TestActorResolverStoreKeepsLocalActors(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	local := createLocalActor(t, database, "peertube", domain.ActorApplication)
	resolver, err := NewActorResolver(database, 8, time.Hour, zap.NewNop())
	require.NoError(t, err)

	_, err = resolver.Store(ctx, &ActorObject{
		Id:                local.URL,
		Type:              "Application",
		PreferredUsername: "peertube",
		Inbox:             local.InboxURL,
		PublicKeyPem:      "attacker-pem",
	})
	assert.Error(t, err)

	resolved, err := resolver.Resolve(ctx, local.URL)
	require.NoError(t, err)
	assert.Equal(t, "pem", resolved.PublicKeyPem)
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{"https://peertube.example/accounts/alice", "peertube.example", false},
		{"https://peertube.example:8443/video-channels/main", "peertube.example:8443", false},
		{"/accounts/alice", "", true},
		{"://broken", "", true},
	}
	for _, tt := range tests {
		got, err := extractDomain(tt.uri)
		if tt.wantErr {
			assert.Error(t, err, tt.uri)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
