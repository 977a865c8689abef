package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedtube/db"
	"github.com/deemkeen/fedtube/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDomain = "tube.example"

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, _ := setupTestDBAt(t)
	return database
}

func setupTestDBAt(t *testing.T) (*db.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(path, 3, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database, path
}

// failOn makes every event (INSERT, UPDATE, DELETE) on table abort, through
// a second connection to the database file at path.
func failOn(t *testing.T, path, event, table string) {
	t.Helper()
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(fmt.Sprintf(`CREATE TRIGGER fail_%s_%s BEFORE %s ON %s
		BEGIN SELECT RAISE(ABORT, 'injected failure'); END`, strings.ToLower(event), table, event, table))
	require.NoError(t, err)
}

func createLocalActor(t *testing.T, database *db.DB, username string, actorType domain.ActorType) *domain.Actor {
	t.Helper()
	base := fmt.Sprintf("https://%s/accounts/%s", testDomain, username)
	actor := &domain.Actor{
		Id:            uuid.New(),
		Type:          actorType,
		URL:           base,
		Username:      username,
		InboxURL:      base + "/inbox",
		PublicKeyPem:  "pem",
		PrivateKeyPem: "private",
		CreatedAt:     time.Now(),
		LastFetchedAt: time.Now(),
	}
	require.NoError(t, database.CreateActor(context.Background(), actor))
	return actor
}

// createRemoteActor stores a freshly fetched remote actor so resolving it
// never goes to the network.
func createRemoteActor(t *testing.T, database *db.DB, host, path string, actorType domain.ActorType) *domain.Actor {
	t.Helper()
	url := "https://" + host + path
	actor, err := database.UpsertRemoteActor(context.Background(), &domain.Actor{
		Type:           actorType,
		URL:            url,
		Username:       filepath.Base(path),
		InboxURL:       url + "/inbox",
		SharedInboxURL: "https://" + host + "/inbox",
		PublicKeyPem:   "pem",
		Host:           host,
		LastFetchedAt:  time.Now(),
	})
	require.NoError(t, err)
	return actor
}

// decode turns a JSON literal into the value shape Validate receives.
func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func mustValidate(t *testing.T, s string) Activity {
	t.Helper()
	activity, err := Validate(decode(t, s))
	require.NoError(t, err)
	return activity
}

func videoJSON(id, channel string) string {
	return fmt.Sprintf(`{
		"type": "Video",
		"id": %q,
		"name": "A video about gophers",
		"duration": "PT93S",
		"uuid": %q,
		"views": 12,
		"sensitive": false,
		"commentsEnabled": true,
		"published": "2024-05-01T10:00:00Z",
		"updated": "2024-05-02T10:00:00Z",
		"mediaType": "text/markdown",
		"content": "Gophers **everywhere**",
		"tag": [{"type": "Hashtag", "name": "golang"}, {"type": "Hashtag", "name": "x"}, {"type": "Mention", "name": "bob"}],
		"url": [
			{"type": "Link", "mediaType": "text/html", "href": %q},
			{"type": "Link", "mediaType": "video/mp4", "href": %q, "height": 720, "size": 1048576, "fps": 30},
			{"type": "Link", "mediaType": "application/x-bittorrent", "href": %q, "height": 720}
		],
		"attributedTo": [
			{"type": "Person", "id": "https://peer.example/accounts/bob"},
			{"type": "Group", "id": %q}
		],
		"icon": [{"type": "Image", "mediaType": "image/jpeg", "url": "https://peer.example/static/thumb.jpg", "width": 280, "height": 157}]
	}`, id, uuid.NewString(), id, id+".mp4", id+".torrent", channel)
}

type recordingScheduler struct {
	servers []uuid.UUID
}

func (s *recordingScheduler) ScheduleRedundancyCleanup(serverId uuid.UUID) {
	s.servers = append(s.servers, serverId)
}
