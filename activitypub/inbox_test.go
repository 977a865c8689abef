package activitypub

import (
	"errors"
	"testing"

	"github.com/deemkeen/fedtube/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureEnqueuer struct {
	tasks []Task
	err   error
}

func (c *captureEnqueuer) Enqueue(task Task) error {
	if c.err != nil {
		return c.err
	}
	c.tasks = append(c.tasks, task)
	return nil
}

const (
	inboxLike   = `{"id":"https://peer.example/likes/1","type":"Like","actor":"https://peer.example/accounts/bob","object":"https://tube.example/videos/watch/1"}`
	inboxFollow = `{"id":"https://peer.example/f/1","type":"Follow","actor":"https://peer.example/accounts/bob","object":"https://tube.example/accounts/peertube"}`
	inboxBroken = `{"id":"https://peer.example/f/2","type":"Follow","actor":"https://peer.example/accounts/bob"}`
)

func TestInboxReceive(t *testing.T) {
	signer := &domain.Actor{URL: "https://peer.example/accounts/bob", Host: "peer.example"}
	owner := &domain.Actor{URL: "https://tube.example/accounts/peertube"}

	tests := []struct {
		name    string
		body    string
		want    []string
		wantErr error
	}{
		{"bare activity", inboxLike, []string{"https://peer.example/likes/1"}, nil},
		{"collection", `{"type":"Collection","items":[` + inboxLike + `,` + inboxFollow + `]}`,
			[]string{"https://peer.example/likes/1", "https://peer.example/f/1"}, nil},
		{"ordered collection page drops invalid", `{"type":"OrderedCollectionPage","orderedItems":[` + inboxLike + `,` + inboxBroken + `,` + inboxFollow + `]}`,
			[]string{"https://peer.example/likes/1", "https://peer.example/f/1"}, nil},
		{"collection page", `{"type":"CollectionPage","items":[` + inboxFollow + `]}`, []string{"https://peer.example/f/1"}, nil},
		{"only invalid", inboxBroken, nil, nil},
		{"empty collection", `{"type":"OrderedCollection","orderedItems":[]}`, nil, nil},
		{"unknown type is kept", `{"id":"https://peer.example/m/1","type":"Move","actor":"https://peer.example/accounts/bob"}`,
			[]string{"https://peer.example/m/1"}, nil},
		{"not json", `{"type":`, nil, ErrMalformedPayload},
		{"array", `[` + inboxLike + `]`, nil, ErrMalformedPayload},
		{"null", `null`, nil, ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &captureEnqueuer{}
			inbox := NewInbox(queue, NewMetrics(nil), zap.NewNop())

			n, err := inbox.Receive([]byte(tt.body), signer, owner)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, queue.tasks)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)

			if len(tt.want) == 0 {
				assert.Empty(t, queue.tasks)
				return
			}
			require.Len(t, queue.tasks, 1, "one task per delivery")
			task := queue.tasks[0]
			assert.Same(t, signer, task.SignatureActor)
			assert.Same(t, owner, task.InboxOwner)
			var ids []string
			for _, a := range task.Activities {
				ids = append(ids, a.Base().Id)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestInboxReceiveQueueFull(t *testing.T) {
	inbox := NewInbox(&captureEnqueuer{err: ErrQueueFull}, NewMetrics(nil), zap.NewNop())
	_, err := inbox.Receive([]byte(inboxLike), &domain.Actor{URL: "https://peer.example/accounts/bob"}, nil)
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestUnwrap(t *testing.T) {
	assert.Len(t, Unwrap(map[string]any{"type": "Collection", "items": []any{1, 2}}), 2)
	assert.Len(t, Unwrap(map[string]any{"type": "OrderedCollection", "items": []any{1, 2}}), 0)
	assert.Len(t, Unwrap(map[string]any{"type": "Collection", "items": "nope"}), 0)
	assert.Len(t, Unwrap(map[string]any{"type": "Like"}), 1)
}
