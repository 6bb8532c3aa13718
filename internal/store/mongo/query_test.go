package mongo

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

func TestFilterQuery(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter store.Filter
		want   bson.M
	}{
		{
			name:   "claim on one queue",
			filter: store.ClaimFilter(store.ClaimRequest{Queues: []string{"default"}}, now),
			want: bson.M{
				"priority":      bson.M{"$gte": 0},
				"process_after": bson.M{"$lte": now},
				"processed":     false,
				"qname":         "default",
			},
		},
		{
			name:   "claim on several queues with tags",
			filter: store.ClaimFilter(store.ClaimRequest{Queues: []string{"a", "b"}, Tags: []string{"x"}, MinPriority: 3}, now),
			want: bson.M{
				"priority":      bson.M{"$gte": 3},
				"process_after": bson.M{"$lte": now},
				"processed":     false,
				"qname":         bson.M{"$in": []string{"a", "b"}},
				"tags":          bson.M{"$not": bson.M{"$elemMatch": bson.M{"$nin": []string{"x"}}}},
			},
		},
		{
			name:   "failed mode ignores processed",
			filter: store.ClaimFilter(store.ClaimRequest{Failed: true}, now),
			want: bson.M{
				"priority":      bson.M{"$gte": 0},
				"process_after": bson.M{"$lte": now},
				"failed":        true,
			},
		},
		{
			name:   "running",
			filter: store.RunningFilter(),
			want: bson.M{
				"priority":  bson.M{"$gte": store.AnyPriority},
				"processed": true,
				"finished":  false,
			},
		},
		{
			name:   "admin filter",
			filter: store.Filter{FuncStr: "tasks.Send", ClaimedBy: "w1"},
			want: bson.M{
				"priority":         bson.M{"$gte": 0},
				"execute.func_str": "tasks.Send",
				"worker_id":        "w1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filterQuery(tt.filter))
		})
	}
}

func TestClaimQuery_MutexClause(t *testing.T) {
	f := store.Filter{Processed: store.Bool(false)}

	t.Run("no running mutex leaves filter alone", func(t *testing.T) {
		q := claimQuery(f, store.MutexTally{})
		assert.NotContains(t, q, "$or")
	})

	t.Run("tally renders admission disjunction", func(t *testing.T) {
		q := claimQuery(f, store.MutexTally{"db": 1, "api": 2})
		require.Contains(t, q, "$or")

		want := bson.A{
			bson.M{"mutex": nil},
			bson.M{"mutex.key": bson.M{"$nin": []string{"api", "db"}}},
			bson.M{"mutex.key": "api", "mutex.count": bson.M{"$gt": 2}},
			bson.M{"mutex.key": "db", "mutex.count": bson.M{"$gt": 1}},
		}
		assert.Equal(t, want, q["$or"])
	})
}

func TestClaimUpdate(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	normal := claimUpdate("w1", false, at)["$set"].(bson.M)
	assert.Equal(t, true, normal["processed"])
	assert.Equal(t, "w1", normal["worker_id"])
	assert.Equal(t, at, normal["started_at"])
	assert.NotContains(t, normal, "failed")

	failed := claimUpdate("w1", true, at)["$set"].(bson.M)
	assert.Equal(t, false, failed["failed"])
	assert.Equal(t, false, failed["finished"])
}

func TestFifoSort(t *testing.T) {
	// equal enqueued_at values fall back to the time-ordered id
	assert.Equal(t, bson.D{
		{Key: "enqueued_at", Value: 1},
		{Key: "_id", Value: 1},
	}, fifoSort())
}

func TestIsDuplicateKey(t *testing.T) {
	dup := mongod.WriteException{WriteErrors: mongod.WriteErrors{
		{Code: 11000, Message: "E11000 duplicate key error collection: taskq.finished_jobs"},
	}}
	other := mongod.WriteException{WriteErrors: mongod.WriteErrors{
		{Code: 121, Message: "Document failed validation"},
	}}

	assert.True(t, isDuplicateKey(dup))
	assert.True(t, isDuplicateKey(fmt.Errorf("archive job: %w", dup)))
	assert.False(t, isDuplicateKey(other))
	assert.False(t, isDuplicateKey(io.EOF))
}

func TestIsConnectivity(t *testing.T) {
	assert.False(t, isConnectivity(nil))
	assert.True(t, isConnectivity(errors.New("server selection error: context deadline exceeded")))
	assert.True(t, isConnectivity(fmt.Errorf("read: %w", io.EOF)))
	assert.False(t, isConnectivity(errors.New("E11000 duplicate key error")))

	err := wrap("claim job", io.EOF)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.ErrorIs(t, err, io.EOF)
}
