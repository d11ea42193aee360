package export

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// Enqueuer is the subset of azqueue.QueueClient used by QueueSink.
type Enqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink publishes exported events to an Azure Storage queue.
type QueueSink struct {
	queue Enqueuer
	ttl   *int32
}

// NewQueueSink connects to queue using connStr. Messages never expire.
func NewQueueSink(connStr, queue string) (*QueueSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	client, err := azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
	if err != nil {
		return nil, err
	}
	return NewQueueSinkFrom(client), nil
}

func NewQueueSinkFrom(q Enqueuer) *QueueSink {
	never := int32(-1)
	return &QueueSink{queue: q, ttl: &never}
}

func (s *QueueSink) Publish(ctx context.Context, payload []byte) error {
	_, err := s.queue.EnqueueMessage(ctx, string(payload), &azqueue.EnqueueMessageOptions{TimeToLive: s.ttl})
	return err
}
