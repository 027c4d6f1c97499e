package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minichat/bus"
	ingest_mock "minichat/ingest/mock"
)

func TestConsumeLoop(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	kafkaMock := ingest_mock.NewMockIKafkaReader(mockCtrl)

	b := bus.New()
	sub := b.NewSubscriber(4)
	b.Attach(sub, bus.UserChannel(1))

	s := New(b, kafkaMock, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var offset int64
	msgs := []kafka.Message{
		// delivered to uids 1 and 2.
		{Value: []byte(`{"uids":[1,2],"payload":{"kind":"billing"}}`)},
		// not json, skipped but still committed.
		{Value: []byte(`garbage`)},
		// no addressees, skipped.
		{Value: []byte(`{"payload":{"kind":"noop"}}`)},
	}

	kafkaMock.EXPECT().Close().Times(1)

	kafkaMock.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(func(ctx context.Context) (kafka.Message, error) {
		if int(offset) < len(msgs) {
			m := msgs[offset]
			m.Offset = offset
			m.Time = time.Now()
			offset++
			return m, nil
		}
		<-ctx.Done()
		return kafka.Message{}, context.Canceled
	}).AnyTimes()

	kafkaMock.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).Return(nil).Times(len(msgs))

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case e := <-sub.C:
		require.Equal(t, bus.EventNotice, e.Type)
		assert.JSONEq(t, `{"kind":"billing"}`, string(e.Notice))
	case <-time.After(2 * time.Second):
		t.Fatal("no notice within 2s")
	}

	// only the valid notice was published.
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected extra event: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ingest did not stop")
	}
}

func TestConsumeLoopFetchBackoff(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	kafkaMock := ingest_mock.NewMockIKafkaReader(mockCtrl)
	s := New(bus.New(), kafkaMock, 1024)

	ctx, cancel := context.WithCancel(context.Background())

	kafkaMock.EXPECT().Close().Times(1)
	kafkaMock.EXPECT().FetchMessage(gomock.Any()).
		Return(kafka.Message{}, errors.New("broker gone")).AnyTimes()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// let it hit the error path at least once, then stop.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("ingest did not stop")
	}
}

func TestBackoff(t *testing.T) {
	var d time.Duration
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
	backoff(&d)
	assert.Equal(t, 1500*time.Millisecond, d)

	d = BackoffMaxInterval
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
}
