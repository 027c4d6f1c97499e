// Package ingest consumes external notices from kafka and hands them
// to the delivery bus. Notices are produced by other backend systems
// (billing, moderation, operations) that want a word with specific
// users but have no business writing into conversations.
package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	kafka "github.com/segmentio/kafka-go"

	"minichat/bus"
	"minichat/store"
)

const (
	KafkaReadTimeout = 10 * time.Second

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

var ingestedNotices = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "minichat_ingest_notices_total",
	Help: "Number of notices consumed from kafka and published.",
})

func init() {
	prometheus.MustRegister(ingestedNotices)
}

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Notice is the kafka message value.
type Notice struct {
	ToUids  []store.UserID  `json:"uids,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ingest consumes incoming notices from kafka and publishes them to
// the personal channels of the addressed users.
type Ingest struct {
	bus           *bus.Bus
	kafkaReader   IKafkaReader
	valueMaxBytes int
	wg            sync.WaitGroup
}

func New(b *bus.Bus, kafkaReader IKafkaReader, valueMaxBytes int) *Ingest {
	return &Ingest{
		bus:           b,
		kafkaReader:   kafkaReader,
		valueMaxBytes: valueMaxBytes,
	}
}

// NewReader builds the group reader the way the rest of the cluster
// expects it configured.
func NewReader(brokers []string, groupID, topic string) IKafkaReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			Timeout:   KafkaReadTimeout,
			DualStack: true,
		},
	})
}

// Run consumes until ctx is cancelled. It may block at reading a
// kafka message; closing the reader unblocks the fetch.
func (s *Ingest) Run(ctx context.Context) {
	glog.Info("ingest: enter")

	go s.consumeLoop(ctx)

	<-ctx.Done()

	glog.Info("ingest: stopping")
	_ = s.kafkaReader.Close() // slow: take about 7s

	s.wg.Wait()
	glog.Info("ingest: stopped")
}

func (s *Ingest) consumeLoop(ctx context.Context) {
	glog.Info("ingest: consume loop enter")
	s.wg.Add(1)

	defer func() {
		glog.Info("ingest: consume loop exited")
		s.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("ingest: fetching message ...")
		msg, err := s.kafkaReader.FetchMessage(ctx)

		if err != nil {
			glog.Errorf("ingest: fetch from kafka err: %v", err)
			if err == context.Canceled {
				glog.V(5).Info("ingest: fetch was cancelled")
				return
			}
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		// skip: bad format or oversized.
		if notice := s.decodeKafkaMsg(&msg); notice != nil {
			s.publish(notice)
		}

		for {
			if err := s.kafkaReader.CommitMessages(ctx, msg); err == nil {
				sleep = 0
				break
			} else {
				// If this message is not committed back, it will be fetched
				// again by the next FetchMessage(). Publishing a notice twice
				// is harmless, events are advisory.
				glog.Errorf("ingest: commit to kafka err: %v", err)
				if err == context.Canceled {
					glog.V(5).Info("ingest: commit to kafka was cancelled")
					return
				}
				backoff(&sleep)
				select {
				case <-time.After(sleep):
					continue
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *Ingest) publish(notice *Notice) {
	e := &bus.Event{
		Type:   bus.EventNotice,
		Notice: notice.Payload,
	}
	for _, uid := range notice.ToUids {
		s.bus.Publish(bus.UserChannel(uid), e)
	}
	ingestedNotices.Inc()
}

func (s *Ingest) decodeKafkaMsg(msg *kafka.Message) *Notice {
	if len(msg.Value) > s.valueMaxBytes {
		glog.Errorf("ingest: kafka value out of limit, msg.Value: %s", string(msg.Value))
		return nil
	}
	var v Notice
	if err := json.Unmarshal(msg.Value, &v); err != nil {
		glog.Errorf("ingest: failed to unmarshal kafka msg value: `%s`, error: %v", msg.Value, err)
		return nil
	}
	if len(v.ToUids) == 0 {
		glog.Errorf("ingest: notice without addressees, msg.Offset: %d", msg.Offset)
		return nil
	}
	return &v
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}
