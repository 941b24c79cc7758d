package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishReachesTopicSubscribers(t *testing.T) {
	b := NewBus(zap.NewNop())

	var got []Event
	unsub := b.Subscribe(TopicPluginFault, func(_ context.Context, e Event) {
		got = append(got, e)
	})
	defer unsub()

	b.Publish(context.Background(), Event{
		Topic:   TopicPluginFault,
		Source:  "router",
		Payload: Fault{Plugin: "weather", Kind: "command"},
	})
	b.Publish(context.Background(), Event{Topic: TopicPluginState, Source: "host"})

	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if f, ok := got[0].Payload.(Fault); !ok || f.Plugin != "weather" {
		t.Errorf("payload = %+v", got[0].Payload)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Publish did not stamp the event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(zap.NewNop())

	count := 0
	unsub := b.Subscribe(TopicPluginState, func(context.Context, Event) { count++ })

	b.Publish(context.Background(), Event{Topic: TopicPluginState})
	unsub()
	b.Publish(context.Background(), Event{Topic: TopicPluginState})

	if count != 1 {
		t.Errorf("handler ran %d times, want 1", count)
	}
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	b := NewBus(zap.NewNop())

	var topics []string
	unsub := b.SubscribeAll(func(_ context.Context, e Event) {
		topics = append(topics, e.Topic)
	})
	defer unsub()

	b.Publish(context.Background(), Event{Topic: TopicPluginState})
	b.Publish(context.Background(), Event{Topic: TopicTaskDisabled})
	b.Publish(context.Background(), Event{Topic: "custom.topic"})

	if len(topics) != 3 {
		t.Errorf("wildcard handler saw %v, want 3 topics", topics)
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	b := NewBus(zap.NewNop())

	b.Subscribe(TopicPluginState, func(context.Context, Event) { panic("bad handler") })
	reached := false
	b.Subscribe(TopicPluginState, func(context.Context, Event) { reached = true })

	b.Publish(context.Background(), Event{Topic: TopicPluginState})

	if !reached {
		t.Error("panic in one handler prevented delivery to the next")
	}
}

func TestPublishAsyncDeliversEventually(t *testing.T) {
	b := NewBus(zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe(TopicTransportStatus, func(context.Context, Event) { wg.Done() })
	b.SubscribeAll(func(context.Context, Event) { wg.Done() })

	b.PublishAsync(context.Background(), Event{Topic: TopicTransportStatus})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("async publish never reached subscribers")
	}
}

func TestUnsubscribeDuringConcurrentPublish(t *testing.T) {
	b := NewBus(zap.NewNop())

	var mu sync.Mutex
	count := 0
	unsubs := make([]func(), 0, 16)
	for i := 0; i < 16; i++ {
		unsubs = append(unsubs, b.Subscribe("t", func(context.Context, Event) {
			mu.Lock()
			count++
			mu.Unlock()
		}))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			b.Publish(context.Background(), Event{Topic: "t"})
		}
	}()
	go func() {
		defer wg.Done()
		for _, u := range unsubs {
			u()
		}
	}()
	wg.Wait()
}
