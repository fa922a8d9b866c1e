package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func TestRedisPublisher_NewMatch(t *testing.T) {
	fake := &fakeRedis{}
	p := &RedisPublisher{rdb: fake}

	ev := NewMatchEvent{RequirementID: uuid.New(), ListingID: uuid.New(), Title: "iPhone 13", MatchScore: 0.75}
	if err := p.NewMatch(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fake.channel != ChannelNewMatch {
		t.Fatalf("expected channel %s, got %s", ChannelNewMatch, fake.channel)
	}

	var got NewMatchEvent
	if err := json.Unmarshal(fake.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.ListingID != ev.ListingID || got.Title != "iPhone 13" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestRedisPublisher_AlertError(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	p := &RedisPublisher{rdb: fake}

	err := p.Alert(context.Background(), Alert{RequirementID: uuid.New(), Message: "blocked"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if fake.channel != ChannelScrapeAlert {
		t.Fatalf("expected channel %s, got %s", ChannelScrapeAlert, fake.channel)
	}
}

func TestLogPublisher_Records(t *testing.T) {
	p := NewLogPublisher()
	p.NewMatch(context.Background(), NewMatchEvent{Title: "a"})
	p.Alert(context.Background(), Alert{Message: "b"})
	if len(p.Matches()) != 1 || len(p.Alerts()) != 1 {
		t.Fatalf("expected one match and one alert, got %d / %d", len(p.Matches()), len(p.Alerts()))
	}
}
