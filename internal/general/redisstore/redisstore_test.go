package redisstore

import (
	"context"
	"testing"
	"time"

	"roadside-dispatch/internal/domain/user"

	"github.com/go-redis/redis/v8"
)

func TestSampleKey(t *testing.T) {
	if got := sampleKey("b-1", user.PartyMechanic); got != "tracking:latest:b-1:mechanic" {
		t.Fatalf("key = %q", got)
	}
	if got := sampleKey("b-1", user.PartyRequester); got != "tracking:latest:b-1:user" {
		t.Fatalf("key = %q", got)
	}
}

func TestGetSurfacesConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	store := NewLatestStore(client, time.Minute)
	_, ok, err := store.Get(context.Background(), "b-1", user.PartyMechanic)
	if err == nil || ok {
		t.Fatalf("ok = %v, err = %v; want connection error", ok, err)
	}
}
