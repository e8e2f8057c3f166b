package natsbridge

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmicmesh/clustercore/internal/message"
	"github.com/cosmicmesh/clustercore/internal/pipeline"
)

func TestHandleEventParsesAndForwards(t *testing.T) {
	b := &Bridge{}
	var got []RawEvent
	b.SetEventSink(pipeline.SinkFunc[RawEvent](func(e RawEvent) { got = append(got, e) }))

	b.handleEvent(&nats.Msg{
		Subject: "muonpi/data/alice/roof",
		Data:    []byte("1000.0 1000.1 50 7 1 0 1"),
	})

	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].User.Username)
	assert.Equal(t, "roof", got[0].User.StationID)
	assert.Equal(t, int64(0), b.ParseErrors())
}

func TestHandleEventCountsParseErrorsOnBadTopic(t *testing.T) {
	b := &Bridge{}
	b.handleEvent(&nats.Msg{Subject: "muonpi/other/alice/roof", Data: []byte("irrelevant")})
	assert.Equal(t, int64(1), b.ParseErrors())
}

func TestHandleEventCountsParseErrorsOnBadPayload(t *testing.T) {
	b := &Bridge{}
	b.handleEvent(&nats.Msg{Subject: "muonpi/data/alice/roof", Data: []byte("not enough fields")})
	assert.Equal(t, int64(1), b.ParseErrors())
}

func TestHandleLogParsesAndForwards(t *testing.T) {
	b := &Bridge{}
	var got []RawLog
	b.SetLogSink(pipeline.SinkFunc[RawLog](func(l RawLog) { got = append(got, l) }))

	b.handleLog(&nats.Msg{
		Subject: "muonpi/log/alice/roof",
		Data:    []byte("msg-1 geoLatitude 48.1"),
	})

	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].User.Username)
	assert.Equal(t, message.GeoLatitude, got[0].Record.Key)
}

func TestHandleLogCountsParseErrorsOnUnknownKey(t *testing.T) {
	b := &Bridge{}
	b.handleLog(&nats.Msg{Subject: "muonpi/log/alice/roof", Data: []byte("msg-1 bogus 1.0")})
	assert.Equal(t, int64(1), b.ParseErrors())
}
