package audit

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestPublishSendsKeyedRecord(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var ev Event
		if err := json.Unmarshal(value, &ev); err != nil {
			return err
		}
		if ev.Kind != "joined" || ev.Topic != "room:42" {
			t.Errorf("unexpected event: %#v", ev)
		}
		if ev.At.IsZero() {
			t.Error("expected At to be stamped")
		}
		return nil
	})

	p := NewProducer(mock, "channelmux.audit", nil)
	p.Publish(Event{Kind: "joined", Topic: "room:42", ConnectionID: "conn-1"})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublishNeverBlocksWhenBrokerFails(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducer(mock, "channelmux.audit", nil)
	p.Publish(Event{Kind: "crashed", Topic: "room:1"})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
