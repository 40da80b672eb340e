package attestation

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/vaultbridge-labs/vaultbridge/internal/queue"
)

type fakeProducer struct {
	topic   string
	key     []byte
	payload []byte
	err     error
}

func (p *fakeProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	p.topic = topic
	p.key = append([]byte(nil), key...)
	p.payload = append([]byte(nil), payload...)
	return p.err
}

func (p *fakeProducer) Close() error { return nil }

type fakeConsumer struct {
	msgCh chan queue.Message
	errCh chan error
}

func (c *fakeConsumer) Messages() <-chan queue.Message { return c.msgCh }
func (c *fakeConsumer) Errors() <-chan error           { return c.errCh }
func (c *fakeConsumer) Close() error {
	close(c.msgCh)
	close(c.errCh)
	return nil
}

func newTestClient(t *testing.T, producer *fakeProducer, consumer *fakeConsumer, wait time.Duration) *QueueClient {
	t.Helper()

	client, err := NewQueueClient(QueueConfig{
		RequestTopic: "attestation.requests.v1",
		ResultTopic:  "attestation.results.v1",
		FailureTopic: "attestation.failures.v1",
		Producer:     producer,
		Consumer:     consumer,
		WaitTimeout:  wait,
	})
	if err != nil {
		t.Fatalf("NewQueueClient: %v", err)
	}
	return client
}

func testJobID() [32]byte {
	var id [32]byte
	id[0] = 0x5a
	id[31] = 0x98
	return id
}

func TestQueueClient_RequestProofResult(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{}
	consumer := &fakeConsumer{
		msgCh: make(chan queue.Message, 1),
		errCh: make(chan error, 1),
	}
	client := newTestClient(t, producer, consumer, 5*time.Second)

	jobID := testJobID()
	jobIDHex := "0x" + hex.EncodeToString(jobID[:])
	consumer.msgCh <- queue.Message{
		Topic: "attestation.results.v1",
		Value: []byte(`{"version":"attestation.result.v1","job_id":"` + jobIDHex + `","proof":"0x99aa","metadata":{"attestor":"primary"}}`),
	}

	res, err := client.RequestProof(context.Background(), Request{
		JobID:  jobID,
		Kind:   KindDeposit,
		TxHash: "A1B2C3",
		Amount: 25_000_000,
	})
	if err != nil {
		t.Fatalf("RequestProof: %v", err)
	}
	if producer.topic != "attestation.requests.v1" {
		t.Fatalf("request topic: got %q", producer.topic)
	}
	if string(producer.key) != string(jobID[:]) {
		t.Fatalf("request key: got %x want %x", producer.key, jobID)
	}
	if len(res.Proof) != 2 || res.Proof[0] != 0x99 || res.Proof[1] != 0xaa {
		t.Fatalf("proof mismatch: %x", res.Proof)
	}
	if res.Metadata["attestor"] != "primary" {
		t.Fatalf("metadata mismatch: %+v", res.Metadata)
	}
}

func TestQueueClient_RequestProofFailure(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{}
	consumer := &fakeConsumer{
		msgCh: make(chan queue.Message, 1),
		errCh: make(chan error, 1),
	}
	client := newTestClient(t, producer, consumer, 5*time.Second)

	jobID := testJobID()
	jobIDHex := "0x" + hex.EncodeToString(jobID[:])
	consumer.msgCh <- queue.Message{
		Topic: "attestation.failures.v1",
		Value: []byte(`{"version":"attestation.failure.v1","job_id":"` + jobIDHex + `","error_code":"unprovable_tx","retryable":false,"message":"source tx not found"}`),
	}

	_, err := client.RequestProof(context.Background(), Request{
		JobID:  jobID,
		Kind:   KindPayout,
		TxHash: "0xdeadbeef",
	})
	var fail *FailureError
	if !errors.As(err, &fail) {
		t.Fatalf("expected FailureError, got %v", err)
	}
	if fail.Code != "unprovable_tx" || fail.Retryable {
		t.Fatalf("unexpected failure: %+v", fail)
	}
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("FailureError must unwrap to ErrFailed, got %v", err)
	}
}

func TestQueueClient_RequestProofTimesOutAsPending(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{}
	consumer := &fakeConsumer{
		msgCh: make(chan queue.Message, 1),
		errCh: make(chan error, 1),
	}
	client := newTestClient(t, producer, consumer, 20*time.Millisecond)

	_, err := client.RequestProof(context.Background(), Request{
		JobID:  testJobID(),
		Kind:   KindDeposit,
		TxHash: "A1B2C3",
	})
	if !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}
}

func TestQueueClient_IgnoresResponsesForOtherJobs(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{}
	consumer := &fakeConsumer{
		msgCh: make(chan queue.Message, 2),
		errCh: make(chan error, 1),
	}
	client := newTestClient(t, producer, consumer, 5*time.Second)

	jobID := testJobID()
	jobIDHex := "0x" + hex.EncodeToString(jobID[:])
	otherHex := "0x" + hex.EncodeToString(make([]byte, 31)) + "ff"
	consumer.msgCh <- queue.Message{
		Value: []byte(`{"version":"attestation.result.v1","job_id":"` + otherHex + `","proof":"0x01"}`),
	}
	consumer.msgCh <- queue.Message{
		Value: []byte(`{"version":"attestation.result.v1","job_id":"` + jobIDHex + `","proof":"0x02"}`),
	}

	res, err := client.RequestProof(context.Background(), Request{
		JobID:  jobID,
		Kind:   KindDeposit,
		TxHash: "A1B2C3",
	})
	if err != nil {
		t.Fatalf("RequestProof: %v", err)
	}
	if len(res.Proof) != 1 || res.Proof[0] != 0x02 {
		t.Fatalf("matched wrong response: %x", res.Proof)
	}
}

func TestStaticClient(t *testing.T) {
	t.Parallel()

	c := &StaticClient{Result: Result{Proof: []byte{0x01}}}
	res, err := c.RequestProof(context.Background(), Request{
		JobID:  testJobID(),
		Kind:   KindDeposit,
		TxHash: "A1",
	})
	if err != nil {
		t.Fatalf("RequestProof: %v", err)
	}
	if len(res.Proof) != 1 || res.Proof[0] != 0x01 {
		t.Fatalf("proof mismatch: %x", res.Proof)
	}

	failing := &StaticClient{Err: ErrPending}
	if _, err := failing.RequestProof(context.Background(), Request{
		JobID:  testJobID(),
		Kind:   KindDeposit,
		TxHash: "A1",
	}); !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}
}
