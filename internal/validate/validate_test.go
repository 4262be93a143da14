package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var limits = Limits{MaxAmount: 1_000_000, MaxNameLength: 100}

func TestPaymentAcceptsValidRequest(t *testing.T) {
	sender, receiver, err := Payment(PaymentRequest{Amount: 150.75, Sender: " alice ", Receiver: "bob"}, limits)
	assert.Nil(t, err)
	assert.Equal(t, "alice", sender)
	assert.Equal(t, "bob", receiver)
}

func TestPaymentRejectsNonPositiveAmount(t *testing.T) {
	_, _, err := Payment(PaymentRequest{Amount: 0, Sender: "alice", Receiver: "bob"}, limits)
	assert.NotNil(t, err)
	assert.Equal(t, "amount", err.Field)
}

func TestPaymentRejectsAmountOverLimit(t *testing.T) {
	_, _, err := Payment(PaymentRequest{Amount: 2_000_000, Sender: "alice", Receiver: "bob"}, limits)
	assert.NotNil(t, err)
	assert.Equal(t, "amount", err.Field)
}

func TestPaymentRejectsEmptySender(t *testing.T) {
	_, _, err := Payment(PaymentRequest{Amount: 10, Sender: "  ", Receiver: "bob"}, limits)
	assert.NotNil(t, err)
	assert.Equal(t, "sender", err.Field)
}

func TestPaymentRejectsSameSenderAndReceiver(t *testing.T) {
	_, _, err := Payment(PaymentRequest{Amount: 10, Sender: "alice", Receiver: "alice"}, limits)
	assert.NotNil(t, err)
	assert.Equal(t, "receiver", err.Field)
}

func TestPaymentRejectsOverlongName(t *testing.T) {
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	_, _, err := Payment(PaymentRequest{Amount: 10, Sender: string(long), Receiver: "bob"}, limits)
	assert.NotNil(t, err)
	assert.Equal(t, "sender", err.Field)
}
