package host

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncpay/cluster/internal/config"
	"github.com/syncpay/cluster/internal/model"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.NodeConfigs = map[string]config.NodeEndpoint{
		"node1": {Host: "localhost", Port: 5000},
		"node2": {Host: "localhost", Port: 5001},
		"node3": {Host: "localhost", Port: 5002},
	}
	return cfg
}

func TestNewWiresEveryPeerAddress(t *testing.T) {
	h, err := New("node1", testConfig(), zerolog.New(os.Stderr))
	require.NoError(t, err)

	assert.Equal(t, "node1", h.NodeID())
	assert.ElementsMatch(t, []string{"localhost:5001", "localhost:5002"}, h.Peers())
}

func TestLimitsReflectConfiguration(t *testing.T) {
	cfg := testConfig()
	cfg.PaymentMaxAmount = 500
	cfg.PaymentMaxNameLength = 20

	h, err := New("node1", cfg, zerolog.New(os.Stderr))
	require.NoError(t, err)

	maxAmount, maxNameLength := h.Limits()
	assert.Equal(t, 500.0, maxAmount)
	assert.Equal(t, 20, maxNameLength)
}

func TestSubmitPaymentFailsWhenNotLeader(t *testing.T) {
	h, err := New("node1", testConfig(), zerolog.New(os.Stderr))
	require.NoError(t, err)

	_, ok := h.SubmitPayment(context.Background(), 10, "alice", "bob")
	assert.False(t, ok)
}

func TestReplicationNotifieeForwardsFailure(t *testing.T) {
	h, err := New("node1", testConfig(), zerolog.New(os.Stderr))
	require.NoError(t, err)

	h.Replicator.Replicate(model.NewPaymentRecord(10, "alice", "bob", "node1"))

	n := replicationNotifiee{h}
	n.OnPeerFailure("localhost:5001")

	for _, st := range h.Replicator.Status() {
		if st.Peer == "localhost:5001" {
			assert.False(t, st.Connected)
			assert.Equal(t, 0, st.PendingCount)
		}
	}
}
