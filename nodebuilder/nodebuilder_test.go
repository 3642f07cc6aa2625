package nodebuilder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := LocalConfig()
	require.Nil(t, err)
	nb := &NodeBuilder{Config: c}
	require.Nil(t, nb.Start(ctx))

	n := nb.Node()
	acc, err := n.CreateAccount(ctx, "solo")
	require.Nil(t, err)
	linearID, err := n.Issue(ctx, acc.ID, "single node")
	require.Nil(t, err)
	found, err := n.QueryByAccount(ctx, acc.ID, linearID)
	require.Nil(t, err)
	assert.Len(t, found, 1)
	require.Nil(t, nb.Stop())
}

func TestRequiresKeyAndNotary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nb := &NodeBuilder{Config: &Config{RunNotary: true}}
	require.NotNil(t, nb.Start(ctx))

	c, err := LocalConfig()
	require.Nil(t, err)
	c.RunNotary = false
	nb = &NodeBuilder{Config: c}
	require.NotNil(t, nb.Start(ctx))
}

func TestTwoNodes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	notaryConfig, err := LocalConfig()
	require.Nil(t, err)
	first := &NodeBuilder{Config: notaryConfig}
	require.Nil(t, first.Start(ctx))
	one, err := first.Node().CreateAccount(ctx, "one")
	require.Nil(t, err)

	secondConfig, err := LocalConfig()
	require.Nil(t, err)
	secondConfig.RunNotary = false
	secondConfig.NotaryID = first.Node().ID()
	secondConfig.SyncOnStart = true
	secondConfig.Peers = []string{first.Transport().Addresses()[0].String()}
	second := &NodeBuilder{Config: secondConfig}
	require.Nil(t, second.Start(ctx))
	assert.Equal(t, []string{first.Node().ID().String()}, []string{second.Peers()[0].String()})

	two, err := second.Node().CreateAccount(ctx, "two")
	require.Nil(t, err)
	require.Nil(t, second.Node().ShareAccount(ctx, two.ID, second.Peers()))

	linearID, err := second.Node().Issue(ctx, two.ID, "over libp2p")
	require.Nil(t, err)
	_, err = second.Node().Transfer(ctx, two.ID, one.ID, linearID)
	require.Nil(t, err)

	found, err := first.Node().QueryByAccount(ctx, one.ID, linearID)
	require.Nil(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "over libp2p", found[0].Record.Payload)
}
