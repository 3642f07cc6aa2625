package nodebuilder

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/storage"
)

func TestTomlLoading(t *testing.T) {
	c, err := TomlToConfig("testconfigs/basic.toml")
	require.Nil(t, err)
	assert.Equal(t, []string{"/ip4/172.16.238.10/tcp/34001/ipfs/16Uiu2HAm3TGSEKEjagcCojSJeaT5rypaeJMKejijvYSnAjviWwV5"}, c.Peers)
	assert.Equal(t, ledger.NodeID("16Uiu2HAm3TGSEKEjagcCojSJeaT5rypaeJMKejijvYSnAjviWwV5"), c.NotaryID)
	assert.False(t, c.RunNotary)
	assert.True(t, c.SyncOnStart)
	assert.Equal(t, 34001, c.Port)
	assert.Equal(t, storage.KindMemory, c.Storage.Kind)
	require.NotNil(t, c.NodeKey)
	assert.Equal(t, "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", c.NodeKey.Hex())
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/34001"}, c.listenAddrs())
}

func TestBadgerStorage(t *testing.T) {
	c, err := TomlToConfig("testconfigs/badger.toml")
	require.Nil(t, err)
	assert.True(t, c.RunNotary)
	assert.Equal(t, storage.KindBadger, c.Storage.Kind)
	assert.Equal(t, "/tmp/tupelo-accounts-badger", c.Storage.Path)
	assert.Equal(t, -1, c.Storage.CacheSize)
}

func TestRoundTrip(t *testing.T) {
	var hc HumanConfig
	_, err := toml.DecodeFile("testconfigs/basic.toml", &hc)
	require.Nil(t, err)
	hc.Notary = "local"

	tmpfile, err := ioutil.TempFile("", "basic-local-notary.toml")
	require.Nil(t, err)
	defer os.Remove(tmpfile.Name())

	encoder := toml.NewEncoder(tmpfile)
	require.Nil(t, encoder.Encode(hc))
	require.Nil(t, tmpfile.Close())

	c, err := TomlToConfig(tmpfile.Name())
	require.Nil(t, err)
	assert.True(t, c.RunNotary)
	assert.Len(t, c.Peers, 1)
}

func TestFailsWithInvalidTracer(t *testing.T) {
	_, err := TomlToConfig("./testconfigs/invalidtracer.toml")
	require.NotNil(t, err)
}

func TestFailsWithInvalidKeys(t *testing.T) {
	_, err := TomlToConfig("./testconfigs/invalidkeys.toml")
	require.NotNil(t, err)
}

func TestFailsWithoutNotary(t *testing.T) {
	_, err := TomlToConfig("./testconfigs/nonotary.toml")
	require.NotNil(t, err)
}

func TestFailsWithInvalidPeer(t *testing.T) {
	_, err := HumanConfigToConfig(HumanConfig{Notary: "local", Peers: []string{"not an address"}})
	require.NotNil(t, err)
}
