package nodebuilder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/shibukawa/configdir"

	"github.com/quorumcontrol/tupelo-accounts/identity"
	"github.com/quorumcontrol/tupelo-accounts/ledger"
	"github.com/quorumcontrol/tupelo-accounts/storage"
)

const localNotary = "local"

type HumanStorageConfig struct {
	Kind string
	Path string // for badger
	// CacheSize defaults to 100 (when set to 0), use -1 for no cache
	// only used for the transaction blockstores
	CacheSize int

	// remaining are For s3
	RegionEndpoint string
	Bucket         string
	Region         string
	AccessKey      string
	SecretKey      string
	LocalS3        bool
	RootDirectory  string
}

func (hsc *HumanStorageConfig) toStorageConfig(namespace string) storage.Config {
	c := storage.Config{
		Kind:           strings.ToLower(hsc.Kind),
		Path:           hsc.Path,
		CacheSize:      hsc.CacheSize,
		RegionEndpoint: hsc.RegionEndpoint,
		Bucket:         hsc.Bucket,
		Region:         hsc.Region,
		AccessKey:      hsc.AccessKey,
		SecretKey:      hsc.SecretKey,
		LocalS3:        hsc.LocalS3,
		RootDirectory:  hsc.RootDirectory,
	}
	if c.Kind == storage.KindBadger && c.Path == "" {
		c.Path = filepath.Join(configDir(namespace), "storage")
	}
	return c
}

// HumanConfig is used for parsing an ondisk configuration into the
// application-used Config struct.
type HumanConfig struct {
	Namespace string

	NodeKeyHex string
	ListenIP   string
	Port       int

	Peers       []string
	SyncOnStart bool

	// Notary is either "local" or the node id of the notary
	Notary string

	Storage       HumanStorageConfig
	TracingSystem string
}

func HumanConfigToConfig(hc HumanConfig) (*Config, error) {
	c := &Config{
		Namespace:   hc.Namespace,
		ListenIP:    hc.ListenIP,
		Port:        hc.Port,
		SyncOnStart: hc.SyncOnStart,
		Storage:     hc.Storage.toStorageConfig(hc.Namespace),
	}

	for _, p := range hc.Peers {
		if _, err := ma.NewMultiaddr(p); err != nil {
			return nil, fmt.Errorf("invalid peer address %s: %w", p, err)
		}
		c.Peers = append(c.Peers, p)
	}

	switch hc.Notary {
	case "":
		return nil, fmt.Errorf("a notary must be configured, use %q to run one in this node", localNotary)
	case localNotary:
		c.RunNotary = true
	default:
		id := ledger.NodeID(hc.Notary)
		if _, err := id.PeerID(); err != nil {
			return nil, fmt.Errorf("invalid notary id %s: %w", hc.Notary, err)
		}
		c.NotaryID = id
	}

	switch hc.TracingSystem {
	case "":
		// do nothing
	case "jaeger":
		c.TracingSystem = JaegerTracing
	case "elastic":
		c.TracingSystem = ElasticTracing
	default:
		return nil, fmt.Errorf("only 'jaeger' and 'elastic' are supported for tracing")
	}

	if hc.NodeKeyHex != "" {
		key, err := identity.NodeKeyFromHex(hc.NodeKeyHex)
		if err != nil {
			return nil, fmt.Errorf("error getting node key: %w", err)
		}
		c.NodeKey = key
	}

	return c, nil
}

// TomlToConfig will load a config from a toml file
func TomlToConfig(path string) (*Config, error) {
	var hc HumanConfig
	_, err := toml.DecodeFile(path, &hc)
	if err != nil {
		return nil, fmt.Errorf("error decoding toml: %w", err)
	}
	return HumanConfigToConfig(hc)
}

func configDir(namespace string) string {
	conf := configdir.New("tupelo-accounts", namespace)
	folders := conf.QueryFolders(configdir.Global)
	if err := os.MkdirAll(folders[0].Path, 0700); err != nil {
		panic(err)
	}
	return folders[0].Path
}
