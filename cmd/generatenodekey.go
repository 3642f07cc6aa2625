package cmd

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quorumcontrol/tupelo-accounts/identity"
)

var (
	generateNodeKeyOutput string
	generateNodeKeyPath   string
)

type nodeKeySet struct {
	EcdsaHexPrivateKey string `json:"ecdsaHexPrivateKey,omitempty"`
	EcdsaHexPublicKey  string `json:"ecdsaHexPublicKey,omitempty"`
	PeerIDBase58Key    string `json:"peerIDBase58Key,omitempty"`
}

var generateNodeKeyCmd = &cobra.Command{
	Use:   "generate-node-key",
	Short: "Generate a new node key",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := identity.GenerateNodeKey()
		if err != nil {
			return err
		}
		set := &nodeKeySet{
			EcdsaHexPrivateKey: key.Hex(),
			EcdsaHexPublicKey:  key.PublicHex(),
			PeerIDBase58Key:    key.ID.String(),
		}

		switch generateNodeKeyOutput {
		case "text":
			fmt.Printf("ecdsa: '%v'\necdsa public: '%v'\nnode id: '%v'\n",
				set.EcdsaHexPrivateKey, set.EcdsaHexPublicKey, set.PeerIDBase58Key)
		case "toml":
			fmt.Printf("NodeKeyHex = %q\n", set.EcdsaHexPrivateKey)
		case "json-file":
			keyJSON, err := json.Marshal(set)
			if err != nil {
				return fmt.Errorf("error writing json %v", err)
			}
			path := filepath.Join(generateNodeKeyPath, key.ID.String()+".json")
			if err := ioutil.WriteFile(path, keyJSON, 0600); err != nil {
				return fmt.Errorf("error writing file %v", err)
			}
			fmt.Println(path)
		default:
			return fmt.Errorf("output=%v type is not supported", generateNodeKeyOutput)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(generateNodeKeyCmd)
	generateNodeKeyCmd.Flags().StringVarP(&generateNodeKeyOutput, "output", "o", "text", "format for key output: text, toml, json-file")
	generateNodeKeyCmd.Flags().StringVarP(&generateNodeKeyPath, "path", "p", ".", "directory to store the file if using json-file")
}
