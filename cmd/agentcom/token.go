package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/agentcom/agentcom/pkg/auth"
	"github.com/agentcom/agentcom/pkg/config"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage agent bearer tokens",
	Long: `Issue and revoke the bearer tokens agents present on the REST API
and in the WebSocket identify handshake. These commands open the
durable store directly, so run them while the hub is stopped; against
a running hub use POST /api/admin/tokens instead.`,
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <agent-id>",
	Short: "Mint a bearer token bound to an agent id",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		token, err := issueToken(tokenDataDir(cmd), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a bearer token",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := revokeToken(tokenDataDir(cmd), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued tokens and their agent ids",
	Run: func(cmd *cobra.Command, args []string) {
		tokens, err := listTokens(tokenDataDir(cmd))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		type row struct{ agentID, token string }
		rows := make([]row, 0, len(tokens))
		for token, agentID := range tokens {
			rows = append(rows, row{agentID, token})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].agentID < rows[j].agentID })
		for _, r := range rows {
			fmt.Printf("%s\t%s\n", r.agentID, r.token)
		}
	},
}

func init() {
	tokenCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML config file")
	tokenCmd.AddCommand(tokenIssueCmd, tokenRevokeCmd, tokenListCmd)
}

func tokenDataDir(cmd *cobra.Command) string {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	return cfg.Storage.DataDir
}

func issueToken(dataDir, agentID string) (string, error) {
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return "", err
	}
	defer store.Close()

	authStore, err := auth.NewStore(store)
	if err != nil {
		return "", err
	}
	return authStore.Issue(agentID)
}

func revokeToken(dataDir, token string) error {
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	authStore, err := auth.NewStore(store)
	if err != nil {
		return err
	}
	return authStore.Revoke(token)
}

func listTokens(dataDir string) (map[string]string, error) {
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ListTokens()
}
