package main

import (
	"fmt"
	"strings"

	"github.com/oceanbase/powermem-hotcold/pkg/core"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Run a HOT retrieval for one user",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRetrieve,
	}

	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().String("user", "", "User id")
	cmd.Flags().IntP("k", "k", 0, "Number of hits (default from config)")
	cmd.Flags().Int("fan-out", 0, "Candidates per list before fusion")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")

	rootCmd.AddCommand(cmd)
}

func runRetrieve(cmd *cobra.Command, args []string) {
	tenant, _ := cmd.Flags().GetString("tenant")
	user, _ := cmd.Flags().GetString("user")
	k, _ := cmd.Flags().GetInt("k")
	fanOut, _ := cmd.Flags().GetInt("fan-out")
	query := strings.Join(args, " ")

	client := openClient()
	defer client.Close()

	hits := client.Retrieve(cmd.Context(), tenant, user, query, core.WithK(k), core.WithFanOut(fanOut))
	if formatFlag == "text" {
		if block := core.FormatHits(hits); block != "" {
			fmt.Println(block)
		}
		return
	}
	printJSON(hits)
}
