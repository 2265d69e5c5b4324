package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	forget := &cobra.Command{
		Use:   "forget",
		Short: "Delete every memory of one user",
		Args:  cobra.NoArgs,
		Run:   runForget,
	}
	forget.Flags().String("tenant", "", "Tenant id")
	forget.Flags().String("user", "", "User id")
	_ = forget.MarkFlagRequired("tenant")
	_ = forget.MarkFlagRequired("user")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired memories once",
		Args:  cobra.NoArgs,
		Run:   runSweep,
	}

	deadLetters := &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered events, newest first",
		Args:  cobra.NoArgs,
		Run:   runDeadLetters,
	}
	deadLetters.Flags().IntP("limit", "l", 20, "Max entries")

	rootCmd.AddCommand(forget, sweep, deadLetters)
}

func runForget(cmd *cobra.Command, args []string) {
	tenant, _ := cmd.Flags().GetString("tenant")
	user, _ := cmd.Flags().GetString("user")

	client := openClient()
	defer client.Close()

	n, err := client.DeleteUserMemories(cmd.Context(), tenant, user)
	if err != nil {
		exitErr("forget", err)
	}
	fmt.Printf(`{"ok":true,"deleted":%d}`+"\n", n)
}

func runSweep(cmd *cobra.Command, args []string) {
	client := openClient()
	defer client.Close()

	n, err := client.SweepExpired(cmd.Context())
	if err != nil {
		exitErr("sweep", err)
	}
	fmt.Printf(`{"ok":true,"removed":%d}`+"\n", n)
}

func runDeadLetters(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	client := openClient()
	defer client.Close()

	entries, err := client.DeadLetters(cmd.Context(), limit)
	if err != nil {
		exitErr("list dead letters", err)
	}

	if formatFlag == "text" {
		for _, e := range entries {
			eventID := ""
			if e.Event != nil {
				eventID = e.Event.ID
			}
			fmt.Printf("%s  %s  event=%s reason=%s attempts=%d  %s\n",
				e.FailedAt.Format("2006-01-02T15:04:05Z07:00"), e.ID, eventID, e.Reason, e.Attempts, e.Error)
		}
		return
	}
	if len(entries) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(entries)
}
