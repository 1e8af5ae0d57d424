package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/remembrancer/lorekeeper/internal/session"
)

var askUser string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Retrieve lore passages for a single question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askUser, "user", "cli", "user id for the session")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	question := strings.Join(args, " ")
	turn, err := a.Ask(ctx, askUser, question)
	if err != nil {
		return fmt.Errorf("failed to answer question: %w", err)
	}

	printTurn(turn)
	return nil
}

func printTurn(turn session.Turn) {
	if turn.Condition == session.ConditionDegraded {
		fmt.Println("Retrieval is temporarily unavailable; no passages found.")
		return
	}
	if len(turn.Passages) == 0 {
		fmt.Println("No passages matched. Has the corpus been ingested?")
		return
	}

	fmt.Printf("%d passage(s) in %s:\n\n", len(turn.Passages), turn.Elapsed.Round(time.Millisecond))
	fmt.Println(turn.Context)
}
