package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remembrancer/lorekeeper/internal/session"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive retrieval session",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "cli", "user id for the session")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Println("Lorekeeper interactive session. Ask about the lore.")
	fmt.Println("Commands: /history, /reset, /quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			a.Reset(chatUser)
			fmt.Println("Session cleared.")
			continue
		case "/history":
			printHistory(a.History(chatUser))
			continue
		}

		turn, err := a.Ask(ctx, chatUser, line)
		switch {
		case errors.Is(err, session.ErrRateLimited):
			fmt.Println("Slow down a little; try again in a moment.")
			continue
		case err != nil:
			return fmt.Errorf("turn failed: %w", err)
		}

		printTurn(turn)
		fmt.Println()
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

func printHistory(turns []session.Turn) {
	if len(turns) == 0 {
		fmt.Println("No turns yet.")
		return
	}
	for i, turn := range turns {
		fmt.Printf("%2d. [%s] %s (%d passages)\n",
			i+1, turn.Condition, turn.Query, len(turn.Passages))
	}
}
