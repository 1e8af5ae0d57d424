package cmd

import (
	"testing"
	"time"

	"github.com/remembrancer/lorekeeper/internal/retrieve"
	"github.com/remembrancer/lorekeeper/internal/session"
)

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	want := map[string]bool{
		"crawl":   false,
		"ingest":  false,
		"ask":     false,
		"chat":    false,
		"stats":   false,
		"version": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestPrintTurn_DoesNotPanic(t *testing.T) {
	printTurn(session.Turn{Condition: session.ConditionDegraded})
	printTurn(session.Turn{})
	printTurn(session.Turn{
		Passages: []retrieve.Passage{{ChunkID: "c1", ArticleTitle: "Terra", Text: "text"}},
		Context:  "Source: Terra\ntext",
		Elapsed:  42 * time.Millisecond,
	})
	printHistory(nil)
	printHistory([]session.Turn{{Query: "who is Horus"}})
}
