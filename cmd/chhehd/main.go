package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/daemon"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	conversationFlag := flag.String("conversation", "", "conversation id to open")
	taskFlag := flag.String("task", "", "task id backing the conversation")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *conversationFlag == "" {
		fmt.Fprintln(os.Stderr, "error: -conversation is required")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName:    sessionName,
			ConversationID: *conversationFlag,
			TaskID:         *taskFlag,
		}),
	)

	app.Run()
}
