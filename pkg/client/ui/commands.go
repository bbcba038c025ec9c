package ui

import (
	"fmt"
	"strings"
)

// ActionKind is what a line typed into the input box asks for
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionBroadcast
	ActionPrivate
	ActionUsers
	ActionHelp
	ActionQuit
	ActionInvalid
)

// Action is a parsed input line
type Action struct {
	Kind   ActionKind
	Target string
	Text   string
}

const helpText = "Commands: /msg <user> <text> (alias /w), /users, /help, /quit"

// ParseInput turns an input line into an Action. Lines without a leading
// slash are broadcasts; "//" escapes a literal slash.
func ParseInput(line string) Action {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Action{Kind: ActionNone}
	}
	if strings.HasPrefix(trimmed, "//") {
		return Action{Kind: ActionBroadcast, Text: line[strings.Index(line, "/")+1:]}
	}
	if !strings.HasPrefix(trimmed, "/") {
		return Action{Kind: ActionBroadcast, Text: line}
	}

	name, rest, _ := strings.Cut(trimmed[1:], " ")
	switch strings.ToLower(name) {
	case "msg", "w":
		target, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if target == "" || strings.TrimSpace(text) == "" {
			return Action{Kind: ActionInvalid, Text: "usage: /msg <user> <text>"}
		}
		return Action{Kind: ActionPrivate, Target: target, Text: strings.TrimSpace(text)}
	case "users", "who":
		return Action{Kind: ActionUsers}
	case "help", "?":
		return Action{Kind: ActionHelp, Text: helpText}
	case "quit", "exit", "q":
		return Action{Kind: ActionQuit}
	default:
		return Action{Kind: ActionInvalid, Text: fmt.Sprintf("unknown command /%s (try /help)", name)}
	}
}
