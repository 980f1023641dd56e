package client

// input.go – the console command grammar. Dispatch is on the first token of
// the line; anything that is not a recognised command is a chat message.
//
//	exit             disconnect and quit
//	/n <name>        register (or change) the display name
//	/w <name> <msg>  whisper to a named user
//	/f <name> <path> send a file to a named user
//	<anything else>  broadcast chat

import (
	"errors"
	"fmt"
	"strings"
)

// CommandKind discriminates parsed console lines.
type CommandKind int

const (
	CmdChat CommandKind = iota
	CmdExit
	CmdName
	CmdWhisper
	CmdFile
)

// Command is one parsed console line.
type Command struct {
	Kind CommandKind
	Name string // target or new name for /n, /w, /f
	Text string // chat or whisper text
	Path string // file path for /f
}

// ErrEmptyLine marks a line with nothing to do.
var ErrEmptyLine = errors.New("empty line")

// ParseLine turns one console line into a Command. Validation here is
// local-only convenience; the server remains authoritative.
func ParseLine(line string) (Command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{}, ErrEmptyLine
	}

	first, rest, _ := strings.Cut(trimmed, " ")
	switch first {
	case "exit":
		return Command{Kind: CmdExit}, nil

	case "/n":
		name := strings.TrimSpace(rest)
		if name == "" {
			return Command{}, fmt.Errorf("usage: /n <name>")
		}
		if strings.ContainsAny(name, " \t") {
			return Command{}, fmt.Errorf("name must not contain whitespace")
		}
		return Command{Kind: CmdName, Name: name}, nil

	case "/w":
		target, msg, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || target == "" || strings.TrimSpace(msg) == "" {
			return Command{}, fmt.Errorf("usage: /w <name> <message>")
		}
		return Command{Kind: CmdWhisper, Name: target, Text: strings.TrimSpace(msg)}, nil

	case "/f":
		target, path, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || target == "" || strings.TrimSpace(path) == "" {
			return Command{}, fmt.Errorf("usage: /f <name> <path>")
		}
		return Command{Kind: CmdFile, Name: target, Path: strings.TrimSpace(path)}, nil

	default:
		return Command{Kind: CmdChat, Text: trimmed}, nil
	}
}
