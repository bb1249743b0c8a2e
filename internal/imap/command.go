package imap

import (
	"strings"
	"unicode"
)

// malformedMessage is sent with "* BAD" when a line cannot be split into a
// tag and a command.
const malformedMessage = "client commands must contain at least a tag and a command"

// Command is one parsed client request line.
type Command struct {
	Tag  string
	Name string
	Args []string
}

// ParseError reports a request line that could not be parsed. Its tag cannot
// be trusted, so it is answered untagged.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return malformedMessage
}

// ParseCommand splits a raw line into tag, command name and arguments.
// NUL padding and line terminators are trimmed first and anything after the
// first line break is dropped. The name is kept as received and arguments
// are split on single spaces. Tags and names with control characters are
// rejected since both are echoed back to the client.
func ParseCommand(line string) (*Command, error) {
	line = strings.Trim(line, "\x00\r\n")
	line, _, _ = strings.Cut(line, "\n")
	line = strings.TrimRight(line, "\r")

	tag, rest, ok := strings.Cut(line, " ")
	if !ok || tag == "" || rest == "" {
		return nil, &ParseError{Line: line}
	}

	name, argString, _ := strings.Cut(rest, " ")
	if name == "" || hasControl(tag) || hasControl(name) {
		return nil, &ParseError{Line: line}
	}

	cmd := &Command{Tag: tag, Name: name}
	if argString != "" {
		cmd.Args = strings.Split(argString, " ")
	}
	return cmd, nil
}

func hasControl(s string) bool {
	return strings.ContainsFunc(s, unicode.IsControl)
}
