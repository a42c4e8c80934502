// Package command recognizes the slash commands users can send instead of a
// task.
package command

import "strings"

type Name string

const (
	Help    Name = "help"
	Reset   Name = "reset"
	Stop    Name = "stop"
	Switch  Name = "switch"
	List    Name = "list"
	Status  Name = "status"
	History Name = "history"
	Clear   Name = "clear"
)

var aliases = map[string]Name{
	"help":    Help,
	"h":       Help,
	"reset":   Reset,
	"new":     Reset,
	"stop":    Stop,
	"cancel":  Stop,
	"switch":  Switch,
	"ws":      Switch,
	"list":    List,
	"ls":      List,
	"status":  Status,
	"queue":   Status,
	"history": History,
	"clear":   Clear,
}

// Command is a parsed slash command.
type Command struct {
	Name Name
	Args []string
	Raw  string
}

// Arg returns the arguments joined by single spaces.
func (c Command) Arg() string {
	return strings.Join(c.Args, " ")
}

// Parse recognizes "/name args...". Unknown names are not commands, so the
// text can still go to the agent.
func Parse(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return Command{}, false
	}
	name, ok := aliases[strings.ToLower(fields[0])]
	if !ok {
		return Command{}, false
	}
	return Command{Name: name, Args: fields[1:], Raw: text}, true
}

// HelpText lists the commands.
const HelpText = `Commands:
/help  show this message
/reset  start a fresh conversation
/stop  stop your running task and drop your queued ones
/switch <workspace>  change workspace
/list  list workspaces
/status  show the queue of your workspace
/history  show your recent tasks
/clear  (admin) drop idle sessions of the current workspace`
