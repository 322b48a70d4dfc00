// Package cli parses the escriba command line.
package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandRecord  Command = "record"
	CommandStatus  Command = "status"
	CommandPause   Command = "pause"
	CommandResume  Command = "resume"
	CommandStop    Command = "stop"
	CommandSave    Command = "save"
	CommandDevices Command = "devices"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandRecord:  {},
	CommandStatus:  {},
	CommandPause:   {},
	CommandResume:  {},
	CommandStop:    {},
	CommandSave:    {},
	CommandDevices: {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

type Parsed struct {
	Command    Command
	ConfigPath string
	PatientID  string
	DeviceID   string
	Title      string
	ShowHelp   bool
}

// Parse resolves args into a command plus flags. The record command carries
// the session configuration flags.
func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	consumeValue := func(i *int, name string) (string, error) {
		*i++
		if *i >= len(args) {
			return "", fmt.Errorf("flag %s requires a value", name)
		}
		value := strings.TrimSpace(args[*i])
		if value == "" {
			return "", fmt.Errorf("flag %s requires a non-empty value", name)
		}
		return value, nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			value, err := consumeValue(&i, "--config")
			if err != nil {
				return Parsed{}, err
			}
			parsed.ConfigPath = value
		case "--patient":
			value, err := consumeValue(&i, "--patient")
			if err != nil {
				return Parsed{}, err
			}
			parsed.PatientID = value
		case "--device":
			value, err := consumeValue(&i, "--device")
			if err != nil {
				return Parsed{}, err
			}
			parsed.DeviceID = value
		case "--title":
			value, err := consumeValue(&i, "--title")
			if err != nil {
				return Parsed{}, err
			}
			parsed.Title = value
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}
			command := Command(arg)
			if _, ok := validCommands[command]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}
			parsed.Command = command
			parsed.ShowHelp = command == CommandHelp
		}
	}

	if parsed.Command == CommandRecord && parsed.PatientID == "" {
		return Parsed{}, errors.New("record requires --patient")
	}

	return parsed, nil
}

// HelpText renders usage for the given binary name.
func HelpText(binary string) string {
	return fmt.Sprintf(`usage: %[1]s <command> [flags]

commands:
  record    start a consultation recording session (owns the runtime socket)
  status    report the active session state
  pause     pause the active session
  resume    resume a paused session
  stop      stop the active session and persist it
  save      retry a failed final save
  devices   list audio input devices
  doctor    run capability diagnostics
  version   print build information
  help      show this help

flags:
  --patient <id>    patient reference for record (required)
  --device <id>     audio input device for record (default: config audio.input)
  --title <text>    session title for record (default: derived)
  --config <path>   explicit config file path
`, binary)
}
