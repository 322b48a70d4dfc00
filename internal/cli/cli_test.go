package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDefaultsToHelp(t *testing.T) {
	parsed, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, CommandHelp, parsed.Command)
	require.True(t, parsed.ShowHelp)
}

func TestParseRecordWithFlags(t *testing.T) {
	parsed, err := Parse([]string{"record", "--patient", "p-42", "--device", "usb-mic", "--title", "Consulta"})
	require.NoError(t, err)
	require.Equal(t, CommandRecord, parsed.Command)
	require.Equal(t, "p-42", parsed.PatientID)
	require.Equal(t, "usb-mic", parsed.DeviceID)
	require.Equal(t, "Consulta", parsed.Title)
	require.False(t, parsed.ShowHelp)
}

func TestParseRecordRequiresPatient(t *testing.T) {
	_, err := Parse([]string{"record"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "--patient")
}

func TestParseControlCommands(t *testing.T) {
	for _, command := range []Command{CommandStatus, CommandPause, CommandResume, CommandStop, CommandSave, CommandDevices, CommandDoctor} {
		parsed, err := Parse([]string{string(command)})
		require.NoError(t, err)
		require.Equal(t, command, parsed.Command)
		require.False(t, parsed.ShowHelp)
	}
}

func TestParseConfigFlag(t *testing.T) {
	parsed, err := Parse([]string{"status", "--config", "/tmp/escriba.json"})
	require.NoError(t, err)
	require.Equal(t, "/tmp/escriba.json", parsed.ConfigPath)
}

func TestParseRejectsUnknownCommand(t *testing.T) {
	_, err := Parse([]string{"transcribe"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown command")
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	_, err := Parse([]string{"status", "--verbose"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown flag")
}

func TestParseFlagRequiresValue(t *testing.T) {
	_, err := Parse([]string{"record", "--patient"})
	require.Error(t, err)

	_, err = Parse([]string{"record", "--patient", "  "})
	require.Error(t, err)
}

func TestParseVersionFlag(t *testing.T) {
	parsed, err := Parse([]string{"--version"})
	require.NoError(t, err)
	require.Equal(t, CommandVersion, parsed.Command)
}
