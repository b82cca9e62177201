package logtail

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/tinklink/tinkctl/internal/device"
)

// ConsoleSink renders the log stream for a terminal: entries colored by
// level, state-transition notices colored by severity.
type ConsoleSink struct {
	out io.Writer

	levels map[int]*color.Color
	red    *color.Color
	green  *color.Color
	yellow *color.Color
}

// NewConsoleSink returns a sink writing to out. INFO entries stay in
// the terminal's default color.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	return &ConsoleSink{
		out: out,
		levels: map[int]*color.Color{
			device.LevelDebug: color.New(color.FgHiBlack),
			device.LevelWarn:  color.New(color.FgYellow),
			device.LevelError: color.New(color.FgRed),
		},
		red:    color.New(color.FgRed),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
	}
}

func (s *ConsoleSink) Entry(e device.LogEntry) {
	line := FormatEntry(e)
	if c, ok := s.levels[e.Level]; ok {
		c.Fprintln(s.out, line)
		return
	}
	fmt.Fprintln(s.out, line)
}

func (s *ConsoleSink) Notice(kind NoticeKind) {
	switch kind {
	case NoticeConnectionLost:
		s.red.Fprintln(s.out, "[Connection lost - waiting for device...]")
	case NoticeStillWaiting:
		s.red.Fprintln(s.out, "[Still waiting for device...]")
	case NoticeReconnected:
		s.green.Fprintln(s.out, "[Device reconnected]")
	case NoticeRebooted:
		s.yellow.Fprintln(s.out, "[Device rebooted - fetching boot logs]")
	}
}

func (s *ConsoleSink) Summary(shown, total int) {
	if shown == 0 {
		fmt.Fprintln(s.out, "No logs available")
		return
	}
	fmt.Fprintln(s.out, Separator())
	fmt.Fprintf(s.out, "Showing %d of %d total log entries\n", shown, total)
}

// FormatEntry renders one entry: seconds since boot, padded level
// name, message.
func FormatEntry(e device.LogEntry) string {
	secs := float64(e.Timestamp) / 1000.0
	return fmt.Sprintf("[%8.2fs] [%-5s] %s", secs, device.LevelName(e.Level), e.Message)
}

// Separator is the rule printed above a log listing.
func Separator() string {
	return strings.Repeat("-", 60)
}
