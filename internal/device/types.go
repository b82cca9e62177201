package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Log levels as indexed by the firmware's LogLevel enum. The wire
// format carries the index, not the name.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

var levelNames = []string{"DEBUG", "INFO", "WARN", "ERROR"}

// LevelName returns the display name for a wire-level index, or "?"
// for indices the firmware does not define.
func LevelName(lvl int) string {
	if lvl < 0 || lvl >= len(levelNames) {
		return "?"
	}
	return levelNames[lvl]
}

// LogEntry is a single entry from the device's in-memory log buffer.
// Entries are immutable once fetched and ordered by the server-assigned
// sequence position within a boot session.
type LogEntry struct {
	Timestamp uint64 `json:"ts"` // milliseconds since device boot
	Level     int    `json:"lvl"`
	Message   string `json:"msg"`
}

// LogPage is one page of the device log buffer. Total counts every
// entry produced since the last device boot: it never decreases while
// the device runs continuously and resets toward zero exactly when the
// device reboots, which is what reconnect/reboot detection keys on.
type LogPage struct {
	Total int        `json:"total"`
	Count int        `json:"count"`
	Logs  []LogEntry `json:"logs"`
}

// Backup is the opaque key-sectioned document returned by the config
// backup endpoint. Section values are kept raw: the tool round-trips
// them to the restore endpoint without interpreting their contents.
type Backup map[string]json.RawMessage

// recognizedSections are the config files the firmware persists; a
// backup is only worth restoring if at least one of them has content.
var recognizedSections = []string{"config", "wifi"}

// Usable reports whether the backup contains at least one non-empty
// recognized section. A device with a freshly formatted filesystem
// returns sections like {"config": {}, "wifi": {}}, which must be
// treated the same as no backup at all.
func (b Backup) Usable() bool {
	for _, name := range recognizedSections {
		if raw, ok := b[name]; ok && !emptyJSONValue(raw) {
			return true
		}
	}
	return false
}

// Sections returns the number of sections in the backup document.
func (b Backup) Sections() int {
	return len(b)
}

// emptyJSONValue reports whether a raw JSON value carries no content:
// null, empty object/array/string, zero, or false.
func emptyJSONValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "{}", "[]", `""`, "0", "false":
		return true
	}
	return false
}

// OTAStatus mirrors the device's flash progress report.
type OTAStatus struct {
	InProgress bool   `json:"inProgress"`
	Progress   int    `json:"progress"`
	Total      int    `json:"total"`
	Error      string `json:"error"`
	Percent    int    `json:"percent"`
}

// Status is the subset of the device status document the tool renders.
type Status struct {
	Version  string         `json:"version"`
	Wifi     WifiStatus     `json:"wifi"`
	Switcher SwitcherStatus `json:"switcher"`
	Tink     TinkStatus     `json:"tink"`
}

type WifiStatus struct {
	Connected bool   `json:"connected"`
	SSID      string `json:"ssid"`
	IP        string `json:"ip"`
	RSSI      int    `json:"rssi"`
	State     string `json:"state"`
	Mode      string `json:"mode"`
}

type SwitcherStatus struct {
	Type         string `json:"type"`
	CurrentInput int    `json:"currentInput"`
}

type TinkStatus struct {
	Connected  bool   `json:"connected"`
	PowerState string `json:"powerState"`
}

// Mode selects which flash partition an upload targets.
type Mode string

const (
	ModeFirmware   Mode = "firmware"
	ModeFilesystem Mode = "filesystem"
)

// ParseMode parses a mode argument: "firmware", or "fs"/"filesystem"
// for the filesystem image.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "firmware":
		return ModeFirmware, nil
	case "fs", "filesystem":
		return ModeFilesystem, nil
	}
	return "", fmt.Errorf("invalid upload mode %q (expected firmware, fs, or filesystem)", s)
}

// Wire returns the value the firmware expects in the multipart "mode"
// field: "firmware" or "fs".
func (m Mode) Wire() string {
	if m == ModeFilesystem {
		return "fs"
	}
	return string(m)
}

// UploadTarget describes one binary to flash. It is constructed once
// per invocation and read-only thereafter.
type UploadTarget struct {
	Mode Mode
	Path string
	Name string
	Size int64
}

// NewUploadTarget stats the file and captures its name and size.
func NewUploadTarget(mode Mode, path string) (*UploadTarget, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("not a file: %s", path)
	}
	return &UploadTarget{
		Mode: mode,
		Path: path,
		Name: filepath.Base(path),
		Size: info.Size(),
	}, nil
}
