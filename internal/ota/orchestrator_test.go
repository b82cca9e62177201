package ota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tinklink/tinkctl/internal/config"
	"github.com/tinklink/tinkctl/internal/device"
	"github.com/tinklink/tinkctl/internal/logger"
)

type fakeAPI struct {
	pingErr     error
	backup      device.Backup
	backupErr   error
	uploadMsg   string
	uploadErr   error
	restoreErrs []error
	rebootErr   error

	calls        []string
	restoreCalls int
	restored     device.Backup
}

func (f *fakeAPI) Ping(ctx context.Context) error {
	f.calls = append(f.calls, "ping")
	return f.pingErr
}

func (f *fakeAPI) BackupConfig(ctx context.Context) (device.Backup, error) {
	f.calls = append(f.calls, "backup")
	return f.backup, f.backupErr
}

func (f *fakeAPI) RestoreConfig(ctx context.Context, backup device.Backup) error {
	f.calls = append(f.calls, "restore")
	f.restoreCalls++
	f.restored = backup
	if f.restoreCalls <= len(f.restoreErrs) {
		return f.restoreErrs[f.restoreCalls-1]
	}
	return nil
}

func (f *fakeAPI) Upload(ctx context.Context, target *device.UploadTarget) (string, error) {
	f.calls = append(f.calls, "upload")
	return f.uploadMsg, f.uploadErr
}

func (f *fakeAPI) Reboot(ctx context.Context) error {
	f.calls = append(f.calls, "reboot")
	return f.rebootErr
}

func (f *fakeAPI) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func testCfg() config.OTAConfig {
	return config.OTAConfig{
		ProbeTimeout:      100 * time.Millisecond,
		BackupTimeout:     100 * time.Millisecond,
		UploadTimeout:     time.Second,
		SettleDelay:       time.Millisecond,
		RestoreTimeout:    100 * time.Millisecond,
		RestoreAttempts:   5,
		RestoreRetryDelay: time.Millisecond,
		RebootTimeout:     100 * time.Millisecond,
	}
}

func newTestRun(f *fakeAPI) (*Orchestrator, *bytes.Buffer) {
	var out bytes.Buffer
	return New(f, "device.local", testCfg(), &out, logger.Nop()), &out
}

func firmwareTarget() *device.UploadTarget {
	return &device.UploadTarget{Mode: device.ModeFirmware, Name: "firmware.bin", Size: 1234567}
}

func filesystemTarget() *device.UploadTarget {
	return &device.UploadTarget{Mode: device.ModeFilesystem, Name: "littlefs.bin", Size: 65536}
}

func usableBackup() device.Backup {
	return device.Backup{"config": json.RawMessage(`{"name":"den"}`)}
}

func TestRun_FirmwareSuccess(t *testing.T) {
	f := &fakeAPI{uploadMsg: "Update complete"}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), firmwareTarget())
	if !res.Success || res.Err != nil || res.RestoreErr != nil {
		t.Fatalf("expected clean success, got: %+v", res)
	}
	if f.count("backup") != 0 || f.count("restore") != 0 || f.count("reboot") != 0 {
		t.Errorf("firmware mode must never touch config, calls: %v", f.calls)
	}
	text := out.String()
	for _, want := range []string{
		"OTA Upload",
		"Host:     device.local",
		"Size:     1,234,567 bytes",
		"Mode:     firmware",
		"Checking device connectivity... OK",
		"Upload complete!",
		"Response: Update complete",
		"Device is rebooting...",
		"Wait a few seconds, then reconnect.",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Backing up") {
		t.Error("firmware mode must not mention backup")
	}
}

func TestRun_FilesystemWithRestore(t *testing.T) {
	f := &fakeAPI{backup: usableBackup()}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), filesystemTarget())
	if !res.Success || res.RestoreErr != nil {
		t.Fatalf("expected success with restore, got: %+v", res)
	}
	want := []string{"ping", "backup", "upload", "restore", "reboot"}
	if len(f.calls) != len(want) {
		t.Fatalf("expected calls %v, got: %v", want, f.calls)
	}
	for i := range want {
		if f.calls[i] != want[i] {
			t.Fatalf("expected calls %v, got: %v", want, f.calls)
		}
	}
	if f.restored.Sections() != 1 {
		t.Errorf("expected captured backup to be restored, got: %+v", f.restored)
	}
	text := out.String()
	for _, s := range []string{
		"Backing up device config... OK (1 sections)",
		"Waiting for device to come back online...",
		"Restoring config... OK",
		"Rebooting to apply restored config...",
	} {
		if !strings.Contains(text, s) {
			t.Errorf("output missing %q:\n%s", s, text)
		}
	}
}

func TestRun_FilesystemEmptyBackup(t *testing.T) {
	f := &fakeAPI{backup: device.Backup{
		"config": json.RawMessage(`{}`),
		"wifi":   json.RawMessage(`{}`),
	}}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), filesystemTarget())
	if !res.Success {
		t.Fatalf("expected success, got: %+v", res)
	}
	if f.count("restore") != 0 || f.count("reboot") != 0 {
		t.Errorf("empty backup must not be restored, calls: %v", f.calls)
	}
	text := out.String()
	if !strings.Contains(text, "SKIP (no config found or backup not supported)") {
		t.Errorf("expected skip notice:\n%s", text)
	}
	if !strings.Contains(text, "Wait a few seconds, then reconnect.") {
		t.Errorf("expected reconnect hint:\n%s", text)
	}
}

func TestRun_FilesystemBackupError(t *testing.T) {
	f := &fakeAPI{backupErr: &device.UnreachableError{Host: "device.local", Err: errors.New("refused")}}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), filesystemTarget())
	if !res.Success || res.Err != nil {
		t.Fatalf("backup failure must not abort the run, got: %+v", res)
	}
	if f.count("restore") != 0 {
		t.Errorf("no restore without a backup, calls: %v", f.calls)
	}
	if !strings.Contains(out.String(), "SKIP") {
		t.Errorf("expected skip notice:\n%s", out.String())
	}
}

func TestRun_ProbeUnreachable(t *testing.T) {
	f := &fakeAPI{pingErr: &device.UnreachableError{Host: "device.local", Err: errors.New("no route to host")}}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), firmwareTarget())
	if res.Success {
		t.Fatal("expected failure")
	}
	if !device.IsUnreachable(res.Err) {
		t.Errorf("expected UnreachableError, got: %v", res.Err)
	}
	if f.count("upload") != 0 {
		t.Errorf("probe failure must abort before upload, calls: %v", f.calls)
	}
	text := out.String()
	if !strings.Contains(text, "Checking device connectivity... FAILED") {
		t.Errorf("expected probe failure notice:\n%s", text)
	}
	if !strings.Contains(text, "Error: Cannot connect to device.local") {
		t.Errorf("expected connect error:\n%s", text)
	}
}

func TestRun_ProbeBadStatus(t *testing.T) {
	f := &fakeAPI{pingErr: &device.StatusError{Endpoint: "/api/status", StatusCode: 503}}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), firmwareTarget())
	if res.Success {
		t.Fatal("expected failure")
	}
	if !device.IsUnreachable(res.Err) {
		t.Errorf("probe failure must classify as unreachable, got: %v", res.Err)
	}
	if !strings.Contains(out.String(), "Error: Device returned status 503") {
		t.Errorf("expected status line:\n%s", out.String())
	}
}

func TestRun_UploadRejected(t *testing.T) {
	f := &fakeAPI{
		backup:    usableBackup(),
		uploadErr: &device.StatusError{Endpoint: "/api/ota/upload", StatusCode: 500, Detail: "flash write failed"},
	}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), filesystemTarget())
	if res.Success {
		t.Fatal("expected failure")
	}
	if se, ok := device.AsStatus(res.Err); !ok || se.StatusCode != 500 {
		t.Errorf("expected StatusError 500, got: %v", res.Err)
	}
	if f.count("restore") != 0 || f.count("reboot") != 0 {
		t.Errorf("rejected upload must skip restore, calls: %v", f.calls)
	}
	text := out.String()
	if !strings.Contains(text, "Upload failed! Status: 500") {
		t.Errorf("expected rejection notice:\n%s", text)
	}
	if !strings.Contains(text, "Error: flash write failed") {
		t.Errorf("expected device detail:\n%s", text)
	}
}

func TestRun_UploadTimeout(t *testing.T) {
	f := &fakeAPI{uploadErr: &device.TimeoutError{Op: "upload", Err: context.DeadlineExceeded}}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), firmwareTarget())
	if res.Success {
		t.Fatal("expected failure")
	}
	if !device.IsTimeout(res.Err) {
		t.Errorf("expected TimeoutError, got: %v", res.Err)
	}
	text := out.String()
	for _, s := range []string{
		"Error: Upload timed out",
		"The device may have rebooted during the update.",
		"Check if it comes back online.",
	} {
		if !strings.Contains(text, s) {
			t.Errorf("output missing %q:\n%s", s, text)
		}
	}
}

func TestRun_UploadCanceled(t *testing.T) {
	f := &fakeAPI{uploadErr: context.Canceled}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), firmwareTarget())
	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected cancellation, got: %v", res.Err)
	}
	if strings.Contains(out.String(), "Error during upload") {
		t.Errorf("cancellation should not print an upload error:\n%s", out.String())
	}
}

func TestRun_RestoreRetriesUntilSuccess(t *testing.T) {
	attemptErr := &device.UnreachableError{Host: "device.local", Err: errors.New("still rebooting")}
	f := &fakeAPI{
		backup:      usableBackup(),
		restoreErrs: []error{attemptErr, attemptErr, attemptErr, attemptErr},
	}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), filesystemTarget())
	if !res.Success || res.RestoreErr != nil {
		t.Fatalf("expected restore to succeed on the final attempt, got: %+v", res)
	}
	if f.restoreCalls != 5 {
		t.Errorf("expected 5 restore attempts, got: %d", f.restoreCalls)
	}
	if f.count("reboot") != 1 {
		t.Errorf("expected exactly one reboot, got calls: %v", f.calls)
	}
	if !strings.Contains(out.String(), "Restoring config... OK") {
		t.Errorf("expected restore success:\n%s", out.String())
	}
}

func TestRun_RestoreExhausted(t *testing.T) {
	attemptErr := &device.TimeoutError{Op: "config restore", Err: context.DeadlineExceeded}
	f := &fakeAPI{
		backup:      usableBackup(),
		restoreErrs: []error{attemptErr, attemptErr, attemptErr, attemptErr, attemptErr},
	}
	o, out := newTestRun(f)

	res := o.Run(context.Background(), filesystemTarget())
	if !res.Success {
		t.Fatal("upload success must survive a failed restore")
	}
	if !IsRestoreFailed(res.RestoreErr) {
		t.Errorf("expected RestoreFailedError, got: %v", res.RestoreErr)
	}
	if f.restoreCalls != 5 {
		t.Errorf("expected 5 restore attempts, got: %d", f.restoreCalls)
	}
	if f.count("reboot") != 0 {
		t.Errorf("no reboot after failed restore, calls: %v", f.calls)
	}
	text := out.String()
	if !strings.Contains(text, "Restoring config... FAILED") {
		t.Errorf("expected restore failure:\n%s", text)
	}
	if !strings.Contains(text, "WARNING: Could not restore config. You may need to reconfigure manually.") {
		t.Errorf("expected manual reconfigure warning:\n%s", text)
	}
}

func TestRun_RebootErrorIgnored(t *testing.T) {
	f := &fakeAPI{
		backup:    usableBackup(),
		rebootErr: &device.UnreachableError{Host: "device.local", Err: errors.New("connection reset")},
	}
	o, _ := newTestRun(f)

	res := o.Run(context.Background(), filesystemTarget())
	if !res.Success || res.RestoreErr != nil {
		t.Fatalf("reboot errors are advisory, got: %+v", res)
	}
}

func TestComma(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{7, "7"},
		{999, "999"},
		{1000, "1,000"},
		{65536, "65,536"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		if got := comma(tt.n); got != tt.want {
			t.Errorf("comma(%d) = %q, expected %q", tt.n, got, tt.want)
		}
	}
}
