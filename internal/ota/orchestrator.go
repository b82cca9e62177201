// Package ota drives a full over-the-air update against one device:
// reachability probe, config preservation around filesystem flashes,
// the upload itself, and the post-flash restore with retries.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tinklink/tinkctl/internal/config"
	"github.com/tinklink/tinkctl/internal/device"
	"github.com/tinklink/tinkctl/internal/logger"
)

// API is the slice of the device client the orchestrator needs.
type API interface {
	Ping(ctx context.Context) error
	BackupConfig(ctx context.Context) (device.Backup, error)
	RestoreConfig(ctx context.Context, backup device.Backup) error
	Upload(ctx context.Context, target *device.UploadTarget) (string, error)
	Reboot(ctx context.Context) error
}

// Outcome is the result of one update run. Success tracks the upload
// alone: a failed restore leaves Success true and records RestoreErr,
// because the new image is already flashed and running.
type Outcome struct {
	Success    bool
	Elapsed    time.Duration
	Err        error
	RestoreErr error
}

// Orchestrator runs updates sequentially against a single device. It is
// not safe for concurrent use; the device serves one request at a time.
type Orchestrator struct {
	api  API
	host string
	cfg  config.OTAConfig
	out  io.Writer
	log  *logger.Logger
}

// New returns an orchestrator writing progress to out.
func New(api API, host string, cfg config.OTAConfig, out io.Writer, log *logger.Logger) *Orchestrator {
	return &Orchestrator{api: api, host: host, cfg: cfg, out: out, log: log}
}

// Run performs the update sequence for target. The steps are strictly
// ordered: probe, backup (filesystem mode only), upload, settle,
// restore, reboot. A failure before or during the upload aborts the
// run; a failure after the upload only degrades it.
func (o *Orchestrator) Run(ctx context.Context, target *device.UploadTarget) Outcome {
	o.banner(target)

	if err := o.probe(ctx); err != nil {
		return Outcome{Err: err}
	}

	var backup device.Backup
	if target.Mode == device.ModeFilesystem {
		backup = o.backup(ctx)
	}

	fmt.Fprintf(o.out, "Uploading %s...\n", target.Name)
	start := time.Now()
	uctx, cancel := context.WithTimeout(ctx, o.cfg.UploadTimeout)
	msg, err := o.api.Upload(uctx, target)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		return o.uploadFailure(err, elapsed)
	}

	secs := elapsed.Seconds()
	fmt.Fprintf(o.out, "\nUpload complete! (%.1fs)\n", secs)
	fmt.Fprintf(o.out, "Transfer rate: %.1f KB/s\n", float64(target.Size)/secs/1024)
	if msg != "" {
		fmt.Fprintf(o.out, "Response: %s\n", msg)
	}
	fmt.Fprintf(o.out, "\nDevice is rebooting...\n")

	out := Outcome{Success: true, Elapsed: elapsed}
	if backup != nil {
		out.RestoreErr = o.restoreSequence(ctx, backup)
	} else {
		fmt.Fprintln(o.out, "Wait a few seconds, then reconnect.")
	}
	return out
}

func (o *Orchestrator) banner(target *device.UploadTarget) {
	sep := strings.Repeat("=", 50)
	fmt.Fprintln(o.out, sep)
	fmt.Fprintln(o.out, "OTA Upload")
	fmt.Fprintln(o.out, sep)
	fmt.Fprintf(o.out, "Host:     %s\n", o.host)
	fmt.Fprintf(o.out, "File:     %s\n", target.Name)
	fmt.Fprintf(o.out, "Size:     %s bytes (%.1f KB)\n", comma(target.Size), float64(target.Size)/1024)
	fmt.Fprintf(o.out, "Mode:     %s\n", target.Mode.Wire())
	fmt.Fprintln(o.out, sep)
	fmt.Fprintln(o.out)
}

// probe confirms the device answers its API before anything is sent.
// Any failure here, including a non-200 answer, aborts the run as
// unreachable.
func (o *Orchestrator) probe(ctx context.Context) error {
	fmt.Fprint(o.out, "Checking device connectivity... ")
	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()

	err := o.api.Ping(pctx)
	if err == nil {
		fmt.Fprintln(o.out, "OK")
		return nil
	}
	fmt.Fprintln(o.out, "FAILED")
	if se, ok := device.AsStatus(err); ok {
		fmt.Fprintf(o.out, "Error: Device returned status %d\n", se.StatusCode)
	} else {
		fmt.Fprintf(o.out, "Error: Cannot connect to %s\n", o.host)
		fmt.Fprintf(o.out, "       %v\n", err)
	}
	if device.IsUnreachable(err) {
		return err
	}
	return &device.UnreachableError{Host: o.host, Err: err}
}

// backup captures the device config before a filesystem flash. It is
// best-effort: any error, and any document with only empty sections,
// just skips the restore later.
func (o *Orchestrator) backup(ctx context.Context) device.Backup {
	fmt.Fprint(o.out, "Backing up device config... ")
	bctx, cancel := context.WithTimeout(ctx, o.cfg.BackupTimeout)
	defer cancel()

	b, err := o.api.BackupConfig(bctx)
	if err != nil || !b.Usable() {
		if err != nil {
			o.log.Debugf("config backup unavailable: %v", err)
		}
		fmt.Fprintln(o.out, "SKIP (no config found or backup not supported)")
		return nil
	}
	fmt.Fprintf(o.out, "OK (%d sections)\n", b.Sections())
	return b
}

func (o *Orchestrator) uploadFailure(err error, elapsed time.Duration) Outcome {
	out := Outcome{Elapsed: elapsed, Err: err}
	switch {
	case errors.Is(err, context.Canceled):
		// Operator interrupt: nothing more to say.
	case device.IsTimeout(err):
		fmt.Fprintln(o.out, "\nError: Upload timed out")
		fmt.Fprintln(o.out, "The device may have rebooted during the update.")
		fmt.Fprintln(o.out, "Check if it comes back online.")
	default:
		if se, ok := device.AsStatus(err); ok {
			fmt.Fprintf(o.out, "\nUpload failed! Status: %d\n", se.StatusCode)
			fmt.Fprintf(o.out, "Error: %s\n", se.Detail)
		} else {
			fmt.Fprintf(o.out, "\nError during upload: %v\n", err)
		}
	}
	return out
}

// restoreSequence waits out the device's post-flash reboot, then pushes
// the backup back and asks for a final reboot so the restored config
// takes effect. Returns the terminal restore error, or nil.
func (o *Orchestrator) restoreSequence(ctx context.Context, backup device.Backup) error {
	fmt.Fprintln(o.out, "Waiting for device to come back online...")
	if err := sleepCtx(ctx, o.cfg.SettleDelay); err != nil {
		return err
	}

	fmt.Fprint(o.out, "Restoring config... ")
	if err := o.restore(ctx, backup); err != nil {
		fmt.Fprintln(o.out, "FAILED")
		fmt.Fprintln(o.out, "WARNING: Could not restore config. You may need to reconfigure manually.")
		return err
	}
	fmt.Fprintln(o.out, "OK")
	fmt.Fprintln(o.out, "Rebooting to apply restored config...")

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RebootTimeout)
	defer cancel()
	if err := o.api.Reboot(rctx); err != nil {
		// The connection drops as the device restarts.
		o.log.Debugf("reboot request: %v", err)
	}
	return nil
}

// restore retries the restore endpoint with a fixed delay between
// attempts. The device is often still rebooting when the first attempts
// land.
func (o *Orchestrator) restore(ctx context.Context, backup device.Backup) error {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.RestoreAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, o.cfg.RestoreRetryDelay); err != nil {
				return err
			}
		}
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RestoreTimeout)
		err := o.api.RestoreConfig(rctx, backup)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		o.log.Debugf("config restore attempt %d/%d: %v", attempt, o.cfg.RestoreAttempts, err)
	}
	return &RestoreFailedError{Attempts: o.cfg.RestoreAttempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// comma formats n with thousands separators.
func comma(n int64) string {
	s := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
