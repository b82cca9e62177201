// Package logtail polls a device's log buffer and turns the fetched
// pages into a continuous stream, detecting disconnects and reboots
// along the way.
package logtail

import (
	"context"
	"time"

	"github.com/tinklink/tinkctl/internal/config"
	"github.com/tinklink/tinkctl/internal/device"
	"github.com/tinklink/tinkctl/internal/logger"
)

// Fetcher is the slice of the device client the monitor needs.
type Fetcher interface {
	FetchLogs(ctx context.Context, since, count int) (*device.LogPage, error)
}

// NoticeKind identifies the connection-state transitions the monitor
// reports between log entries.
type NoticeKind int

const (
	NoticeConnectionLost NoticeKind = iota
	NoticeStillWaiting
	NoticeReconnected
	NoticeRebooted
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeConnectionLost:
		return "connection-lost"
	case NoticeStillWaiting:
		return "still-waiting"
	case NoticeReconnected:
		return "reconnected"
	case NoticeRebooted:
		return "rebooted"
	}
	return "unknown"
}

// Sink receives everything the monitor produces. Implementations
// render; the monitor only sequences.
type Sink interface {
	Entry(e device.LogEntry)
	Notice(kind NoticeKind)
	Summary(shown, total int)
}

// Cursor is the monitor's position in the device's log stream. LastTotal
// is the device's running entry count after the last rendered page; a
// fetched total below it means the device rebooted and restarted its
// counter.
type Cursor struct {
	LastTotal         int
	Connected         bool
	DisconnectedSince time.Time
}

// Monitor tails one device. Single-goroutine: all state lives in the
// cursor and is only touched from Run's loop.
type Monitor struct {
	fetcher Fetcher
	sink    Sink
	cfg     config.LogsConfig
	log     *logger.Logger

	cursor Cursor
	now    func() time.Time
}

// NewMonitor returns a monitor that assumes the device is reachable;
// callers probe connectivity before starting it.
func NewMonitor(f Fetcher, s Sink, cfg config.LogsConfig, log *logger.Logger) *Monitor {
	return &Monitor{
		fetcher: f,
		sink:    s,
		cfg:     cfg,
		log:     log,
		cursor:  Cursor{Connected: true},
		now:     time.Now,
	}
}

// Run polls until ctx is done and returns ctx's error.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		m.cycle(ctx)
		if err := sleepCtx(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// Recent fetches one page from the start of the buffer, forwards its
// entries, and reports how much of the buffer was shown.
func (m *Monitor) Recent(ctx context.Context, count int) error {
	fctx, cancel := context.WithTimeout(ctx, m.cfg.RecentTimeout)
	defer cancel()

	page, err := m.fetcher.FetchLogs(fctx, 0, count)
	if err != nil {
		return err
	}
	for _, e := range page.Logs {
		m.sink.Entry(e)
	}
	m.sink.Summary(len(page.Logs), page.Total)
	return nil
}

// cycle performs one poll. After a disconnect the fetch restarts at
// zero so boot logs are not skipped when the device returns.
func (m *Monitor) cycle(ctx context.Context) {
	since := m.cursor.LastTotal
	if !m.cursor.Connected {
		since = 0
	}
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	page, err := m.fetcher.FetchLogs(fctx, since, m.cfg.FetchCount)
	cancel()

	if err != nil {
		m.handleFetchFailure(ctx, err)
		return
	}
	m.handlePage(ctx, page)
}

// handleFetchFailure reports a lost connection once, then a reminder at
// most once per reminder interval until the device answers again.
func (m *Monitor) handleFetchFailure(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if m.cursor.Connected {
		m.cursor.Connected = false
		m.cursor.DisconnectedSince = m.now()
		m.log.Debugf("log fetch failed: %v", err)
		m.sink.Notice(NoticeConnectionLost)
		return
	}
	if m.now().Sub(m.cursor.DisconnectedSince) > m.cfg.ReminderInterval {
		m.sink.Notice(NoticeStillWaiting)
		m.cursor.DisconnectedSince = m.now()
	}
}

// handlePage renders one successfully fetched page. A reconnect takes
// precedence over reboot detection: the page was already fetched from
// zero, so comparing totals would misfire.
func (m *Monitor) handlePage(ctx context.Context, page *device.LogPage) {
	if !m.cursor.Connected {
		m.cursor.Connected = true
		m.sink.Notice(NoticeReconnected)
	} else if page.Total < m.cursor.LastTotal {
		m.sink.Notice(NoticeRebooted)
		fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		boot, err := m.fetcher.FetchLogs(fctx, 0, m.cfg.FetchCount)
		cancel()
		if err == nil {
			page = boot
		} else {
			// Keep the regressed page rather than dropping entries.
			m.log.Debugf("boot log refetch failed: %v", err)
		}
	}

	for _, e := range page.Logs {
		m.sink.Entry(e)
	}
	m.cursor.LastTotal = page.Total
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
