package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinklink/tinkctl/internal/config"
	"github.com/tinklink/tinkctl/internal/device"
	"github.com/tinklink/tinkctl/internal/logger"
	"github.com/tinklink/tinkctl/internal/logtail"
	"github.com/tinklink/tinkctl/internal/ota"
)

var (
	cfgFile  string
	hostFlag string
	verbose  bool

	logsFollow   bool
	logsRecent   int
	logsClear    bool
	logsInterval time.Duration

	otaTimeout time.Duration
)

// errReported marks failures whose message was already written to the
// terminal; main only has to set the exit code.
var errReported = errors.New("failure already reported")

var rootCmd = &cobra.Command{
	Use:   "tinkctl",
	Short: "TinkLink-USB companion tool",
	Long: `Operator tooling for TinkLink-USB devices: over-the-air firmware and
filesystem updates, remote log monitoring, and device control over the
device's WiFi API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "device hostname or IP (default: tinklink.local or $TINKLINK_HOST)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", true, "tail logs continuously (default behavior)")
	logsCmd.Flags().IntVarP(&logsRecent, "recent", "n", 0, "show COUNT recent logs and exit")
	logsCmd.Flags().BoolVar(&logsClear, "clear", false, "clear log buffer on device")
	logsCmd.Flags().DurationVarP(&logsInterval, "interval", "i", time.Second, "polling interval for tail mode")

	otaCmd.PersistentFlags().DurationVar(&otaTimeout, "timeout", 120*time.Second, "upload timeout")
	otaCmd.AddCommand(otaFirmwareCmd)
	otaCmd.AddCommand(otaFilesystemCmd)
	otaCmd.AddCommand(otaStatusCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(otaCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rebootCmd)
}

// loadConfig resolves settings with the --host flag taking precedence
// over the environment, the config file, and the built-in default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if hostFlag != "" {
		cfg.Host = hostFlag
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logger.Logger {
	level := cfg.LogLevel
	if verbose {
		level = logger.DebugLevel
	}
	return logger.Get(level)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("tinkctl v0.1.0")
		fmt.Println("TinkLink-USB companion tool")
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Fetch and tail device logs",
	Long: `Fetch and tail logs from a TinkLink-USB device via its HTTP API.
Useful for debugging when USB CDC is disabled (USB OTG mode).`,
	Example: `  tinkctl logs                      # tail logs continuously
  tinkctl logs -n 50                # show 50 most recent logs
  tinkctl logs --clear              # clear device log buffer
  tinkctl logs --host 192.168.1.100 # use a specific IP`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		if cmd.Flags().Changed("interval") {
			cfg.Logs.PollInterval = logsInterval
		}
		ctx := cmd.Context()
		client := device.NewClient(cfg.Host, log)

		fmt.Printf("Connecting to %s... ", cfg.Host)
		pctx, cancel := context.WithTimeout(ctx, cfg.Logs.StatusTimeout)
		err = client.Ping(pctx)
		cancel()
		if err != nil {
			fmt.Println("FAILED")
			fmt.Fprintf(os.Stderr, "Error: Could not connect to %s\n", cfg.Host)
			fmt.Fprintln(os.Stderr, "Make sure the device is powered on and connected to WiFi.")
			return errReported
		}
		fmt.Println("OK")

		if logsClear {
			cctx, cancel := context.WithTimeout(ctx, cfg.Logs.ClearTimeout)
			defer cancel()
			if err := client.ClearLogs(cctx); err != nil {
				log.Debugf("clear logs: %v", err)
				fmt.Fprintln(os.Stderr, "Failed to clear logs")
				return errReported
			}
			fmt.Println("Log buffer cleared")
			return nil
		}

		sink := logtail.NewConsoleSink(os.Stdout)
		monitor := logtail.NewMonitor(client, sink, cfg.Logs, log)

		if logsRecent > 0 {
			fmt.Printf("Fetching %d recent logs from %s...\n", logsRecent, cfg.Host)
			fmt.Println(logtail.Separator())
			if err := monitor.Recent(ctx, logsRecent); err != nil {
				log.Debugf("recent logs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: Could not connect to %s\n", cfg.Host)
				return errReported
			}
			return nil
		}

		fmt.Printf("Tailing logs from %s (Ctrl+C to stop)...\n", cfg.Host)
		fmt.Println(logtail.Separator())
		if err := monitor.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Println("\n[Stopped]")
		return nil
	},
}

var otaCmd = &cobra.Command{
	Use:   "ota",
	Short: "Over-the-air updates",
	Example: `  tinkctl ota firmware .pio/build/esp32s3/firmware.bin
  tinkctl ota fs .pio/build/esp32s3/littlefs.bin
  tinkctl ota firmware firmware.bin --host 192.168.1.100`,
}

var otaFirmwareCmd = &cobra.Command{
	Use:   "firmware FILE",
	Short: "Upload a firmware image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd, device.ModeFirmware, args[0])
	},
}

var otaFilesystemCmd = &cobra.Command{
	Use:     "filesystem FILE",
	Aliases: []string{"fs"},
	Short:   "Upload a filesystem image, preserving device config",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd, device.ModeFilesystem, args[0])
	},
}

func runUpload(cmd *cobra.Command, mode device.Mode, path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	if cmd.Flags().Changed("timeout") {
		cfg.OTA.UploadTimeout = otaTimeout
	}

	target, err := device.NewUploadTarget(mode, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return errReported
	}

	client := device.NewClient(cfg.Host, log)
	orch := ota.New(client, cfg.Host, cfg.OTA, os.Stdout, log)
	res := orch.Run(cmd.Context(), target)
	if res.RestoreErr != nil {
		log.Warnf("config restore: %v", res.RestoreErr)
	}
	if !res.Success {
		return errReported
	}
	return nil
}

var otaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the device's flash progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		client := device.NewClient(cfg.Host, log)

		sctx, cancel := context.WithTimeout(cmd.Context(), cfg.OTA.ProbeTimeout)
		defer cancel()
		st, err := client.OTAStatus(sctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Could not connect to %s\n", cfg.Host)
			return errReported
		}
		if !st.InProgress {
			if st.Error != "" {
				fmt.Printf("No update in progress (last error: %s)\n", st.Error)
			} else {
				fmt.Println("No update in progress")
			}
			return nil
		}
		fmt.Printf("Flashing: %d/%d bytes (%d%%)\n", st.Progress, st.Total, st.Percent)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		client := device.NewClient(cfg.Host, log)

		sctx, cancel := context.WithTimeout(cmd.Context(), cfg.Logs.StatusTimeout)
		defer cancel()
		st, err := client.Status(sctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Could not connect to %s\n", cfg.Host)
			return errReported
		}

		fmt.Printf("Device:   %s\n", cfg.Host)
		fmt.Printf("Version:  %s\n", st.Version)
		if st.Wifi.Connected {
			fmt.Printf("WiFi:     %s (%s, %d dBm)\n", st.Wifi.SSID, st.Wifi.IP, st.Wifi.RSSI)
		} else {
			fmt.Println("WiFi:     disconnected")
		}
		if st.Switcher.Type != "" {
			fmt.Printf("Switcher: %s (input %d)\n", st.Switcher.Type, st.Switcher.CurrentInput)
		}
		if st.Tink.PowerState != "" {
			fmt.Printf("Tink:     %s\n", st.Tink.PowerState)
		}
		return nil
	},
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		client := device.NewClient(cfg.Host, log)

		rctx, cancel := context.WithTimeout(cmd.Context(), cfg.OTA.RebootTimeout)
		defer cancel()
		if err := client.Reboot(rctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: Could not connect to %s\n", cfg.Host)
			return errReported
		}
		fmt.Println("Reboot requested")
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
