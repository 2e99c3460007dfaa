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
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/YKarmar/JobFunnel/internal/app"
	"github.com/YKarmar/JobFunnel/internal/apperr"
	"github.com/YKarmar/JobFunnel/internal/config"
	"github.com/YKarmar/JobFunnel/internal/exporter"
	"github.com/YKarmar/JobFunnel/internal/logger"
	"github.com/YKarmar/JobFunnel/internal/scan"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "jobfunnel",
	Short:         "Job-search funnel from your mailbox",
	Long:          "Scans a signed-in Gmail or Outlook mailbox and reports the job application funnel",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a mailbox for a date range",
	Long:  "Runs a scan for a session created by funnel-server sign-in and prints the funnel",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := scanWindow(viper.GetString("start"), viper.GetString("end"), time.Now().UTC())
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app.App) error {

			res, err := a.Scanner.Run(ctx, scan.Request{
				SessionID: viper.GetString("session"),
				Identity:  viper.GetString("identity"),
				Start:     start,
				End:       end,
			})
			if err != nil {
				return err
			}
			if out := viper.GetString("out"); out != "" {
				arts, err := exporter.WriteArtifacts(out, *res)
				if err != nil {
					return err
				}
				res.Artifacts = arts
			}
			exporter.PrintSummary(cmd.OutOrStdout(), *res)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete a stored session and its tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			id := viper.GetString("session")
			if id == "" {
				return apperr.New(apperr.KindInvalidRequest, "--session is required")
			}
			if err := a.Vault.Logout(ctx, id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "jobfunnel", version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "configs/config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("session", "", "Session id issued at sign-in")

	scanCmd.Flags().String("start", "", "First day to scan, YYYY-MM-DD (default 30 days ago)")
	scanCmd.Flags().String("end", "", "Last day to scan, YYYY-MM-DD (default today)")
	scanCmd.Flags().String("identity", "", "Expected mailbox address; the scan is refused if the session belongs to another")
	scanCmd.Flags().String("out", "", "Also write summary.json, the CSV tables and funnel.png to this directory")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
	viper.BindPFlag("start", scanCmd.Flags().Lookup("start"))
	viper.BindPFlag("end", scanCmd.Flags().Lookup("end"))
	viper.BindPFlag("identity", scanCmd.Flags().Lookup("identity"))
	viper.BindPFlag("out", scanCmd.Flags().Lookup("out"))
	viper.SetEnvPrefix("JOBFUNNEL")
	viper.AutomaticEnv()

	rootCmd.AddCommand(scanCmd, logoutCmd, versionCmd)
}

// 解析 --start 和 --end，默认最近30天，格式错误直接报错
func scanWindow(startFlag, endFlag string, now time.Time) (time.Time, time.Time, error) {
	start, err := config.ParseDate(startFlag, now.AddDate(0, 0, -30))
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Wrap(apperr.KindInvalidRequest, "--start must be YYYY-MM-DD", err)
	}
	end, err := config.ParseDate(endFlag, now)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Wrap(apperr.KindInvalidRequest, "--end must be YYYY-MM-DD", err)
	}
	return start, end, nil
}

// 加载配置、创建组件并执行 fn，直到完成或进程被中断
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		log.Debug("command failed", zap.Error(err))
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			fmt.Fprintf(os.Stderr, "%s: %s\n", ae.Kind, ae.Reason)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
