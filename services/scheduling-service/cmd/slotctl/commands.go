package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"

	"github.com/kairos-labs/slotkeeper/libs/grpcx"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/recurrence"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/settings"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

type env struct {
	settingsFile string
	zones        *tz.Resolver
	cfg          settings.Settings
}

func (e *env) load() error {
	cfg, err := settings.Load(e.settingsFile)
	if err != nil {
		return err
	}
	zones, err := tz.NewResolver(cfg.DefaultZone, cfg.ZoneCacheSize)
	if err != nil {
		return err
	}
	e.cfg, e.zones = cfg, zones
	return nil
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "slotctl",
		Short:         "Timezone and availability tooling for the scheduling service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.load()
		},
	}
	root.PersistentFlags().StringVar(&e.settingsFile, "settings", os.Getenv("SETTINGS_FILE"), "engine settings YAML")

	root.AddCommand(zonesCmd(e), convertCmd(e), transitionsCmd(e), expandCmd(e), healthCmd())
	return root
}

func zonesCmd(e *env) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "zones",
		Short: "List supported IANA zone ids",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			for _, id := range e.zones.SupportedZones() {
				if strings.HasPrefix(id, prefix) {
					fmt.Fprintln(out, id)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only zones starting with this prefix")
	return cmd
}

func convertCmd(e *env) *cobra.Command {
	var local, instant, zone, to string
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a wall-clock reading to an instant, or an instant to a zone",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			switch {
			case local != "" && instant != "":
				return fmt.Errorf("use either --local or --instant")
			case local != "":
				lt, err := tz.ParseLocalTime(local)
				if err != nil {
					return err
				}
				at, res, warn := e.zones.ToAbsolute(lt, zone)
				printWarning(out, warn)
				fmt.Fprintf(out, "%s\t%s\n", at.UTC().Format(time.RFC3339), res)
				return nil
			case instant != "":
				at, err := time.Parse(time.RFC3339, instant)
				if err != nil {
					return fmt.Errorf("invalid instant %q: %w", instant, err)
				}
				if to == "" {
					to = zone
				}
				converted, warns := e.zones.Convert(at, zone, to)
				for i := range warns {
					printWarning(out, &warns[i])
				}
				fmt.Fprintf(out, "%s\t%s\n", converted.Format(time.RFC3339), tz.LocalTimeOf(converted))
				return nil
			}
			return fmt.Errorf("one of --local or --instant is required")
		},
	}
	cmd.Flags().StringVar(&local, "local", "", "wall-clock reading, YYYY-MM-DDTHH:MM")
	cmd.Flags().StringVar(&instant, "instant", "", "RFC 3339 instant")
	cmd.Flags().StringVar(&zone, "zone", "UTC", "zone of --local, or source zone of --instant")
	cmd.Flags().StringVar(&to, "to", "", "target zone for --instant")
	return cmd
}

func transitionsCmd(e *env) *cobra.Command {
	var zone string
	var year int
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "List UTC offset changes of a zone in a year",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if zone == "" {
				return fmt.Errorf("--zone is required")
			}
			out := cmd.OutOrStdout()
			list, warn := e.zones.TransitionsInYear(zone, year)
			printWarning(out, warn)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tFROM\tTO\tDELTA")
			for _, t := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.At.UTC().Format(time.RFC3339), t.NameBefore, t.NameAfter, t.Delta())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "IANA zone id")
	cmd.Flags().IntVar(&year, "year", time.Now().Year(), "calendar year")
	return cmd
}

// expandCmd previews the slots a config would produce, ignoring blocked time and
// existing bookings.
func expandCmd(e *env) *cobra.Command {
	var file, from string
	var days int
	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Preview the slot windows of an availability config YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := readConfig(file)
			if err != nil {
				return err
			}
			start := cfg.ValidFrom
			if from != "" {
				if start, err = tz.ParseDate(from); err != nil {
					return err
				}
			}
			rangeStart, _, _ := e.zones.ToAbsolute(tz.NewLocalTime(start, tz.Clock{}), cfg.Timezone)
			rangeEnd, _, _ := e.zones.ToAbsolute(tz.NewLocalTime(start.AddDays(days), tz.Clock{}), cfg.Timezone)

			x, err := recurrence.NewExpander(e.zones, e.cfg.MaxRange()).Expand(cfg, rangeStart, rangeEnd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printWarning(out, x.Warning)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LOCAL START\tLOCAL END\tUTC START\tNOTE")
			n := 0
			for c := range x.Candidates() {
				note := ""
				if c.Advisory != nil {
					note = "dst shift " + c.Advisory.Shift.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.LocalStart, c.LocalEnd, c.Start.UTC().Format(time.RFC3339), note)
				n++
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d slots\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "config YAML file")
	cmd.Flags().StringVar(&from, "from", "", "first local date, YYYY-MM-DD (default valid_from)")
	cmd.Flags().IntVar(&days, "days", 7, "number of local days")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readConfig(path string) (model.AvailabilityConfig, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return model.AvailabilityConfig{}, err
	}
	var doc model.ConfigDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return model.AvailabilityConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Config()
}

func healthCmd() *cobra.Command {
	var addr, svc string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health service of a running instance",
		// Health checks need no settings or zone data.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := grpcx.Dial(addr, nil)
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.GetStatus())
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service %q is %s", svc, resp.GetStatus())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:9087", "gRPC address")
	cmd.Flags().StringVar(&svc, "service", "", "health service name, empty for the server")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

func printWarning(w io.Writer, warn *tz.Warning) {
	if warn != nil {
		fmt.Fprintf(w, "warning: %s\n", warn.Message)
	}
}
