package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"asksync/internal/config"
	"asksync/internal/ics"
	"asksync/internal/layout"
	"asksync/internal/model"
	"asksync/internal/recurrence"
	"asksync/internal/view"
)

// The inspect commands work on local files only and never touch the database.

func rangeCmd(configPath *string) *cobra.Command {
	var mode, date string

	cmd := &cobra.Command{
		Use:   "range",
		Short: "Print the date range covered by a view",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			vm, anchor, err := parseViewArgs(conf, mode, date)
			if err != nil {
				return err
			}
			return printJSON(cmd, selectorFor(conf).Range(vm, anchor))
		},
	}

	cmd.Flags().StringVar(&mode, "view", "week", "View mode (day, week, month, agenda)")
	cmd.Flags().StringVar(&date, "date", "", "Anchor date YYYY-MM-DD (default today)")
	return cmd
}

func expandCmd(configPath *string) *cobra.Command {
	var mode, date, icsPath string

	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Print the occurrences of a local ICS file inside a view",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			vm, anchor, err := parseViewArgs(conf, mode, date)
			if err != nil {
				return err
			}
			events, err := readICS(icsPath, conf.Location())
			if err != nil {
				return err
			}
			rng := selectorFor(conf).Range(vm, anchor)
			return printJSON(cmd, recurrence.Expand(events, rng.Start, rng.End))
		},
	}

	cmd.Flags().StringVar(&icsPath, "ics", "", "Path to an .ics file")
	cmd.Flags().StringVar(&mode, "view", "week", "View mode (day, week, month, agenda)")
	cmd.Flags().StringVar(&date, "date", "", "Anchor date YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("ics")
	return cmd
}

func layoutCmd(configPath *string) *cobra.Command {
	var date, icsPath string

	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Print positioned timeblocks of a local ICS file for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			_, day, err := parseViewArgs(conf, string(model.ViewDay), date)
			if err != nil {
				return err
			}
			events, err := readICS(icsPath, conf.Location())
			if err != nil {
				return err
			}
			rng := view.DateRangeForView(model.ViewDay, day)
			occ := recurrence.Expand(events, rng.Start, rng.End)

			calc := layout.NewCalculator(layout.Options{
				HourHeight: conf.Layout.HourHeight,
				MinHeight:  conf.Layout.MinHeight,
			})
			return printJSON(cmd, calc.Positions(occ, day))
		},
	}

	cmd.Flags().StringVar(&icsPath, "ics", "", "Path to an .ics file")
	cmd.Flags().StringVar(&date, "date", "", "Day YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("ics")
	return cmd
}

func parseViewArgs(conf *config.Config, mode, date string) (model.ViewMode, time.Time, error) {
	vm, err := view.ParseViewMode(mode)
	if err != nil {
		return "", time.Time{}, err
	}
	loc := conf.Location()
	if date == "" {
		now := time.Now().In(loc)
		return vm, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc), nil
	}
	anchor, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("--date %q: want YYYY-MM-DD", date)
	}
	return vm, anchor, nil
}

func readICS(path string, loc *time.Location) ([]model.Event, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	src := ics.Source{ID: filepath.Base(path), URL: path, Location: loc}
	return ics.Parse(src, body)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
