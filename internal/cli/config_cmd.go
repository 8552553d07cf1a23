package cli

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"framecast/internal"
)

func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the framecast configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(configInitCommand(), configShowCommand())
	return cmd
}

func configInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		// The file may not exist yet, so skip loading it.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			written, err := internal.SaveDefaultConfig(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", written)
			return nil
		},
	}
}

func configShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetConfig(cmd)
			if cfg == nil {
				return fmt.Errorf("config unavailable")
			}
			rows := [][]string{{"key", "value"}, {"log_level", cfg.LogLevel}}
			rows = append(rows, settingRows("transmitter", cfg.Transmitter)...)
			rows = append(rows, settingRows("receiver", cfg.Receiver)...)
			table, err := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData(rows)).Srender()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

// settingRows flattens a config section into key/value rows using its
// mapstructure tags. Secrets are masked.
func settingRows(section string, v any) [][]string {
	rv := reflect.ValueOf(v)
	rt := rv.Type()
	rows := make([][]string, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("mapstructure")
		if tag == "" {
			continue
		}
		val := fmt.Sprint(rv.Field(i).Interface())
		if tag == "payload_key" && val != "" {
			val = "********"
		}
		rows = append(rows, []string{section + "." + tag, val})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	return rows
}
