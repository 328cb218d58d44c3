package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cbegin/pianotutor-go/internal/config"
	"github.com/cbegin/pianotutor-go/internal/theory"
)

var (
	verbose    bool
	initConfig bool
)

func init() {
	addSourceFlags(infoCmd)
	infoCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list the notes of every measure")
	rootCmd.AddCommand(infoCmd)

	configCmd.Flags().BoolVar(&initConfig, "init", false, "write the defaults to the config file")
	rootCmd.AddCommand(configCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Describe a composition",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadComposition(args)
		if err != nil {
			return err
		}
		fmt.Printf("title     %s\n", c.Title())
		fmt.Printf("key       %s\n", c.Key())
		fmt.Printf("meter     %s\n", c.TimeSignature())
		fmt.Printf("tempo     %.0f bpm\n", c.Tempo())
		fmt.Printf("measures  %d\n", c.MeasureCount())
		fmt.Printf("beats     %.2f\n", c.TotalBeats())
		fmt.Printf("duration  %.2fs\n", c.Seconds(c.Tempo()))
		fmt.Printf("notes     %d\n", len(c.Notes()))
		if !verbose {
			return nil
		}
		for _, m := range c.Measures() {
			names := make([]string, len(m.Notes))
			for i, n := range m.Notes {
				names[i] = fmt.Sprintf("%s@%g", theory.PitchString(n.Pitch), n.Start-m.Start)
			}
			fmt.Printf("%4d  %-5s %s\n", m.Number, m.TimeSignature, strings.Join(names, " "))
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			p, err := config.Path()
			if err != nil {
				return err
			}
			path = p
		}
		if initConfig {
			if err := config.DefaultConfig().SaveFile(path); err != nil {
				return err
			}
			log.WithField("file", path).Info("config written")
			return nil
		}
		fmt.Fprintf(os.Stderr, "# %s\n", path)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}
