package cli

import (
	"fmt"

	"github.com/XavSPM/RevpiEpics/internal/bindings"
	"github.com/XavSPM/RevpiEpics/internal/builder"
	"github.com/XavSPM/RevpiEpics/internal/config"
	"github.com/XavSPM/RevpiEpics/internal/procimg"
	"github.com/spf13/cobra"
)

func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate config, layout and bindings without touching hardware",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, cmd)
		},
	}
}

func runCheck(opts *RootOptions, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	layout, err := procimg.LoadLayout(cfg.Image.LayoutFile)
	if err != nil {
		return err
	}
	img, err := procimg.New(layout, procimg.NewMemoryBackend(0))
	if err != nil {
		return err
	}
	defer img.Close()

	fmt.Fprintf(out, "layout %s: %d points, %d bytes\n", cfg.Image.LayoutFile, len(img.Points()), img.Size())

	if cfg.BindingsFile == "" {
		fmt.Fprintln(out, "no bindings file configured")
		return nil
	}

	loader, err := bindings.NewLoader()
	if err != nil {
		return err
	}
	defs, err := loader.Load(cfg.BindingsFile)
	if err != nil {
		return err
	}

	registry := builder.Default()
	problems := 0
	for _, def := range defs {
		point, ok := img.Point(def.IOName)
		if !ok {
			fmt.Fprintf(out, "  %s: unknown I/O point\n", def)
			problems++
			continue
		}
		if _, ok := registry.Lookup(point.ProductType); !ok {
			fmt.Fprintf(out, "  %s: no builder for product type %d\n", def, point.ProductType)
			problems++
		}
	}

	fmt.Fprintf(out, "bindings %s: %d entries, %d problems\n", cfg.BindingsFile, len(defs), problems)
	if problems > 0 {
		return fmt.Errorf("%d bindings cannot be applied", problems)
	}
	return nil
}
