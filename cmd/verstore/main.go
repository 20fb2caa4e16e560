// Command verstore creates, inspects, verifies, and synchronises versioned
// page stores from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/DoqueDB/verstore/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagParent    string
	flagBlockSize int
	flagVerbose   bool
)

func main() {
	root := &cobra.Command{
		Use:   "verstore",
		Short: "versioned page store maintenance tool",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVarP(&flagParent, "parent", "p", "", "store directory (overrides config)")
	root.PersistentFlags().IntVar(&flagBlockSize, "block-size", 0, "block size in bytes (create only)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(createCmd(), inspectCmd(), verifyCmd(), syncCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "verstore:", err)
		os.Exit(1)
	}
}

// openStore builds the File from flags/config without mounting.
func openStore() (*version.File, *trans.Manager, error) {
	storage := version.StorageStrategy{Parent: flagParent, BlockSize: flagBlockSize}
	buffering := version.BufferingStrategy{}
	if flagConfig != "" {
		cfg, err := version.LoadConfig(flagConfig)
		if err != nil {
			return nil, nil, err
		}
		if storage, buffering, err = cfg.Strategies(); err != nil {
			return nil, nil, err
		}
		if flagParent != "" {
			storage.Parent = flagParent
		}
	}
	mgr := trans.NewManager(trans.NewClock(0))
	ckpt := trans.NewCheckpointClock()
	f, err := version.Open(storage, buffering, mgr, ckpt)
	if err != nil {
		return nil, nil, err
	}
	return f, mgr, nil
}

func createCmd() *cobra.Command {
	var pageCount uint32
	cmd := &cobra.Command{
		Use:   "create",
		Short: "initialise a new store",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := openStore()
			if err != nil {
				return err
			}
			if err := f.Create(pageCount); err != nil {
				return err
			}
			fmt.Printf("created %s: block size %d, %d pages\n",
				f.Parent(), f.BlockSize(), pageCount)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&pageCount, "pages", 0, "initial page count")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "print header and size summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := openStore()
			if err != nil {
				return err
			}
			if err := f.Mount(); err != nil {
				return err
			}
			defer f.Unmount()
			pages, err := f.PageCount()
			if err != nil {
				return err
			}
			bound, err := f.BoundSize()
			if err != nil {
				return err
			}
			fmt.Printf("store:      %s\n", f.Parent())
			fmt.Printf("block size: %d\n", f.BlockSize())
			fmt.Printf("page size:  %d\n", f.PageSize())
			fmt.Printf("pages:      %d\n", pages)
			fmt.Printf("total size: %d bytes\n", f.Size())
			fmt.Printf("bound size: %d bytes\n", bound)
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	var treatment string
	var overall bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "run integrity checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, mgr, err := openStore()
			if err != nil {
				return err
			}
			if err := f.Mount(); err != nil {
				return err
			}
			defer f.Unmount()

			var t version.Treatment
			switch treatment {
			case "continue":
				t = version.TreatmentContinue
			case "correct":
				t = version.TreatmentCorrect
			case "abort":
				t = version.TreatmentAbort
			default:
				return fmt.Errorf("unknown treatment %q", treatment)
			}

			tx := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
			defer mgr.Commit(tx)
			progress := &version.CollectingProgress{}
			if err := f.Verify(tx, t, progress, overall); err != nil {
				return err
			}
			for _, finding := range progress.Findings {
				fmt.Println(finding.String())
			}
			if !progress.IsGood() {
				return fmt.Errorf("%d inconsistencies found", len(progress.Findings))
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&treatment, "treatment", "continue", "continue | correct | abort")
	cmd.Flags().BoolVar(&overall, "overall", false, "also sweep the master data file")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "run one sync pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, mgr, err := openStore()
			if err != nil {
				return err
			}
			if err := f.Mount(); err != nil {
				return err
			}
			defer f.Unmount()
			tx := mgr.Begin(trans.ReadWrite, trans.ReadCommitted, true)
			defer mgr.Commit(tx)
			incomplete, modified, err := f.Sync(tx)
			if err != nil {
				return err
			}
			fmt.Printf("sync: incomplete=%v modified=%v\n", incomplete, modified)
			return nil
		},
	}
}
