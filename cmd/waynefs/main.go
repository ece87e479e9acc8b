package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wayne70211/waynefs"
)

// Exit codes for mount failures; scripts key off these.
const (
	exitOK          = 0
	exitUsage       = 1
	exitNoImage     = 2
	exitBadMagic    = 3
	exitJournalDead = 4
)

var (
	log     = logrus.New()
	verbose bool
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case os.IsNotExist(err):
		return exitNoImage
	case errors.Is(err, waynefs.ErrBadMagic), errors.Is(err, waynefs.ErrBadGeometry):
		return exitBadMagic
	case errors.Is(err, waynefs.ErrJournalCorrupt):
		return exitJournalDead
	default:
		return exitUsage
	}
}

func main() {
	root := &cobra.Command{
		Use:           "waynefs",
		Short:         "waynefs - journaling filesystem on a disk image",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(mkfsCmd(), mountCmd(), lsCmd(), catCmd(), infoCmd())

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(exitCode(err))
	}
}

func mkfsCmd() *cobra.Command {
	opts := waynefs.DefaultMkfsOptions
	cmd := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "Format a fresh image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := waynefs.Mkfs(args[0], opts); err != nil {
				return err
			}
			log.Infof("formatted %s: %d MB, block size %d, %d inodes, %d journal blocks",
				args[0], opts.SizeMB, opts.BlockSize, opts.InodeCount, opts.JournalBlocks)
			return nil
		},
	}
	cmd.Flags().Int64Var(&opts.SizeMB, "size-mb", 128, "image size in MB")
	cmd.Flags().Uint32Var(&opts.BlockSize, "block-size", opts.BlockSize, "block size in bytes")
	cmd.Flags().Uint32Var(&opts.InodeCount, "inodes", opts.InodeCount, "number of inodes")
	cmd.Flags().Uint32Var(&opts.JournalBlocks, "journal-blocks", opts.JournalBlocks, "journal length in blocks")
	return cmd
}

func mountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount <image> <mountpoint>",
		Short: "Mount an image through FUSE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, err := waynefs.Open(args[0], waynefs.WithLogger(log))
			if err != nil {
				return err
			}

			server, err := waynefs.Mount(fsys, args[1], verbose)
			if err != nil {
				fsys.Close()
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				log.Info("unmounting")
				if err := server.Unmount(); err != nil {
					log.WithError(err).Error("unmount failed; still busy?")
				}
			}()

			server.Wait()
			return fsys.Close()
		},
	}
}

// withImage opens the image read-write but only for offline inspection.
func withImage(path string, fn func(*waynefs.Filesystem) error) error {
	fsys, err := waynefs.Open(path, waynefs.WithLogger(log))
	if err != nil {
		return err
	}
	defer fsys.Close()
	return fn(fsys)
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <image> [path]",
		Short: "List files inside an image",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 1 {
				dir = args[1]
			}
			return withImage(args[0], func(fsys *waynefs.Filesystem) error {
				entries, err := fs.ReadDir(fsys.FS(), dir)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					info, err := entry.Info()
					if err != nil {
						log.WithError(err).Warnf("no info for %s", entry.Name())
						continue
					}
					fmt.Printf("%s %8d %s %s\n",
						info.Mode(), info.Size(),
						info.ModTime().Format("Jan 02 15:04"), entry.Name())
				}
				return nil
			})
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <image> <file>",
		Short: "Print a file from an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withImage(args[0], func(fsys *waynefs.Filesystem) error {
				data, err := fs.ReadFile(fsys.FS(), args[1])
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "Show image geometry and usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withImage(args[0], func(fsys *waynefs.Filesystem) error {
				sb := fsys.Superblock()
				fmt.Printf("Block size:      %d bytes\n", sb.BlockSize)
				fmt.Printf("Total blocks:    %d\n", sb.TotalBlocks)
				fmt.Printf("Data blocks:     %d (%d free)\n", sb.DataBlocks(), sb.FreeDataBlocks)
				fmt.Printf("Inodes:          %d (%d free)\n", sb.InodeCount, sb.FreeInodes)
				fmt.Printf("Journal:         %d blocks at %d\n", sb.JournalBlocks, sb.JournalStart)
				fmt.Printf("State:           %s\n", sb.State)
				fmt.Printf("Max file size:   %d bytes\n", sb.MaxFileSize())
				return nil
			})
		},
	}
}
