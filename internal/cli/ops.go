package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/mrchypark/lockingfs"
	"github.com/spf13/cobra"
)

// withSession opens the filesystem for the duration of fn.
func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, fs *lockingfs.LockingFilesystem) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s.fs)
}

func (a *app) catCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cat PATH",
		Short: "Print a file under a read lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				rc, err := fs.ReadStream(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = io.Copy(a.out, rc)
				if cerr := rc.Close(); err == nil {
					err = cerr
				}
				return err
			})
		},
	}
}

type writeFunc func(ctx context.Context, fs *lockingfs.LockingFilesystem, path string, r io.Reader, cfg lockingfs.WriteConfig) error

func writeAny(ctx context.Context, fs *lockingfs.LockingFilesystem, path string, r io.Reader, cfg lockingfs.WriteConfig) error {
	return fs.PutStream(ctx, path, r, cfg)
}

func writeExisting(ctx context.Context, fs *lockingfs.LockingFilesystem, path string, r io.Reader, cfg lockingfs.WriteConfig) error {
	return fs.UpdateStream(ctx, path, r, cfg)
}

func writeNew(ctx context.Context, fs *lockingfs.LockingFilesystem, path string, r io.Reader, cfg lockingfs.WriteConfig) error {
	return fs.WriteStream(ctx, path, r, cfg)
}

func (a *app) writeCommand(use, short string, write writeFunc) *cobra.Command {
	var data, visibility string
	cmd := &cobra.Command{
		Use:   use + " PATH",
		Short: short + " under a write lock",
		Long:  short + ". The contents come from --data, or from stdin when --data is not given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVisibility(visibility)
			if err != nil {
				return err
			}
			var r io.Reader = strings.NewReader(data)
			if !cmd.Flags().Changed("data") {
				r = a.in
			}
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				return write(ctx, fs, args[0], r, lockingfs.WriteConfig{Visibility: v})
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "File contents")
	cmd.Flags().StringVar(&visibility, "visibility", "public", "public or private")
	return cmd
}

func (a *app) popCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pop PATH",
		Short: "Print a file and delete it under one write lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				data, err := fs.ReadAndDelete(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = a.out.Write(data)
				return err
			})
		},
	}
}

func (a *app) rmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm PATH",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				return fs.Delete(ctx, args[0])
			})
		},
	}
}

func (a *app) mvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mv FROM TO",
		Short: "Rename a file, write-locking both paths",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				return fs.Rename(ctx, args[0], args[1])
			})
		},
	}
}

func (a *app) cpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cp FROM TO",
		Short: "Copy a file, read-locking the source and write-locking the destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				return fs.Copy(ctx, args[0], args[1])
			})
		},
	}
}

func (a *app) lsCommand() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "ls [DIR]",
		Short: "List a directory under a read lock",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				entries, err := fs.ListContents(ctx, dir, recursive)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Type, e.Size, e.Visibility, e.Path)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "List subdirectories too")
	return cmd
}

func (a *app) statCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stat PATH",
		Short: "Print the metadata of a file or directory as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				meta, err := fs.GetMetadata(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(meta)
			})
		},
	}
}

func (a *app) mkdirCommand() *cobra.Command {
	var visibility string
	cmd := &cobra.Command{
		Use:   "mkdir DIR",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVisibility(visibility)
			if err != nil {
				return err
			}
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				return fs.CreateDir(ctx, args[0], lockingfs.WriteConfig{Visibility: v})
			})
		},
	}
	cmd.Flags().StringVar(&visibility, "visibility", "public", "public or private")
	return cmd
}

func (a *app) rmdirCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir DIR",
		Short: "Delete a directory and everything below it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				return fs.DeleteDir(ctx, args[0])
			})
		},
	}
}

func (a *app) chmodCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chmod PATH public|private",
		Short: "Set the visibility of a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVisibility(args[1])
			if err != nil {
				return err
			}
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				return fs.SetVisibility(ctx, args[0], v)
			})
		},
	}
}

func parseVisibility(s string) (lockingfs.Visibility, error) {
	switch v := lockingfs.Visibility(strings.ToLower(s)); v {
	case lockingfs.VisibilityPublic, lockingfs.VisibilityPrivate:
		return v, nil
	default:
		return "", fmt.Errorf("invalid visibility %q (expected public or private)", s)
	}
}
