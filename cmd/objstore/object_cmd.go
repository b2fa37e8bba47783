package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bleepstore/objectstore/internal/metadata"
	"github.com/bleepstore/objectstore/internal/storage"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the objects in the bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(c storage.Client) error {
				objs, err := c.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(objs) == 0 {
					fmt.Fprintf(a.stdout, "No objects found in %s.\n", c.BucketName())
					return nil
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tSIZE\tETAG\tLAST MODIFIED")
				for _, o := range objs {
					modified := "-"
					if lm := o.Metadata.LastModified(); !lm.IsZero() {
						modified = lm.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", o.Name, o.Metadata.ContentLength(), o.ETag(), modified)
				}
				return tw.Flush()
			})
		},
	}
}

type putFlags struct {
	contentType  string
	cacheControl string
	meta         []string
}

func newPutCmd(a *app) *cobra.Command {
	f := putFlags{}
	cmd := &cobra.Command{
		Use:   "put <key> <file|->",
		Short: "Upload a file, or standard input, as an object",
		Long: `Reads the source once, computes its Content-MD5 and uploads it under key.
The provider verifies the digest on receipt.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, source := args[0], args[1]
			in, err := a.openInput(source)
			if err != nil {
				return err
			}
			data, md, err := metadata.FromReader(source, in)
			in.Close()
			if err != nil {
				return err
			}
			if f.contentType != "" {
				md.SetContentType(f.contentType)
			}
			if f.cacheControl != "" {
				md.SetCacheControl(f.cacheControl)
			}
			for _, kv := range f.meta {
				name, value, ok := strings.Cut(kv, "=")
				if !ok || name == "" {
					return fmt.Errorf("invalid --meta %q, want name=value", kv)
				}
				md.SetUserMetadata(name, value)
			}

			return a.withClient(cmd.Context(), func(c storage.Client) error {
				obj, err := storage.NewStorageObject(key, "", md, storage.BytesPayload(data))
				if err != nil {
					return err
				}
				etag, err := c.PutObject(cmd.Context(), obj)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Uploaded %s (%d bytes, etag %s)\n", key, len(data), etag)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&f.contentType, "content-type", "t", "", "Content-Type of the object")
	cmd.Flags().StringVar(&f.cacheControl, "cache-control", "", "Cache-Control of the object")
	cmd.Flags().StringSliceVarP(&f.meta, "meta", "m", nil, "user metadata as name=value (repeatable)")
	return cmd
}

type getFlags struct {
	output string
	verify bool
}

func newGetCmd(a *app) *cobra.Command {
	f := getFlags{}
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Download an object to a file or standard output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return a.withClient(cmd.Context(), func(c storage.Client) error {
				var (
					obj *storage.StorageObject
					err error
				)
				if f.verify {
					obj, err = c.GetVerified(cmd.Context(), key)
				} else {
					obj, err = c.Get(cmd.Context(), key)
				}
				if err != nil {
					return err
				}
				if obj == nil {
					fmt.Fprintf(a.stderr, "%s does not exist\n", key)
					return errAbsent
				}
				defer obj.Close()

				out := a.stdout
				if f.output != "" && f.output != "-" {
					file, err := os.Create(f.output)
					if err != nil {
						return err
					}
					defer file.Close()
					out = file
				}
				if _, err := io.Copy(out, obj.Payload); err != nil {
					return fmt.Errorf("writing %s: %w", key, err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write to this file instead of standard output")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "verify the content against its stored MD5")
	return cmd
}

func newHeadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "head <key>",
		Short: "Print the metadata of an object",
		Long:  `Prints one header per line. Exits with status 1 when the object does not exist.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return a.withClient(cmd.Context(), func(c storage.Client) error {
				obj, err := c.GetWithoutBody(cmd.Context(), key)
				if err != nil {
					return err
				}
				if obj == nil {
					return errAbsent
				}
				fmt.Fprintf(a.stdout, "URI: %s\n", obj.URI)
				headers := obj.Metadata.Strings()
				names := make([]string, 0, len(headers))
				for name := range headers {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(a.stdout, "%s: %s\n", name, headers[name])
				}
				return nil
			})
		},
	}
}

func newExistsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <key>",
		Short: "Report whether an object exists",
		Long:  `Prints true or false. Exits with status 1 when the object does not exist.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(c storage.Client) error {
				ok, err := c.Exists(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, ok)
				if !ok {
					return errAbsent
				}
				return nil
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>...",
		Short: "Delete objects",
		Long:  `Deletes each key. Deleting a key that does not exist succeeds.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(c storage.Client) error {
				for _, key := range args {
					if err := c.Delete(cmd.Context(), key); err != nil {
						return err
					}
					fmt.Fprintf(a.stdout, "Deleted %s\n", key)
				}
				return nil
			})
		},
	}
}
