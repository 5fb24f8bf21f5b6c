package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"thumbsvc/internal/config"
	"thumbsvc/internal/database"
	"thumbsvc/internal/s3storage"
	"thumbsvc/internal/signing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:   "thumbsvc",
		Short: "thumbsvc development CLI",
		Long: `Development helpers for the thumbnail service: provision the database schema
and object storage buckets, drive the upload and storage-event endpoints
against a running instance, and manage the local compose stack.`,
		SilenceUsage: true,
	}
	root.AddCommand(newSeedCmd(), newUploadCmd(), newEventCmd(), newStackCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "thumbsvc: %v\n", err)
		os.Exit(1)
	}
}

// newSeedCmd provisions everything the server and worker expect at startup,
// useful when pointing the binaries at infrastructure that compose did not
// bootstrap.
func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the image_uploads schema and the originals/thumbnails buckets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			store, err := s3storage.New(cfg)
			if err != nil {
				return err
			}
			if err := store.EnsureBuckets(ctx, cfg.OriginalsBucket, cfg.ThumbnailsBucket); err != nil {
				return err
			}
			fmt.Printf("schema ready, buckets %s and %s ready\n", cfg.OriginalsBucket, cfg.ThumbnailsBucket)
			return nil
		},
	}
}

// newUploadCmd pushes a local image through POST /uploads, exercising the
// full upload path end to end.
func newUploadCmd() *cobra.Command {
	var server, owner string
	cmd := &cobra.Command{
		Use:   "upload <image-file>",
		Short: "Upload a PNG or JPEG through the running API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			name := filepath.Base(args[0])
			body, formType, err := multipartFile("file", name, contentTypeFor(name), data)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, server+"/uploads", body)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", formType)
			if owner != "" {
				req.Header.Set("X-Owner-ID", owner)
			}
			return doRequest(req)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the running API")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner UUID sent as X-Owner-ID")
	return cmd
}

// newEventCmd posts an object-created notification the way the storage
// backend would, signing it when THUMBSVC_WEBHOOK_SECRET is set so the
// webhook auth path can be exercised locally.
func newEventCmd() *cobra.Command {
	var server, bucket, name string
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Post a storage object-created event to the webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucket == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				bucket = cfg.OriginalsBucket
			}
			body, err := json.Marshal(map[string]any{
				"data": map[string]string{"bucket": bucket, "name": name},
			})
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, server+"/events/storage", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if secret := os.Getenv("THUMBSVC_WEBHOOK_SECRET"); secret != "" {
				req.Header.Set("X-Webhook-Signature", signing.NewSigner([]byte(secret)).Sign(body))
			}
			return doRequest(req)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the running API")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Bucket named in the event (defaults to the configured originals bucket)")
	cmd.Flags().StringVar(&name, "name", "", "Object key named in the event")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newStackCmd() *cobra.Command {
	var composeFile string
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Manage the local compose stack (postgres, redis, minio, server, worker)",
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Build and start the stack in the background",
			RunE: func(cmd *cobra.Command, args []string) error {
				return compose(cmd.Context(), composeFile, "up", "--build", "-d")
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Stop the stack",
			RunE: func(cmd *cobra.Command, args []string) error {
				return compose(cmd.Context(), composeFile, "down")
			},
		},
	)
	return cmd
}

func compose(ctx context.Context, file string, args ...string) error {
	full := append([]string{"compose", "-f", file}, args...)
	c := exec.CommandContext(ctx, "docker", full...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}

func multipartFile(field, filename, contentType string, data []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &body, mw.FormDataContentType(), nil
}

func doRequest(req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n%s\n", resp.Status, bytes.TrimSpace(out))
	return nil
}
