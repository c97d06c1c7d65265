// Command erik-dump fetches an Index or Partition from a running
// erik-relay server and renders it as human-readable JSON.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"erik/internal/wire"
)

var (
	serverURL string
	fqdn      string
	hashHex   string
)

func main() {
	root := &cobra.Command{
		Use:          "dump",
		Short:        "fetch and decode an erik-relay Index or Partition",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "", "base HTTPS URL of the erik-relay server")
	root.PersistentFlags().StringVar(&fqdn, "fqdn", "", "repository scope to query")
	root.MarkPersistentFlagRequired("server")

	root.AddCommand(indexCmd(), partitionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "dump the Index for --fqdn",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fqdn == "" {
				return fmt.Errorf("--fqdn is required")
			}
			body, err := fetch(serverURL + "/.well-known/erik/index/" + fqdn)
			if err != nil {
				return err
			}
			idx, err := wire.DecodeIndex(body)
			if err != nil {
				return fmt.Errorf("decode index: %w", err)
			}
			return emit(renderIndex(idx))
		},
	}
}

func partitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "dump a Partition by digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hashHex == "" {
				return fmt.Errorf("--hash is required")
			}
			raw, err := hex.DecodeString(hashHex)
			if err != nil || len(raw) != 32 {
				return fmt.Errorf("--hash must be a 64-character hex SHA-256 digest")
			}
			url := serverURL + "/.well-known/ni/sha-256/" + base64.RawURLEncoding.EncodeToString(raw)
			body, err := fetch(url)
			if err != nil {
				return err
			}
			p, err := wire.DecodePartition(body)
			if err != nil {
				return fmt.Errorf("decode partition: %w", err)
			}
			return emit(renderPartition(p))
		},
	}
	cmd.Flags().StringVar(&hashHex, "hash", "", "sha-256 digest of the partition, hex encoded")
	return cmd
}

func fetch(url string) ([]byte, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

type jsonManifestRef struct {
	Digest         string `json:"digest"`
	Size           uint32 `json:"size"`
	AKI            string `json:"aki"`
	ManifestNumber string `json:"manifest_number"`
	ThisUpdate     string `json:"this_update"`
	Location       string `json:"location"`
}

type jsonPartition struct {
	PartitionTime string            `json:"partition_time"`
	Refs          []jsonManifestRef `json:"manifest_refs"`
}

type jsonPartitionRef struct {
	Digest string `json:"digest"`
	Size   uint32 `json:"size"`
}

type jsonIndex struct {
	Scope      string             `json:"index_scope"`
	IndexTime  string             `json:"index_time"`
	Partitions []jsonPartitionRef `json:"partitions"`
}

func renderIndex(idx *wire.Index) jsonIndex {
	out := jsonIndex{Scope: idx.Scope, IndexTime: idx.IndexTime.Format(time.RFC3339)}
	for _, p := range idx.Partitions {
		out.Partitions = append(out.Partitions, jsonPartitionRef{Digest: p.Digest.String(), Size: p.Size})
	}
	return out
}

func renderPartition(p *wire.Partition) jsonPartition {
	out := jsonPartition{PartitionTime: p.PartitionTime.Format(time.RFC3339)}
	for _, r := range p.Refs {
		out.Refs = append(out.Refs, jsonManifestRef{
			Digest:         r.Digest.String(),
			Size:           r.Size,
			AKI:            fmt.Sprintf("%x", r.AKI[:]),
			ManifestNumber: r.ManifestNumber.String(),
			ThisUpdate:     r.ThisUpdate.Format(time.RFC3339),
			Location:       r.Location,
		})
	}
	return out
}

func emit(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
