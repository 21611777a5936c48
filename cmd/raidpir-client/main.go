// Command raidpir-client retrieves one file from a RAID-PIR deployment
// without revealing which blocks it asked for to any single mirror (§1).
// It discovers the manifest and mirror list from the vendor, builds the
// per-mirror queries for the requested file's blocks, and reassembles the
// mirrors' responses into the file's bytes.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/WebFirstLanguage/raidpir/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/raidpir/pkg/database"
	"github.com/WebFirstLanguage/raidpir/pkg/manifest"
	"github.com/WebFirstLanguage/raidpir/pkg/query"
	"github.com/WebFirstLanguage/raidpir/pkg/scheduler"
	"github.com/WebFirstLanguage/raidpir/pkg/transport"
	"github.com/WebFirstLanguage/raidpir/pkg/transport/tcp"
	"github.com/WebFirstLanguage/raidpir/pkg/transport/transports"
	"github.com/WebFirstLanguage/raidpir/pkg/vendorsvc"
	"github.com/WebFirstLanguage/raidpir/pkg/wireproto"
)

func main() {
	fs := flag.NewFlagSet("raidpir-client", flag.ExitOnError)
	vendorAddr := fs.String("vendor", "", "vendor address (required)")
	file := fs.String("file", "", "file name to retrieve, as listed in the manifest (required)")
	out := fs.String("out", "", "output path (default: the file name)")
	k := fs.Int("k", 0, "mirror count to use (0: use every mirror the vendor reports)")
	r := fs.Int("r", 0, "chunk redundancy; 0 selects plain mode")
	rng := fs.Bool("rng", false, "use seeded (PRNG-expanded) chunk queries instead of explicit vectors")
	parallel := fs.Bool("p", false, "use seeded-parallel mode (implies -rng)")
	batch := fs.Bool("b", false, "set the batch hint on outgoing requests")
	timeout := fs.Duration("t", 30*time.Second, "overall retrieval timeout")
	mirrorTransportName := fs.String("mirror-transport", "tcp", "transport for mirror connections: tcp or quic")
	fs.Parse(os.Args[1:])

	if *vendorAddr == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "raidpir-client: -vendor and -file are required")
		os.Exit(2)
	}
	if *parallel {
		*rng = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	mirrorTransport, err := transports.Get(*mirrorTransportName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-client: %v\n", err)
		os.Exit(2)
	}

	tr := tcp.New()

	m, manifestData, err := fetchManifest(ctx, tr, *vendorAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-client: %v\n", err)
		os.Exit(2)
	}
	_ = manifestData

	mirrors, err := fetchMirrorList(ctx, tr, *vendorAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-client: %v\n", err)
		os.Exit(4)
	}

	mirrorCount := *k
	if mirrorCount == 0 {
		mirrorCount = len(mirrors)
	}
	if mirrorCount < 2 || mirrorCount > len(mirrors) {
		fmt.Fprintf(os.Stderr, "raidpir-client: need between 2 and %d mirrors, got k=%d\n", len(mirrors), mirrorCount)
		os.Exit(3)
	}
	mirrors = mirrors[:mirrorCount]

	first, last, err := m.BlocksForFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-client: %v\n", err)
		os.Exit(2)
	}
	blocks := make([]uint64, 0, last-first+1)
	for b := first; b <= last; b++ {
		blocks = append(blocks, b)
	}

	opts := query.Options{K: mirrorCount, R: *r, RNG: *rng, Parallel: *parallel, Batch: *batch}
	dialer := &scheduler.TransportDialer{Transport: mirrorTransport}
	if *mirrorTransportName == "quic" {
		// QUIC mandates TLS; mirrors serve a self-signed cert they generate
		// at startup, so there is no CA to verify against here.
		dialer.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	sched := scheduler.New(dialer, opts, int(m.BlockSize()), m, nil)

	results, _, err := sched.Fetch(ctx, int(m.BlockCount()), blocks, mirrors)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-client: %v\n", err)
		os.Exit(4)
	}

	data, err := database.ExtractFile(m, *file, results)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-client: %v\n", err)
		os.Exit(2)
	}

	outPath := *out
	if outPath == "" {
		outPath = *file
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-client: %v\n", err)
		os.Exit(1)
	}
}

func fetchManifest(ctx context.Context, tr transport.Transport, vendorAddr string) (*manifest.Manifest, []byte, error) {
	conn, err := tr.Dial(ctx, vendorAddr, nil)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	if err := wireproto.WriteFrame(conn, []byte(vendorsvc.CmdGetManifest)); err != nil {
		return nil, nil, err
	}
	data, err := wireproto.ReadFrame(wireproto.NewReader(conn))
	if err != nil {
		return nil, nil, err
	}
	m, err := manifest.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	return m, data, nil
}

func fetchMirrorList(ctx context.Context, tr transport.Transport, vendorAddr string) ([]string, error) {
	conn, err := tr.Dial(ctx, vendorAddr, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := wireproto.WriteFrame(conn, []byte(vendorsvc.CmdGetMirrorList)); err != nil {
		return nil, err
	}
	data, err := wireproto.ReadFrame(wireproto.NewReader(conn))
	if err != nil {
		return nil, err
	}
	var mirrors []string
	if err := cborcanon.Unmarshal(data, &mirrors); err != nil {
		return nil, fmt.Errorf("decode mirror list: %w", err)
	}
	return mirrors, nil
}
