// Command raidpir-mirror serves PIR queries against a block database,
// computing the XOR response for each MirrorQuery it receives (§4.X), and
// optionally advertises itself to a vendor so clients can discover it.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WebFirstLanguage/raidpir/pkg/database"
	"github.com/WebFirstLanguage/raidpir/pkg/manifest"
	"github.com/WebFirstLanguage/raidpir/pkg/responder"
	"github.com/WebFirstLanguage/raidpir/pkg/transport"
	"github.com/WebFirstLanguage/raidpir/pkg/transport/tcp"
	"github.com/WebFirstLanguage/raidpir/pkg/transport/transports"
	"github.com/WebFirstLanguage/raidpir/pkg/vendorsvc"
	"github.com/WebFirstLanguage/raidpir/pkg/wireproto"
)

func main() {
	fs := flag.NewFlagSet("raidpir-mirror", flag.ExitOnError)
	manifestPath := fs.String("manifest", "manifest.dat", "manifest describing the block database")
	dataPath := fs.String("data", "", "raw block database file (required)")
	k := fs.Int("k", 0, "mirror count used by chunked query modes (0 if this deployment only serves plain queries)")
	listen := fs.String("listen", ":0", "address to listen on for client connections")
	transportName := fs.String("transport", "tcp", "transport for client connections: tcp or quic")
	vendorAddr := fs.String("vendor", "", "vendor address to advertise to (skipped if empty)")
	advertiseEvery := fs.Duration("advertise-every", 5*time.Minute, "how often to re-advertise to the vendor")
	fs.Parse(os.Args[1:])

	if *dataPath == "" {
		fmt.Fprintln(os.Stderr, "raidpir-mirror: -data is required")
		os.Exit(1)
	}

	f, err := os.Open(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-mirror: %v\n", err)
		os.Exit(1)
	}
	m, err := manifest.Parse(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-mirror: %v\n", err)
		os.Exit(2)
	}

	db, err := database.OpenFileDatabase(*dataPath, m.BlockSize())
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-mirror: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if db.BlockCount() != m.BlockCount() {
		fmt.Fprintf(os.Stderr, "raidpir-mirror: data file has %d blocks, manifest declares %d\n", db.BlockCount(), m.BlockCount())
		os.Exit(2)
	}

	s := responder.New(db, *k)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := transports.Get(*transportName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-mirror: %v\n", err)
		os.Exit(2)
	}

	var listenTLS *tls.Config
	if tr.Name() == "quic" {
		listenTLS, err = transport.GenerateSelfSignedTLSConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "raidpir-mirror: %v\n", err)
			os.Exit(1)
		}
	}

	listener, err := tr.Listen(ctx, *listen, listenTLS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-mirror: %v\n", err)
		os.Exit(1)
	}
	defer listener.Close()

	fmt.Printf("RAID-PIR mirror listening on %s (%s), serving %d blocks of %d bytes\n", listener.Addr(), tr.Name(), db.BlockCount(), db.BlockSize())

	if *vendorAddr != "" {
		go advertiseLoop(ctx, tcp.New(), *vendorAddr, listener.Addr().String(), *advertiseEvery)
	}

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "raidpir-mirror: accept: %v\n", err)
			continue
		}
		go func() {
			defer conn.Close()
			if err := responder.Serve(s, conn); err != nil {
				fmt.Fprintf(os.Stderr, "raidpir-mirror: connection from %s: %v\n", conn.RemoteAddr(), err)
			}
		}()
	}
}

// advertiseLoop periodically tells the vendor this mirror is alive, per the
// reference vendor's MIRRORADVERTISE/mirrorexpirytime bookkeeping.
func advertiseLoop(ctx context.Context, tr transport.Transport, vendorAddr, selfAddr string, every time.Duration) {
	advertise := func() error {
		conn, err := tr.Dial(ctx, vendorAddr, nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		payload, err := vendorsvc.EncodeAdvertise(vendorsvc.MirrorInfo{Address: selfAddr})
		if err != nil {
			return err
		}
		if err := wireproto.WriteFrame(conn, payload); err != nil {
			return err
		}
		resp, err := wireproto.ReadFrame(wireproto.NewReader(conn))
		if err != nil {
			return err
		}
		if string(resp) != vendorsvc.RespOK {
			return fmt.Errorf("vendor rejected advertisement: %s", resp)
		}
		return nil
	}

	if err := advertise(); err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-mirror: advertise: %v\n", err)
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := advertise(); err != nil {
				fmt.Fprintf(os.Stderr, "raidpir-mirror: advertise: %v\n", err)
			}
		}
	}
}
