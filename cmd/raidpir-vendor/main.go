// Command raidpir-vendor runs the vendor directory service: it serves the
// manifest and the live mirror list, and accepts mirror advertisements
// (§6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WebFirstLanguage/raidpir/pkg/manifest"
	"github.com/WebFirstLanguage/raidpir/pkg/transport"
	"github.com/WebFirstLanguage/raidpir/pkg/transport/tcp"
	"github.com/WebFirstLanguage/raidpir/pkg/vendorsvc"
)

func main() {
	fs := flag.NewFlagSet("raidpir-vendor", flag.ExitOnError)
	manifestPath := fs.String("manifest", "manifest.dat", "manifest file to serve")
	listen := fs.String("listen", "", "listen address (default: manifest's vendor address)")
	ttl := fs.Duration("ttl", 10*time.Minute, "mirror advertisement expiry")
	maxAdvertise := fs.Int("max-advertise", 10240, "maximum bytes accepted in a MIRRORADVERTISE payload")
	checkMirrorIP := fs.Bool("check-mirror-ip", false, "reject advertisements whose claimed address doesn't match the connecting IP")
	fs.Parse(os.Args[1:])

	f, err := os.Open(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-vendor: %v\n", err)
		os.Exit(1)
	}
	m, err := manifest.Parse(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-vendor: %v\n", err)
		os.Exit(2)
	}
	manifestData, err := os.ReadFile(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-vendor: %v\n", err)
		os.Exit(1)
	}

	addr := *listen
	if addr == "" {
		addr = m.VendorAddress()
	}

	svc := vendorsvc.New(manifestData, m, vendorsvc.Config{
		TTL:              *ttl,
		MaxAdvertiseSize: *maxAdvertise,
		CheckMirrorIP:    *checkMirrorIP,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := tcp.New()
	listener, err := tr.Listen(ctx, addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-vendor: %v\n", err)
		os.Exit(1)
	}
	defer listener.Close()

	fmt.Printf("RAID-PIR vendor listening on %s, serving %d blocks of %d bytes\n", addr, m.BlockCount(), m.BlockSize())

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "raidpir-vendor: accept: %v\n", err)
			continue
		}
		go serveConn(svc, conn)
	}
}

func serveConn(svc *vendorsvc.Service, conn transport.Conn) {
	defer conn.Close()
	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if err := svc.HandleConn(conn, remoteIP); err != nil {
		fmt.Fprintf(os.Stderr, "raidpir-vendor: connection from %s: %v\n", conn.RemoteAddr(), err)
	}
}
